package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/eniac111/manifold/internal/inventory"
)

// SSHOptions configures the SSH dialer.
type SSHOptions struct {
	DialTimeout time.Duration

	// KnownHostsPath overrides the default ~/.ssh/known_hosts. When no
	// known_hosts file exists, host keys are not verified and a warning is
	// logged.
	KnownHostsPath string
}

// NewSSHDialer returns a Dialer that opens SSH connections using the host's
// credentials: password, explicit key, the default key, then the SSH agent.
func NewSSHDialer(opts SSHOptions, log *logrus.Entry) Dialer {
	return func(ctx context.Context, host *inventory.Host) (Runner, error) {
		client, err := dialSSH(host, opts, log)
		if err != nil {
			return nil, &DialError{Host: host.Name, Err: err}
		}
		return &sshRunner{client: client}, nil
	}
}

func dialSSH(host *inventory.Host, opts SSHOptions, log *logrus.Entry) (*ssh.Client, error) {
	var authMethods []ssh.AuthMethod

	if host.Password != "" {
		authMethods = append(authMethods, ssh.Password(host.Password))
	}

	if host.KeyPath != "" {
		key, err := os.ReadFile(host.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read SSH key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse SSH key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	// Fall back to the default key when none is configured.
	if host.KeyPath == "" {
		if usr, err := user.Current(); err == nil {
			key, err := os.ReadFile(filepath.Join(usr.HomeDir, ".ssh", "id_rsa"))
			if err == nil {
				if signer, err := ssh.ParsePrivateKey(key); err == nil {
					authMethods = append(authMethods, ssh.PublicKeys(signer))
					log.Debug("using default SSH key")
				}
			}
		}
	}

	// The SSH agent, when available, goes last in the chain.
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			authMethods = append(authMethods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			log.Debug("using SSH agent")
		}
	}

	if len(authMethods) == 0 {
		return nil, errors.New("no authentication methods available")
	}

	config := &ssh.ClientConfig{
		User:            host.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback(opts, log),
		Timeout:         opts.DialTimeout,
	}

	client, err := ssh.Dial("tcp", host.Addr(), config)
	if err != nil {
		return nil, fmt.Errorf("dial SSH: %w", err)
	}
	return client, nil
}

func hostKeyCallback(opts SSHOptions, log *logrus.Entry) ssh.HostKeyCallback {
	pathname := opts.KnownHostsPath
	if pathname == "" {
		if usr, err := user.Current(); err == nil {
			pathname = filepath.Join(usr.HomeDir, ".ssh", "known_hosts")
		}
	}
	if pathname != "" {
		if cb, err := knownhosts.New(pathname); err == nil {
			return cb
		}
	}
	log.Warn("no usable known_hosts file, skipping host key verification")
	return ssh.InsecureIgnoreHostKey()
}

type sshRunner struct {
	client *ssh.Client
}

// Run executes a command. A non-zero exit status produces a CommandResult,
// not an error; errors mean the transport itself broke.
func (r *sshRunner) Run(ctx context.Context, command string) (*CommandResult, error) {
	session, err := r.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	defer session.Close()

	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := session.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	start := time.Now()
	if err := session.Start(command); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	type output struct {
		stdout, stderr string
		err            error
	}
	outputChan := make(chan output, 1)
	go func() {
		stdoutBytes, _ := io.ReadAll(stdoutPipe)
		stderrBytes, _ := io.ReadAll(stderrPipe)
		outputChan <- output{
			stdout: string(stdoutBytes),
			stderr: string(stderrBytes),
			err:    session.Wait(),
		}
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	case out := <-outputChan:
		result := &CommandResult{
			Command:  command,
			Stdout:   out.stdout,
			Stderr:   out.stderr,
			Duration: time.Since(start),
		}
		if out.err != nil {
			var exitErr *ssh.ExitError
			if !errors.As(out.err, &exitErr) {
				return nil, out.err
			}
			result.ExitCode = exitErr.ExitStatus()
		}
		return result, nil
	}
}

// Upload pushes in-memory bytes over SFTP, creating parent directories.
func (r *sshRunner) Upload(ctx context.Context, opts UploadOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(r.client)
	if err != nil {
		return fmt.Errorf("open sftp: %w", err)
	}
	defer sftpClient.Close()

	if dir := path.Dir(opts.RemotePath); dir != "." && dir != "/" {
		if err := sftpClient.MkdirAll(dir); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	dst, err := sftpClient.Create(opts.RemotePath)
	if err != nil {
		return fmt.Errorf("create %s: %w", opts.RemotePath, err)
	}
	if _, err := dst.Write(opts.Content); err != nil {
		dst.Close()
		return fmt.Errorf("write %s: %w", opts.RemotePath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close %s: %w", opts.RemotePath, err)
	}

	if opts.Mode != 0 {
		if err := sftpClient.Chmod(opts.RemotePath, opts.Mode); err != nil {
			return fmt.Errorf("chmod %s: %w", opts.RemotePath, err)
		}
	}
	return nil
}

func (r *sshRunner) Close() error {
	return r.client.Close()
}

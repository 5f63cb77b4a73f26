// Package executor applies one declarative operation to one host through the
// transport. Every kind queries current state first and mutates only on
// divergence, so re-applying an already-satisfied task reports unchanged.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sirupsen/logrus"

	"github.com/eniac111/manifold/internal/config"
	"github.com/eniac111/manifold/internal/task"
	"github.com/eniac111/manifold/internal/transport"
)

// Executor applies tasks over a transport Runner. One Executor serves one
// host's sequential task stream; it is not used concurrently.
type Executor struct {
	log         *logrus.Entry
	check       bool
	taskTimeout time.Duration
	retry       failsafe.Executor[*transport.CommandResult]
}

// New builds an executor. In check mode the probe commands still run but
// mutating commands are suppressed and their would-be outcome reported.
func New(cfg config.Engine, check bool, log *logrus.Entry) *Executor {
	policy := retrypolicy.NewBuilder[*transport.CommandResult]().
		WithBackoff(cfg.RetryBaseDelay, cfg.RetryMaxDelay).
		WithJitterFactor(0.1).
		WithMaxRetries(cfg.MaxRetries).
		HandleIf(func(_ *transport.CommandResult, err error) bool {
			// Non-zero exit codes come back as results, so any error here
			// is transport trouble and worth a bounded retry.
			return err != nil
		}).
		Build()

	return &Executor{
		log:         log,
		check:       check,
		taskTimeout: cfg.TaskTimeout,
		retry:       failsafe.With(policy),
	}
}

// Apply runs one task on one host and reports the outcome. It never touches
// any other host.
func (e *Executor) Apply(ctx context.Context, r transport.Runner, t task.Task) task.Outcome {
	start := time.Now()
	e.log.WithFields(logrus.Fields{"task": t.Name(), "kind": t.Kind()}).Debug("applying")

	var out task.Outcome
	switch x := t.(type) {
	case *task.Package:
		out = e.applyPackage(ctx, r, x)
	case *task.Template:
		out = e.applyTemplate(ctx, r, x)
	case *task.Directory:
		out = e.applyDirectory(ctx, r, x)
	case *task.Service:
		out = e.applyService(ctx, r, x)
	default:
		out = task.Failed(t, "unsupported task kind %q", t.Kind())
	}
	out.Duration = time.Since(start)
	return out
}

// run executes one remote command with the per-call timeout, retrying
// transport failures with backoff. ctx cancellation stops the retry loop.
func (e *Executor) run(ctx context.Context, r transport.Runner, cmd string) (*transport.CommandResult, error) {
	return e.retry.WithContext(ctx).Get(func() (*transport.CommandResult, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, e.taskTimeout)
		defer cancel()
		return r.Run(attemptCtx, cmd)
	})
}

func (e *Executor) applyPackage(ctx context.Context, r transport.Runner, t *task.Package) task.Outcome {
	var missing, installed []string
	for _, name := range t.Packages {
		res, err := e.run(ctx, r, "dpkg-query -W -f='${Status}' "+transport.ShellQuote(name)+" 2>/dev/null")
		if err != nil {
			return task.FailedTransient(t, "query package %s: %v", name, err)
		}
		if res.ExitCode == 0 && strings.Contains(res.Stdout, "install ok installed") {
			installed = append(installed, name)
		} else {
			missing = append(missing, name)
		}
	}

	switch t.State {
	case "present":
		if len(missing) == 0 {
			return task.Unchanged(t, "already installed")
		}
		if e.check {
			return task.Changed(t, "would install "+strings.Join(missing, ", "))
		}
		res, err := e.run(ctx, r, "DEBIAN_FRONTEND=noninteractive apt-get install -y -q "+quoteAll(missing))
		if err != nil {
			return task.FailedTransient(t, "install: %v", err)
		}
		if res.ExitCode != 0 {
			return task.Failed(t, "install failed: %s", firstLine(res.Stderr))
		}
		return task.Changed(t, "installed "+strings.Join(missing, ", "))

	case "absent":
		if len(installed) == 0 {
			return task.Unchanged(t, "not installed")
		}
		if e.check {
			return task.Changed(t, "would remove "+strings.Join(installed, ", "))
		}
		res, err := e.run(ctx, r, "DEBIAN_FRONTEND=noninteractive apt-get remove -y -q "+quoteAll(installed))
		if err != nil {
			return task.FailedTransient(t, "remove: %v", err)
		}
		if res.ExitCode != 0 {
			return task.Failed(t, "remove failed: %s", firstLine(res.Stderr))
		}
		return task.Changed(t, "removed "+strings.Join(installed, ", "))

	case "latest":
		if e.check {
			return task.Changed(t, "would ensure latest "+strings.Join(t.Packages, ", "))
		}
		res, err := e.run(ctx, r, "DEBIAN_FRONTEND=noninteractive apt-get install -y -q "+quoteAll(t.Packages))
		if err != nil {
			return task.FailedTransient(t, "install: %v", err)
		}
		if res.ExitCode != 0 {
			return task.Failed(t, "install failed: %s", firstLine(res.Stderr))
		}
		if strings.Contains(res.Stdout, "0 upgraded, 0 newly installed") {
			return task.Unchanged(t, "already latest")
		}
		return task.Changed(t, "upgraded "+strings.Join(t.Packages, ", "))

	default:
		return task.Failed(t, "invalid package state %q", t.State)
	}
}

func (e *Executor) applyTemplate(ctx context.Context, r transport.Runner, t *task.Template) task.Outcome {
	sum := sha256.Sum256([]byte(t.Content))
	wantHash := hex.EncodeToString(sum[:])

	contentMatches := false
	res, err := e.run(ctx, r, "sha256sum "+transport.ShellQuote(t.Dest)+" 2>/dev/null")
	if err != nil {
		return task.FailedTransient(t, "hash %s: %v", t.Dest, err)
	}
	if res.ExitCode == 0 {
		if fields := strings.Fields(res.Stdout); len(fields) > 0 && fields[0] == wantHash {
			contentMatches = true
		}
	}

	modeMatches := true
	if t.Mode != "" && contentMatches {
		ok, err := e.remoteModeMatches(ctx, r, t.Dest, t.Mode)
		if err != nil {
			return task.FailedTransient(t, "stat %s: %v", t.Dest, err)
		}
		modeMatches = ok
	}

	ownerMatches := true
	if t.Owner != "" && contentMatches {
		ok, err := e.remoteOwnerMatches(ctx, r, t.Dest, t.Owner, t.Group)
		if err != nil {
			return task.FailedTransient(t, "stat %s: %v", t.Dest, err)
		}
		ownerMatches = ok
	}

	if contentMatches && modeMatches && ownerMatches {
		return task.Unchanged(t, "content up to date")
	}

	if e.check {
		if contentMatches {
			return task.Changed(t, "would fix attributes of "+t.Dest)
		}
		return task.Changed(t, "would write "+t.Dest)
	}

	if !contentMatches || !modeMatches {
		mode, err := parseMode(t.Mode)
		if err != nil {
			return task.Failed(t, "%v", err)
		}
		if err := r.Upload(ctx, transport.UploadOptions{
			Content:    []byte(t.Content),
			RemotePath: t.Dest,
			Mode:       mode,
		}); err != nil {
			return task.FailedTransient(t, "upload %s: %v", t.Dest, err)
		}
	}

	if t.Owner != "" {
		if out := e.chown(ctx, r, t, t.Dest, t.Owner, t.Group); out != nil {
			return *out
		}
	}
	if contentMatches && modeMatches {
		return task.Changed(t, "fixed ownership of "+t.Dest)
	}
	return task.Changed(t, "wrote "+t.Dest)
}

func (e *Executor) applyDirectory(ctx context.Context, r transport.Runner, t *task.Directory) task.Outcome {
	if t.State == "absent" {
		res, err := e.run(ctx, r, "test -e "+transport.ShellQuote(t.Path))
		if err != nil {
			return task.FailedTransient(t, "stat %s: %v", t.Path, err)
		}
		if res.ExitCode != 0 {
			return task.Unchanged(t, "already absent")
		}
		if e.check {
			return task.Changed(t, "would remove "+t.Path)
		}
		res, err = e.run(ctx, r, "rm -rf -- "+transport.ShellQuote(t.Path))
		if err != nil {
			return task.FailedTransient(t, "remove %s: %v", t.Path, err)
		}
		if res.ExitCode != 0 {
			return task.Failed(t, "remove failed: %s", firstLine(res.Stderr))
		}
		return task.Changed(t, "removed "+t.Path)
	}

	exists := false
	res, err := e.run(ctx, r, "test -d "+transport.ShellQuote(t.Path))
	if err != nil {
		return task.FailedTransient(t, "stat %s: %v", t.Path, err)
	}
	if res.ExitCode == 0 {
		exists = true
	} else {
		// A non-directory at the path is a permanent conflict.
		res, err := e.run(ctx, r, "test -e "+transport.ShellQuote(t.Path))
		if err != nil {
			return task.FailedTransient(t, "stat %s: %v", t.Path, err)
		}
		if res.ExitCode == 0 {
			return task.Failed(t, "%s exists but is not a directory", t.Path)
		}
	}

	ownershipOK := true
	if exists && t.Owner != "" {
		ok, err := e.remoteOwnerMatches(ctx, r, t.Path, t.Owner, t.Group)
		if err != nil {
			return task.FailedTransient(t, "stat %s: %v", t.Path, err)
		}
		ownershipOK = ok
	}

	modeOK := true
	if exists && t.Mode != "" {
		ok, err := e.remoteModeMatches(ctx, r, t.Path, t.Mode)
		if err != nil {
			return task.FailedTransient(t, "stat %s: %v", t.Path, err)
		}
		modeOK = ok
	}

	if exists && ownershipOK && modeOK {
		return task.Unchanged(t, "directory in desired state")
	}

	if e.check {
		if !exists {
			return task.Changed(t, "would create "+t.Path)
		}
		return task.Changed(t, "would fix attributes of "+t.Path)
	}

	changedMsg := "fixed attributes of " + t.Path
	if !exists {
		res, err := e.run(ctx, r, "mkdir -p "+transport.ShellQuote(t.Path))
		if err != nil {
			return task.FailedTransient(t, "mkdir %s: %v", t.Path, err)
		}
		if res.ExitCode != 0 {
			return task.Failed(t, "mkdir failed: %s", firstLine(res.Stderr))
		}
		changedMsg = "created " + t.Path
	}

	if t.Owner != "" {
		if out := e.chown(ctx, r, t, t.Path, t.Owner, t.Group); out != nil {
			return *out
		}
	}
	if t.Mode != "" {
		res, err := e.run(ctx, r, "chmod "+t.Mode+" "+transport.ShellQuote(t.Path))
		if err != nil {
			return task.FailedTransient(t, "chmod %s: %v", t.Path, err)
		}
		if res.ExitCode != 0 {
			return task.Failed(t, "chmod failed: %s", firstLine(res.Stderr))
		}
	}
	return task.Changed(t, changedMsg)
}

func (e *Executor) applyService(ctx context.Context, r transport.Runner, t *task.Service) task.Outcome {
	name := transport.ShellQuote(t.Service)

	res, err := e.run(ctx, r, "systemctl is-active --quiet "+name)
	if err != nil {
		return task.FailedTransient(t, "query service %s: %v", t.Service, err)
	}
	active := res.ExitCode == 0

	switch t.State {
	case "started":
		if active {
			return task.Unchanged(t, "already running")
		}
		if e.check {
			return task.Changed(t, "would start "+t.Service)
		}
		return e.serviceAction(ctx, r, t, "start")

	case "stopped":
		if !active {
			return task.Unchanged(t, "already stopped")
		}
		if e.check {
			return task.Changed(t, "would stop "+t.Service)
		}
		return e.serviceAction(ctx, r, t, "stop")

	case "restarted":
		// restarted is an action, not a state: it always changes.
		if e.check {
			return task.Changed(t, "would restart "+t.Service)
		}
		return e.serviceAction(ctx, r, t, "restart")

	default:
		return task.Failed(t, "invalid service state %q", t.State)
	}
}

func (e *Executor) serviceAction(ctx context.Context, r transport.Runner, t *task.Service, action string) task.Outcome {
	res, err := e.run(ctx, r, "systemctl "+action+" "+transport.ShellQuote(t.Service))
	if err != nil {
		return task.FailedTransient(t, "%s %s: %v", action, t.Service, err)
	}
	if res.ExitCode != 0 {
		return task.Failed(t, "%s failed: %s", action, firstLine(res.Stderr))
	}
	return task.Changed(t, action+"ed "+t.Service)
}

// chown runs the ownership fix shared by template and directory kinds.
// Returns nil on success, or the failure outcome to report.
func (e *Executor) chown(ctx context.Context, r transport.Runner, t task.Task, pathname, owner, group string) *task.Outcome {
	who := owner
	if group != "" {
		who = owner + ":" + group
	}
	res, err := e.run(ctx, r, "chown "+transport.ShellQuote(who)+" "+transport.ShellQuote(pathname))
	if err != nil {
		out := task.FailedTransient(t, "chown %s: %v", pathname, err)
		return &out
	}
	if res.ExitCode != 0 {
		out := task.Failed(t, "chown failed: %s", firstLine(res.Stderr))
		return &out
	}
	return nil
}

// remoteOwnerMatches compares user:group ownership. An empty group matches
// whatever group the file currently has.
func (e *Executor) remoteOwnerMatches(ctx context.Context, r transport.Runner, pathname, owner, group string) (bool, error) {
	res, err := e.run(ctx, r, "stat -c '%U:%G' "+transport.ShellQuote(pathname))
	if err != nil {
		return false, err
	}
	if res.ExitCode != 0 {
		return false, nil
	}
	got := strings.TrimSpace(res.Stdout)
	want := owner
	if group != "" {
		want = owner + ":" + group
	} else if i := strings.Index(got, ":"); i >= 0 {
		want = owner + ":" + got[i+1:]
	}
	return got == want, nil
}

func (e *Executor) remoteModeMatches(ctx context.Context, r transport.Runner, pathname, want string) (bool, error) {
	res, err := e.run(ctx, r, "stat -c '%a' "+transport.ShellQuote(pathname))
	if err != nil {
		return false, err
	}
	if res.ExitCode != 0 {
		return false, nil
	}
	got, err := strconv.ParseUint(strings.TrimSpace(res.Stdout), 8, 32)
	if err != nil {
		return false, nil
	}
	wantMode, err := parseMode(want)
	if err != nil {
		return false, nil
	}
	return os.FileMode(got) == wantMode, nil
}

func parseMode(s string) (os.FileMode, error) {
	if s == "" {
		return 0o644, nil
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q", s)
	}
	return os.FileMode(v), nil
}

func quoteAll(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = transport.ShellQuote(n)
	}
	return strings.Join(quoted, " ")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	if s == "" {
		return "(no output)"
	}
	return s
}

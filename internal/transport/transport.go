// Package transport is the remote command/file-transfer channel the executor
// applies operations through. The channel is stateless: every operation is a
// command plus an optional file upload, nothing is cached host-side.
package transport

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/eniac111/manifold/internal/inventory"
)

// CommandResult is the captured result of one remote command. A non-zero
// exit code is a normal result, not an error; Runner.Run returns an error
// only for transport-level trouble.
type CommandResult struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// UploadOptions describes an in-memory file push to a host.
type UploadOptions struct {
	Content    []byte
	RemotePath string
	Mode       os.FileMode
}

// Runner executes commands and pushes files on one host.
type Runner interface {
	Run(ctx context.Context, command string) (*CommandResult, error)
	Upload(ctx context.Context, opts UploadOptions) error
	Close() error
}

// Dialer opens a Runner to a host. The orchestrator holds one so tests can
// substitute an in-memory transport.
type Dialer func(ctx context.Context, host *inventory.Host) (Runner, error)

// DialError marks a host that could not be reached at all; the report
// records it as unreachable rather than failed.
type DialError struct {
	Host string
	Err  error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial %s: %v", e.Host, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// ShellQuote wraps a value in single quotes with POSIX escaping.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

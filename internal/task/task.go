// Package task defines the declarative operation kinds the engine can apply
// to a host, and the outcome each application reports. Every kind is a
// distinct variant type rather than a free-form parameter bag, so malformed
// tasks fail at decode time instead of mid-run.
package task

import (
	"fmt"
	"strings"
)

// Kind names for the supported operations.
const (
	KindPackage   = "package"
	KindTemplate  = "template"
	KindDirectory = "directory"
	KindService   = "service"
)

// UnknownModuleError reports a task whose module key names no known kind.
type UnknownModuleError struct {
	Task   string
	Module string
}

func (e *UnknownModuleError) Error() string {
	return fmt.Sprintf("task %q: unknown module %q", e.Task, e.Module)
}

// Task is one idempotent declarative operation.
type Task interface {
	// Kind returns the operation kind name.
	Kind() string
	// Name returns the task's display name.
	Name() string
	// Notify lists handler names to fire when the task reports changed.
	Notify() []string
	// Describe returns a short human summary of the operation.
	Describe() string
	// Idempotent reports whether re-applying with no state change is a no-op.
	Idempotent() bool
	// Validate checks the parameter set before any host is contacted.
	Validate() error
}

// Meta carries the fields shared by every task variant.
type Meta struct {
	TaskName string
	Notifies []string
}

// Name implements Task.
func (m Meta) Name() string { return m.TaskName }

// Notify implements Task.
func (m Meta) Notify() []string { return m.Notifies }

// Package ensures one or more packages satisfy a desired install state.
type Package struct {
	Meta
	Packages []string
	State    string // present, latest, absent
}

func (t *Package) Kind() string { return KindPackage }

func (t *Package) Describe() string {
	return fmt.Sprintf("package %s state=%s", strings.Join(t.Packages, ","), t.State)
}

func (t *Package) Idempotent() bool { return t.State != "latest" }

func (t *Package) Validate() error {
	if len(t.Packages) == 0 {
		return fmt.Errorf("task %q: package: at least one name is required", t.TaskName)
	}
	switch t.State {
	case "present", "latest", "absent":
		return nil
	default:
		return fmt.Errorf("task %q: package: invalid state %q", t.TaskName, t.State)
	}
}

// Template renders a template file and ensures the result exists at Dest.
// Content is filled in by the task graph builder; Src is only meaningful
// until then.
type Template struct {
	Meta
	Src     string
	Content string
	Dest    string
	Mode    string
	Owner   string
	Group   string
}

func (t *Template) Kind() string { return KindTemplate }

func (t *Template) Describe() string {
	return fmt.Sprintf("template %s -> %s", t.Src, t.Dest)
}

func (t *Template) Idempotent() bool { return true }

func (t *Template) Validate() error {
	if t.Src == "" {
		return fmt.Errorf("task %q: template: src is required", t.TaskName)
	}
	if t.Dest == "" {
		return fmt.Errorf("task %q: template: dest is required", t.TaskName)
	}
	if t.Mode != "" {
		if err := validateMode(t.Mode); err != nil {
			return fmt.Errorf("task %q: template: %w", t.TaskName, err)
		}
	}
	return nil
}

// Directory ensures a directory exists (or not) with the given ownership.
type Directory struct {
	Meta
	Path  string
	State string // directory, absent
	Owner string
	Group string
	Mode  string
}

func (t *Directory) Kind() string { return KindDirectory }

func (t *Directory) Describe() string {
	return fmt.Sprintf("directory %s state=%s", t.Path, t.State)
}

func (t *Directory) Idempotent() bool { return true }

func (t *Directory) Validate() error {
	if t.Path == "" {
		return fmt.Errorf("task %q: directory: path is required", t.TaskName)
	}
	switch t.State {
	case "directory", "absent":
	default:
		return fmt.Errorf("task %q: directory: invalid state %q", t.TaskName, t.State)
	}
	if t.Mode != "" {
		if err := validateMode(t.Mode); err != nil {
			return fmt.Errorf("task %q: directory: %w", t.TaskName, err)
		}
	}
	return nil
}

// Service ensures a system service is in a desired state. state=restarted is
// an action, not a state, and always reports changed.
type Service struct {
	Meta
	Service string
	State   string // started, stopped, restarted
}

func (t *Service) Kind() string { return KindService }

func (t *Service) Describe() string {
	return fmt.Sprintf("service %s state=%s", t.Service, t.State)
}

func (t *Service) Idempotent() bool { return t.State != "restarted" }

func (t *Service) Validate() error {
	if t.Service == "" {
		return fmt.Errorf("task %q: service: name is required", t.TaskName)
	}
	switch t.State {
	case "started", "stopped", "restarted":
		return nil
	default:
		return fmt.Errorf("task %q: service: invalid state %q", t.TaskName, t.State)
	}
}

func validateMode(mode string) error {
	if len(mode) < 3 || len(mode) > 4 {
		return fmt.Errorf("invalid mode %q", mode)
	}
	for _, r := range mode {
		if r < '0' || r > '7' {
			return fmt.Errorf("invalid mode %q", mode)
		}
	}
	return nil
}

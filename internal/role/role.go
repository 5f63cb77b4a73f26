// Package role loads reusable role bundles: a task list, a handler list,
// template files and default variables.
package role

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/eniac111/manifold/internal/task"
)

// NotFoundError reports a playbook referencing a role that does not exist
// under the roles directory.
type NotFoundError struct {
	Name string
	Dir  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("role %q not found under %s", e.Name, e.Dir)
}

// Role is a loaded role bundle.
type Role struct {
	Name     string
	Path     string
	Tasks    []task.Task
	Handlers []task.Task
	Defaults map[string]interface{}
}

// TemplatePath resolves a template src relative to the role's templates
// directory.
func (r *Role) TemplatePath(src string) string {
	return filepath.Join(r.Path, "templates", src)
}

// Handler returns the named handler, or nil.
func (r *Role) Handler(name string) task.Task {
	for _, h := range r.Handlers {
		if h.Name() == name {
			return h
		}
	}
	return nil
}

// Load reads one role bundle from rolesDir. tasks.yaml is required;
// handlers.yaml and defaults.yaml are optional.
func Load(rolesDir, name string) (*Role, error) {
	dir := filepath.Join(rolesDir, name)
	info, err := os.Stat(dir)
	if os.IsNotExist(err) || (err == nil && !info.IsDir()) {
		return nil, &NotFoundError{Name: name, Dir: rolesDir}
	}
	if err != nil {
		return nil, fmt.Errorf("stat role %q: %w", name, err)
	}

	r := &Role{Name: name, Path: dir, Defaults: map[string]interface{}{}}

	taskData, err := os.ReadFile(filepath.Join(dir, "tasks.yaml"))
	if err != nil {
		return nil, fmt.Errorf("role %q: read tasks: %w", name, err)
	}
	r.Tasks, err = task.DecodeList(taskData)
	if err != nil {
		return nil, fmt.Errorf("role %q: %w", name, err)
	}

	handlerData, err := os.ReadFile(filepath.Join(dir, "handlers.yaml"))
	if err == nil {
		r.Handlers, err = task.DecodeList(handlerData)
		if err != nil {
			return nil, fmt.Errorf("role %q: handlers: %w", name, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("role %q: read handlers: %w", name, err)
	}

	defaultsData, err := os.ReadFile(filepath.Join(dir, "defaults.yaml"))
	if err == nil {
		if err := yaml.Unmarshal(defaultsData, &r.Defaults); err != nil {
			return nil, fmt.Errorf("role %q: defaults: %w", name, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("role %q: read defaults: %w", name, err)
	}

	return r, nil
}

// Loader caches roles by name so a role referenced by several plays is read
// once.
type Loader struct {
	Dir   string
	cache map[string]*Role
}

// NewLoader creates a Loader rooted at dir.
func NewLoader(dir string) *Loader {
	return &Loader{Dir: dir, cache: make(map[string]*Role)}
}

// Get loads (or returns the cached) role by name.
func (l *Loader) Get(name string) (*Role, error) {
	if r, ok := l.cache[name]; ok {
		return r, nil
	}
	r, err := Load(l.Dir, name)
	if err != nil {
		return nil, err
	}
	l.cache[name] = r
	return r, nil
}

package task

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// StringList accepts either a single scalar or a sequence in YAML.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var one string
		if err := node.Decode(&one); err != nil {
			return err
		}
		*s = StringList{one}
		return nil
	case yaml.SequenceNode:
		var many []string
		if err := node.Decode(&many); err != nil {
			return err
		}
		*s = StringList(many)
		return nil
	default:
		return fmt.Errorf("expected string or list of strings at line %d", node.Line)
	}
}

type packageParams struct {
	Name  StringList `yaml:"name"`
	State string     `yaml:"state"`
}

type templateParams struct {
	Src   string `yaml:"src"`
	Dest  string `yaml:"dest"`
	Mode  string `yaml:"mode"`
	Owner string `yaml:"owner"`
	Group string `yaml:"group"`
}

type directoryParams struct {
	Path  string `yaml:"path"`
	State string `yaml:"state"`
	Owner string `yaml:"owner"`
	Group string `yaml:"group"`
	Mode  string `yaml:"mode"`
}

type serviceParams struct {
	Name  string `yaml:"name"`
	State string `yaml:"state"`
}

type rawTask struct {
	Name      string               `yaml:"name"`
	Notify    StringList           `yaml:"notify"`
	Package   *packageParams       `yaml:"package"`
	Template  *templateParams      `yaml:"template"`
	Directory *directoryParams     `yaml:"directory"`
	Service   *serviceParams       `yaml:"service"`
	Rest      map[string]yaml.Node `yaml:",inline"`
}

// DecodeList parses a YAML task list into task variants. Parameter values may
// still contain template placeholders at this point; full validation happens
// after the task graph builder renders them.
func DecodeList(data []byte) ([]Task, error) {
	var raws []rawTask
	if err := yaml.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("parse task list: %w", err)
	}

	tasks := make([]Task, 0, len(raws))
	for i, raw := range raws {
		t, err := raw.toTask(i)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (r rawTask) toTask(index int) (Task, error) {
	name := r.Name
	if name == "" {
		name = fmt.Sprintf("task %d", index+1)
	}

	for key := range r.Rest {
		return nil, &UnknownModuleError{Task: name, Module: key}
	}

	meta := Meta{TaskName: name, Notifies: r.Notify}

	var t Task
	modules := 0
	if r.Package != nil {
		modules++
		state := r.Package.State
		if state == "" {
			state = "present"
		}
		t = &Package{Meta: meta, Packages: r.Package.Name, State: state}
	}
	if r.Template != nil {
		modules++
		t = &Template{
			Meta:  meta,
			Src:   r.Template.Src,
			Dest:  r.Template.Dest,
			Mode:  r.Template.Mode,
			Owner: r.Template.Owner,
			Group: r.Template.Group,
		}
	}
	if r.Directory != nil {
		modules++
		state := r.Directory.State
		if state == "" {
			state = "directory"
		}
		t = &Directory{
			Meta:  meta,
			Path:  r.Directory.Path,
			State: state,
			Owner: r.Directory.Owner,
			Group: r.Directory.Group,
			Mode:  r.Directory.Mode,
		}
	}
	if r.Service != nil {
		modules++
		t = &Service{Meta: meta, Service: r.Service.Name, State: r.Service.State}
	}

	switch modules {
	case 0:
		return nil, fmt.Errorf("task %q: no module given", name)
	case 1:
		return t, nil
	default:
		return nil, fmt.Errorf("task %q: more than one module given", name)
	}
}

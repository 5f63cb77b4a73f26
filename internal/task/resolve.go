package task

import "fmt"

// StringRenderer expands template placeholders in a parameter value.
type StringRenderer func(string) (string, error)

// Rendered returns a copy of t with every string parameter passed through
// render. The original task is never modified; the task graph builder calls
// this once per (host, task) pair.
func Rendered(t Task, render StringRenderer) (Task, error) {
	switch x := t.(type) {
	case *Package:
		out := *x
		out.Packages = make([]string, len(x.Packages))
		for i, name := range x.Packages {
			v, err := render(name)
			if err != nil {
				return nil, err
			}
			out.Packages[i] = v
		}
		if err := renderInto(render, &out.State); err != nil {
			return nil, err
		}
		return &out, nil
	case *Template:
		out := *x
		if err := renderInto(render, &out.Src, &out.Dest, &out.Mode, &out.Owner, &out.Group); err != nil {
			return nil, err
		}
		return &out, nil
	case *Directory:
		out := *x
		if err := renderInto(render, &out.Path, &out.State, &out.Owner, &out.Group, &out.Mode); err != nil {
			return nil, err
		}
		return &out, nil
	case *Service:
		out := *x
		if err := renderInto(render, &out.Service, &out.State); err != nil {
			return nil, err
		}
		return &out, nil
	default:
		return nil, fmt.Errorf("unsupported task kind %q", t.Kind())
	}
}

func renderInto(render StringRenderer, fields ...*string) error {
	for _, f := range fields {
		v, err := render(*f)
		if err != nil {
			return err
		}
		*f = v
	}
	return nil
}

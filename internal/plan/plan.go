// Package plan expands a playbook into the ordered per-host operation list.
// Building a plan never contacts a remote host: all template parameters and
// file contents are rendered here, against each host's own namespace.
package plan

import (
	"fmt"
	"os"

	"github.com/eniac111/manifold/internal/inventory"
	"github.com/eniac111/manifold/internal/playbook"
	"github.com/eniac111/manifold/internal/render"
	"github.com/eniac111/manifold/internal/role"
	"github.com/eniac111/manifold/internal/task"
)

// HostPlan is the ordered task sequence for one host, plus the handler
// table its tasks may notify.
type HostPlan struct {
	Host     *inventory.Host
	Steps    []task.Task
	Handlers map[string]task.Task

	// BuildErr records a per-host graph build failure (an undefined
	// variable, say). The host is reported failed without being contacted;
	// other hosts are unaffected.
	BuildErr error
}

// Plan is the built task graph for a run.
type Plan struct {
	Hosts  []*HostPlan
	byHost map[string]*HostPlan
}

func (p *Plan) hostPlan(h *inventory.Host) *HostPlan {
	if hp, ok := p.byHost[h.Name]; ok {
		return hp
	}
	hp := &HostPlan{Host: h, Handlers: make(map[string]task.Task)}
	p.byHost[h.Name] = hp
	p.Hosts = append(p.Hosts, hp)
	return hp
}

// TaskCount returns the total number of planned steps across hosts.
func (p *Plan) TaskCount() int {
	n := 0
	for _, hp := range p.Hosts {
		n += len(hp.Steps)
	}
	return n
}

// Build expands the playbook across the inventory. Errors returned here are
// configuration errors and fail the whole run before any host contact;
// host-scoped render failures land in HostPlan.BuildErr instead.
func Build(pb *playbook.Playbook, inv *inventory.Inventory, roles *role.Loader, limit string) (*Plan, error) {
	p := &Plan{byHost: make(map[string]*HostPlan)}

	for _, play := range pb.Plays {
		hosts, err := inv.Match(play.Hosts)
		if err != nil {
			return nil, err
		}
		hosts, err = inventory.FilterPattern(hosts, limit)
		if err != nil {
			return nil, err
		}

		loaded := make([]*role.Role, 0, len(play.Roles))
		defaults := make(map[string]interface{})
		for _, name := range play.Roles {
			r, err := roles.Get(name)
			if err != nil {
				return nil, err
			}
			loaded = append(loaded, r)
			for k, v := range r.Defaults {
				defaults[k] = v
			}
		}

		for _, host := range hosts {
			hp := p.hostPlan(host)
			if hp.BuildErr != nil {
				continue
			}
			ns, err := inv.Resolve(host, defaults)
			if err != nil {
				hp.BuildErr = err
				continue
			}
			hp.BuildErr = expandPlay(hp, loaded, ns)
		}
	}

	for _, hp := range p.Hosts {
		if hp.BuildErr == nil {
			hp.BuildErr = checkNotifies(hp)
		}
	}
	return p, nil
}

func expandPlay(hp *HostPlan, roles []*role.Role, ns map[string]interface{}) error {
	renderFn := func(s string) (string, error) {
		return render.Render(s, ns)
	}

	for _, r := range roles {
		for _, t := range r.Tasks {
			rendered, err := materialize(t, r, renderFn)
			if err != nil {
				return err
			}
			hp.Steps = append(hp.Steps, rendered)
		}
		for _, h := range r.Handlers {
			rendered, err := materialize(h, r, renderFn)
			if err != nil {
				return fmt.Errorf("handler %q: %w", h.Name(), err)
			}
			// Same-named handler from a later role replaces the earlier one.
			hp.Handlers[rendered.Name()] = rendered
		}
	}
	return nil
}

// materialize renders a task's parameters and, for template tasks, reads and
// renders the template file into the task's content.
func materialize(t task.Task, r *role.Role, renderFn task.StringRenderer) (task.Task, error) {
	rendered, err := task.Rendered(t, renderFn)
	if err != nil {
		return nil, fmt.Errorf("task %q: %w", t.Name(), err)
	}

	if tmpl, ok := rendered.(*task.Template); ok {
		raw, err := os.ReadFile(r.TemplatePath(tmpl.Src))
		if err != nil {
			return nil, fmt.Errorf("task %q: read template: %w", t.Name(), err)
		}
		content, err := renderFn(string(raw))
		if err != nil {
			return nil, fmt.Errorf("task %q: render template %s: %w", t.Name(), tmpl.Src, err)
		}
		tmpl.Content = content
	}

	if err := rendered.Validate(); err != nil {
		return nil, err
	}
	return rendered, nil
}

func checkNotifies(hp *HostPlan) error {
	for _, t := range hp.Steps {
		for _, name := range t.Notify() {
			if _, ok := hp.Handlers[name]; !ok {
				return fmt.Errorf("task %q notifies unknown handler %q", t.Name(), name)
			}
		}
	}
	return nil
}

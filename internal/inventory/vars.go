package inventory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/eniac111/manifold/internal/render"
)

// maxExpandPasses bounds placeholder expansion inside variable values.
// Anything deeper than this is a reference cycle.
const maxExpandPasses = 10

// Resolve builds the fully layered variable namespace for a host. Layers are
// merged left to right, later layers overriding earlier ones on collision:
//
//	lowest (role defaults) -> globals -> group vars -> host vars -> facts
//
// Group vars apply parents before children; sibling groups at the same
// nesting depth apply in inventory declaration order, so the later-declared
// sibling wins.
//
// Values may reference other variables with {{ key }} placeholders; the
// returned namespace has every reference expanded. A reference that no layer
// defines surfaces as *render.UndefinedVariableError; a reference cycle is
// an error of its own.
func (inv *Inventory) Resolve(host *Host, lowest map[string]interface{}) (map[string]interface{}, error) {
	ns := make(map[string]interface{})
	merge(ns, lowest)
	merge(ns, inv.Globals)

	for _, g := range inv.groupsForHost(host.Name) {
		merge(ns, g.Vars)
	}

	merge(ns, host.Vars)
	merge(ns, inv.facts(host))

	if err := expandNamespace(ns); err != nil {
		return nil, fmt.Errorf("host %q: %w", host.Name, err)
	}
	return ns, nil
}

// groupsForHost returns the groups containing the host (directly or through
// children), ordered by nesting depth then declaration order.
func (inv *Inventory) groupsForHost(name string) []*Group {
	type member struct {
		group *Group
		depth int
		index int
	}
	var members []member
	for i, g := range inv.Groups {
		for _, h := range inv.members[g.Name] {
			if h == name {
				members = append(members, member{group: g, depth: inv.depth[g.Name], index: i})
				break
			}
		}
	}
	sort.SliceStable(members, func(a, b int) bool {
		if members[a].depth != members[b].depth {
			return members[a].depth < members[b].depth
		}
		return members[a].index < members[b].index
	})

	groups := make([]*Group, len(members))
	for i, m := range members {
		groups[i] = m.group
	}
	return groups
}

// facts is the runtime-computed top layer.
func (inv *Inventory) facts(host *Host) map[string]interface{} {
	memberGroups := inv.groupsForHost(host.Name)
	groupNames := make([]interface{}, len(memberGroups))
	for i, g := range memberGroups {
		groupNames[i] = g.Name
	}
	return map[string]interface{}{
		"inventory_hostname": host.Name,
		"group_names":        groupNames,
	}
}

// expandNamespace expands {{ key }} references inside variable values until
// a fixpoint. Runs at most maxExpandPasses rounds, then any remaining
// placeholder is a cycle.
func expandNamespace(ns map[string]interface{}) error {
	for pass := 0; pass < maxExpandPasses; pass++ {
		changed := false
		for k, v := range ns {
			nv, c, err := expandValue(v, ns)
			if err != nil {
				return fmt.Errorf("variable %q: %w", k, err)
			}
			if c {
				ns[k] = nv
				changed = true
			}
		}
		if !changed {
			return checkResidual(ns)
		}
	}
	return fmt.Errorf("variable reference cycle: expansion did not settle after %d passes", maxExpandPasses)
}

func expandValue(v interface{}, ns map[string]interface{}) (interface{}, bool, error) {
	switch x := v.(type) {
	case string:
		if !strings.Contains(x, "{{") {
			return v, false, nil
		}
		out, err := render.Render(x, ns)
		if err != nil {
			return nil, false, err
		}
		return out, out != x, nil
	case map[string]interface{}:
		changed := false
		for k, mv := range x {
			nv, c, err := expandValue(mv, ns)
			if err != nil {
				return nil, false, err
			}
			if c {
				x[k] = nv
				changed = true
			}
		}
		return x, changed, nil
	case []interface{}:
		changed := false
		for i, ev := range x {
			nv, c, err := expandValue(ev, ns)
			if err != nil {
				return nil, false, err
			}
			if c {
				x[i] = nv
				changed = true
			}
		}
		return x, changed, nil
	default:
		return v, false, nil
	}
}

// checkResidual rejects values that still carry placeholders after the
// fixpoint, which means a self-reference.
func checkResidual(ns map[string]interface{}) error {
	var walk func(key string, v interface{}) error
	walk = func(key string, v interface{}) error {
		switch x := v.(type) {
		case string:
			if strings.Contains(x, "{{") {
				return fmt.Errorf("variable %q: reference cycle", key)
			}
		case map[string]interface{}:
			for k, mv := range x {
				if err := walk(key+"."+k, mv); err != nil {
					return err
				}
			}
		case []interface{}:
			for _, ev := range x {
				if err := walk(key, ev); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for k, v := range ns {
		if err := walk(k, v); err != nil {
			return err
		}
	}
	return nil
}

// merge copies src over dst. Values are deep-copied so per-host expansion
// never mutates the shared group/host var maps.
func merge(dst, src map[string]interface{}) {
	for k, v := range src {
		dst[k] = deepCopy(v)
	}
}

func deepCopy(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, mv := range x {
			out[k] = deepCopy(mv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, ev := range x {
			out[i] = deepCopy(ev)
		}
		return out
	default:
		return v
	}
}

// Package inventory parses host and group declarations plus their variable
// files, and resolves the layered per-host variable namespace.
package inventory

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigError reports a malformed inventory. It is fatal for the whole run:
// nothing has been mutated yet.
type ConfigError struct {
	Path string
	Msg  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("inventory %s: %s", e.Path, e.Msg)
}

// Host is one managed machine. Immutable for a run.
type Host struct {
	Name     string `yaml:"name"`
	Address  string `yaml:"address,omitempty"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	KeyPath  string `yaml:"key_path,omitempty"`

	// Vars come from host_vars/<name>.yaml.
	Vars map[string]interface{} `yaml:"-"`
}

// Addr returns the dialable address for the host.
func (h *Host) Addr() string {
	addr := h.Address
	if addr == "" {
		addr = h.Name
	}
	port := h.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

// Group is a named set of hosts with shared variable defaults. Groups may
// nest through Children.
type Group struct {
	Name     string                 `yaml:"name"`
	Hosts    []string               `yaml:"hosts,omitempty"`
	Children []string               `yaml:"children,omitempty"`
	Vars     map[string]interface{} `yaml:"vars,omitempty"`
}

// Inventory is the parsed host/group universe for one run. Group order is
// the declaration order in the inventory file; it is the tie-break when a
// host belongs to sibling groups defining the same variable.
type Inventory struct {
	Hosts  []*Host
	Groups []*Group

	// Globals come from group_vars/all.yaml.
	Globals map[string]interface{}

	byName  map[string]*Host
	byGroup map[string]*Group
	members map[string][]string // group name -> expanded host names
	depth   map[string]int
}

type inventoryFile struct {
	Hosts  []*Host  `yaml:"hosts"`
	Groups []*Group `yaml:"groups"`
}

// Load reads the inventory file at pathname plus its sibling group_vars/ and
// host_vars/ directories.
func Load(pathname string) (*Inventory, error) {
	data, err := os.ReadFile(pathname)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}

	var file inventoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &ConfigError{Path: pathname, Msg: err.Error()}
	}

	inv := &Inventory{
		Hosts:   file.Hosts,
		Groups:  file.Groups,
		Globals: map[string]interface{}{},
		byName:  make(map[string]*Host),
		byGroup: make(map[string]*Group),
	}

	for _, h := range inv.Hosts {
		if h.Name == "" {
			return nil, &ConfigError{Path: pathname, Msg: "host with empty name"}
		}
		if _, dup := inv.byName[h.Name]; dup {
			return nil, &ConfigError{Path: pathname, Msg: fmt.Sprintf("duplicate host %q", h.Name)}
		}
		inv.byName[h.Name] = h
	}
	for _, g := range inv.Groups {
		if g.Name == "" {
			return nil, &ConfigError{Path: pathname, Msg: "group with empty name"}
		}
		if _, dup := inv.byGroup[g.Name]; dup {
			return nil, &ConfigError{Path: pathname, Msg: fmt.Sprintf("duplicate group %q", g.Name)}
		}
		inv.byGroup[g.Name] = g
	}

	for _, g := range inv.Groups {
		for _, name := range g.Hosts {
			if _, ok := inv.byName[name]; !ok {
				return nil, &ConfigError{Path: pathname, Msg: fmt.Sprintf("group %q lists unknown host %q", g.Name, name)}
			}
		}
		for _, child := range g.Children {
			if _, ok := inv.byGroup[child]; !ok {
				return nil, &ConfigError{Path: pathname, Msg: fmt.Sprintf("group %q lists unknown child group %q", g.Name, child)}
			}
		}
	}

	if err := inv.index(pathname); err != nil {
		return nil, err
	}
	if err := inv.loadVarFiles(filepath.Dir(pathname)); err != nil {
		return nil, err
	}
	return inv, nil
}

// index expands group membership through children and computes nesting
// depth, rejecting cycles.
func (inv *Inventory) index(pathname string) error {
	inv.members = make(map[string][]string, len(inv.Groups))
	inv.depth = make(map[string]int, len(inv.Groups))

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(inv.Groups))

	var expand func(g *Group) ([]string, error)
	expand = func(g *Group) ([]string, error) {
		switch state[g.Name] {
		case done:
			return inv.members[g.Name], nil
		case visiting:
			return nil, &ConfigError{Path: pathname, Msg: fmt.Sprintf("group nesting cycle through %q", g.Name)}
		}
		state[g.Name] = visiting

		seen := make(map[string]bool)
		var names []string
		for _, h := range g.Hosts {
			if !seen[h] {
				seen[h] = true
				names = append(names, h)
			}
		}
		for _, childName := range g.Children {
			childHosts, err := expand(inv.byGroup[childName])
			if err != nil {
				return nil, err
			}
			for _, h := range childHosts {
				if !seen[h] {
					seen[h] = true
					names = append(names, h)
				}
			}
		}

		state[g.Name] = done
		inv.members[g.Name] = names
		return names, nil
	}

	for _, g := range inv.Groups {
		if _, err := expand(g); err != nil {
			return err
		}
	}

	// Depth: roots at 0, each child one below its deepest parent. Parents
	// apply before children so child values win on collision.
	parents := make(map[string][]string)
	for _, g := range inv.Groups {
		for _, child := range g.Children {
			parents[child] = append(parents[child], g.Name)
		}
	}
	var depthOf func(name string) int
	depthOf = func(name string) int {
		if d, ok := inv.depth[name]; ok {
			return d
		}
		max := 0
		for _, p := range parents[name] {
			if d := depthOf(p) + 1; d > max {
				max = d
			}
		}
		inv.depth[name] = max
		return max
	}
	for _, g := range inv.Groups {
		depthOf(g.Name)
	}
	return nil
}

func (inv *Inventory) loadVarFiles(dir string) error {
	globals, err := readVarsFile(filepath.Join(dir, "group_vars", "all.yaml"))
	if err != nil {
		return err
	}
	if globals != nil {
		inv.Globals = globals
	}

	for _, g := range inv.Groups {
		vars, err := readVarsFile(filepath.Join(dir, "group_vars", g.Name+".yaml"))
		if err != nil {
			return err
		}
		if vars != nil {
			if g.Vars == nil {
				g.Vars = map[string]interface{}{}
			}
			// File entries override inline vars.
			for k, v := range vars {
				g.Vars[k] = v
			}
		}
	}

	for _, h := range inv.Hosts {
		vars, err := readVarsFile(filepath.Join(dir, "host_vars", h.Name+".yaml"))
		if err != nil {
			return err
		}
		if vars != nil {
			h.Vars = vars
		}
	}
	return nil
}

func readVarsFile(pathname string) (map[string]interface{}, error) {
	data, err := os.ReadFile(pathname)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read vars file: %w", err)
	}
	var vars map[string]interface{}
	if err := yaml.Unmarshal(data, &vars); err != nil {
		return nil, &ConfigError{Path: pathname, Msg: err.Error()}
	}
	return vars, nil
}

// HostByName returns the named host, or nil.
func (inv *Inventory) HostByName(name string) *Host {
	return inv.byName[name]
}

// Match returns the hosts selected by a playbook host-selector: a group name
// or "all". Host order is declaration order.
func (inv *Inventory) Match(selector string) ([]*Host, error) {
	if selector == "all" {
		return inv.Hosts, nil
	}
	g, ok := inv.byGroup[selector]
	if !ok {
		return nil, &ConfigError{Path: selector, Msg: fmt.Sprintf("unknown host selector %q", selector)}
	}
	hosts := make([]*Host, 0, len(inv.members[g.Name]))
	for _, name := range inv.members[g.Name] {
		hosts = append(hosts, inv.byName[name])
	}
	return hosts, nil
}

// FilterPattern keeps hosts whose name matches the shell-style pattern.
// An empty pattern keeps everything.
func FilterPattern(hosts []*Host, pattern string) ([]*Host, error) {
	if pattern == "" {
		return hosts, nil
	}
	var out []*Host
	for _, h := range hosts {
		ok, err := path.Match(pattern, h.Name)
		if err != nil {
			return nil, fmt.Errorf("bad host pattern %q: %w", pattern, err)
		}
		if ok || strings.EqualFold(pattern, h.Name) {
			out = append(out, h)
		}
	}
	return out, nil
}

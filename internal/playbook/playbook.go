// Package playbook parses the ordered binding of host-selectors to roles
// that defines a run's scope.
package playbook

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Play binds a host-selector to an ordered role list.
type Play struct {
	Name  string
	Hosts string
	Roles []string
}

// Playbook is an ordered list of plays.
type Playbook struct {
	Path  string
	Plays []Play
}

type rawEntry struct {
	Name           string   `yaml:"name"`
	Hosts          string   `yaml:"hosts"`
	Roles          []string `yaml:"roles"`
	ImportPlaybook string   `yaml:"import_playbook"`
}

// Load reads a playbook file. import_playbook entries splice the imported
// playbook's plays at the entry's position.
func Load(pathname string) (*Playbook, error) {
	return load(pathname, map[string]bool{})
}

func load(pathname string, importing map[string]bool) (*Playbook, error) {
	abs, err := filepath.Abs(pathname)
	if err != nil {
		return nil, fmt.Errorf("resolve playbook path: %w", err)
	}
	if importing[abs] {
		return nil, fmt.Errorf("playbook import cycle through %s", pathname)
	}
	importing[abs] = true
	defer delete(importing, abs)

	data, err := os.ReadFile(pathname)
	if err != nil {
		return nil, fmt.Errorf("read playbook: %w", err)
	}

	var entries []rawEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse playbook %s: %w", pathname, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("playbook %s: no plays", pathname)
	}

	pb := &Playbook{Path: pathname}
	for i, e := range entries {
		switch {
		case e.ImportPlaybook != "":
			if e.Hosts != "" || len(e.Roles) > 0 {
				return nil, fmt.Errorf("playbook %s: entry %d mixes import_playbook with a play", pathname, i+1)
			}
			target := e.ImportPlaybook
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(pathname), target)
			}
			imported, err := load(target, importing)
			if err != nil {
				return nil, err
			}
			pb.Plays = append(pb.Plays, imported.Plays...)
		default:
			if e.Hosts == "" {
				return nil, fmt.Errorf("playbook %s: entry %d: hosts is required", pathname, i+1)
			}
			if len(e.Roles) == 0 {
				return nil, fmt.Errorf("playbook %s: entry %d: roles is required", pathname, i+1)
			}
			name := e.Name
			if name == "" {
				name = e.Hosts
			}
			pb.Plays = append(pb.Plays, Play{Name: name, Hosts: e.Hosts, Roles: e.Roles})
		}
	}
	return pb, nil
}

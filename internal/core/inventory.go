package core

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Host is a single managed machine, addressed by its unique Name.
type Host struct {
	Name    string            `yaml:"name"`
	Addr    string            `yaml:"addr"`
	User    string            `yaml:"user"`
	Port    int               `yaml:"port"`
	KeyPath string            `yaml:"key_path"`
	Data    map[string]string `yaml:"data"`
}

// Address returns host:port, falling back to the host name and defaultPort.
func (h *Host) Address(defaultPort int) string {
	addr := h.Addr
	if addr == "" {
		addr = h.Name
	}
	port := h.Port
	if port == 0 {
		port = defaultPort
	}
	return addr + ":" + strconv.Itoa(port)
}

func (h *Host) String() string { return h.Name }

// Inventory is the ordered, deduplicated set of hosts for one run.
type Inventory struct {
	hosts  []*Host
	byName map[string]*Host
	state  *State
}

// NewInventory keeps the first host seen for each name, in order. Hosts with
// an empty name are dropped.
func NewInventory(hosts ...*Host) *Inventory {
	inv := &Inventory{byName: make(map[string]*Host, len(hosts))}
	for _, h := range hosts {
		if h == nil || h.Name == "" {
			continue
		}
		if _, dup := inv.byName[h.Name]; dup {
			continue
		}
		inv.byName[h.Name] = h
		inv.hosts = append(inv.hosts, h)
	}
	return inv
}

func (inv *Inventory) Len() int { return len(inv.hosts) }

// Hosts returns the hosts in inventory order. The slice is a copy.
func (inv *Inventory) Hosts() []*Host {
	out := make([]*Host, len(inv.hosts))
	copy(out, inv.hosts)
	return out
}

func (inv *Inventory) Names() []string {
	out := make([]string, len(inv.hosts))
	for i, h := range inv.hosts {
		out[i] = h.Name
	}
	return out
}

func (inv *Inventory) Get(name string) (*Host, bool) {
	h, ok := inv.byName[name]
	return h, ok
}

// State returns the run this inventory is attached to, or nil before NewState.
func (inv *Inventory) State() *State { return inv.state }

type inventoryFile struct {
	Hosts []*Host `yaml:"hosts"`
}

// LoadInventory reads a YAML inventory of the form:
//
//	hosts:
//	  - name: web1
//	    addr: 10.0.0.10
//	    user: deploy
func LoadInventory(path string) (*Inventory, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	var f inventoryFile
	if err := yaml.Unmarshal(content, &f); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}
	return NewInventory(f.Hosts...), nil
}

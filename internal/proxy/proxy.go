// Package proxy keeps named proxy groups. Usage counters are advisory: a
// proxy handed out is never exclusively held.
package proxy

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"checkout_engine/internal/model"
)

var (
	ErrUnknownGroup = errors.New("proxy: unknown group")
	ErrEmptyGroup   = errors.New("proxy: group has no proxies")
)

type entry struct {
	proxy model.Proxy
	uses  atomic.Int64
}

type Group struct {
	Name    string
	entries []*entry
}

func NewGroup(name string, proxies []model.Proxy) *Group {
	g := &Group{Name: name}
	for _, p := range proxies {
		g.entries = append(g.entries, &entry{proxy: p})
	}
	return g
}

// Acquire hands out the least used proxy and bumps its counter.
func (g *Group) Acquire() (model.Proxy, error) {
	if len(g.entries) == 0 {
		return model.Proxy{}, fmt.Errorf("%w: %s", ErrEmptyGroup, g.Name)
	}
	best := g.entries[0]
	for _, e := range g.entries[1:] {
		if e.uses.Load() < best.uses.Load() {
			best = e
		}
	}
	best.uses.Add(1)
	return best.proxy, nil
}

// Release lowers the counter of the proxy with the given id.
func (g *Group) Release(id string) {
	for _, e := range g.entries {
		if e.proxy.ID == id {
			if e.uses.Add(-1) < 0 {
				e.uses.Store(0)
			}
			return
		}
	}
}

// Rotate releases current and acquires the least used proxy other than
// it when the group has more than one.
func (g *Group) Rotate(current *model.Proxy) (model.Proxy, error) {
	if len(g.entries) == 0 {
		return model.Proxy{}, fmt.Errorf("%w: %s", ErrEmptyGroup, g.Name)
	}
	if current == nil || len(g.entries) == 1 {
		if current != nil {
			g.Release(current.ID)
		}
		return g.Acquire()
	}
	g.Release(current.ID)
	var best *entry
	for _, e := range g.entries {
		if e.proxy.ID == current.ID {
			continue
		}
		if best == nil || e.uses.Load() < best.uses.Load() {
			best = e
		}
	}
	best.uses.Add(1)
	return best.proxy, nil
}

type Usage struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port string `json:"port"`
	Uses int64  `json:"uses"`
}

func (g *Group) Usage() []Usage {
	out := make([]Usage, 0, len(g.entries))
	for _, e := range g.entries {
		out = append(out, Usage{ID: e.proxy.ID, Host: e.proxy.Host, Port: e.proxy.Port, Uses: e.uses.Load()})
	}
	return out
}

func (g *Group) Len() int { return len(g.entries) }

// Registry maps group names to groups.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]*Group
}

func NewRegistry() *Registry {
	return &Registry{groups: make(map[string]*Group)}
}

// Load parses raw proxy strings per group and replaces the registry.
func (r *Registry) Load(raw map[string][]string) error {
	groups := make(map[string]*Group, len(raw))
	for name, list := range raw {
		proxies := make([]model.Proxy, 0, len(list))
		for _, s := range list {
			p, err := model.ParseProxy(s)
			if err != nil {
				return fmt.Errorf("group %s: %w", name, err)
			}
			proxies = append(proxies, p)
		}
		groups[name] = NewGroup(name, proxies)
	}
	r.mu.Lock()
	r.groups = groups
	r.mu.Unlock()
	return nil
}

func (r *Registry) Put(g *Group) {
	r.mu.Lock()
	r.groups[g.Name] = g
	r.mu.Unlock()
}

func (r *Registry) Delete(name string) {
	r.mu.Lock()
	delete(r.groups, name)
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (*Group, error) {
	r.mu.RLock()
	g, ok := r.groups[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, name)
	}
	return g, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.groups))
	for name := range r.groups {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

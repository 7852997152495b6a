// Package productcache is the hand-off point between product monitors and
// workers. Monitors Update; workers Find or Wait.
package productcache

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"checkout_engine/internal/model"
)

type subscriber struct {
	store string
	ch    chan model.Product
}

type Cache struct {
	mu     sync.RWMutex
	items  map[string]map[string]model.Product
	subs   map[int]*subscriber
	nextID int
}

func New() *Cache {
	return &Cache{
		items: make(map[string]map[string]model.Product),
		subs:  make(map[int]*subscriber),
	}
}

// StoreKey normalizes a store URL to scheme-less host form.
func StoreKey(storeURL string) string {
	s := strings.TrimSpace(strings.ToLower(storeURL))
	if u, err := url.Parse(s); err == nil && u.Host != "" {
		return u.Host
	}
	return strings.TrimSuffix(s, "/")
}

// Find returns a cached product of the store matching monitor.
func (c *Cache) Find(storeURL, monitor string) (model.Product, bool) {
	key := StoreKey(storeURL)
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.items[key] {
		if Matches(p, monitor) {
			return p.Clone(), true
		}
	}
	return model.Product{}, false
}

func (c *Cache) Products(storeURL string) []model.Product {
	key := StoreKey(storeURL)
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Product, 0, len(c.items[key]))
	for _, p := range c.items[key] {
		out = append(out, p.Clone())
	}
	return out
}

// Update stores p and pushes it to every subscriber of the store.
func (c *Cache) Update(storeURL string, p model.Product) {
	key := StoreKey(storeURL)
	c.mu.Lock()
	if c.items[key] == nil {
		c.items[key] = make(map[string]model.Product)
	}
	c.items[key][p.ID] = p.Clone()
	for _, s := range c.subs {
		if s.store != key {
			continue
		}
		select {
		case s.ch <- p.Clone():
		default:
		}
	}
	c.mu.Unlock()
}

// Subscribe receives every later update for the store.
func (c *Cache) Subscribe(storeURL string) (<-chan model.Product, func()) {
	s := &subscriber{store: StoreKey(storeURL), ch: make(chan model.Product, 16)}
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = s
	c.mu.Unlock()
	return s.ch, func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Wait returns a cached match right away or blocks until one is pushed.
func (c *Cache) Wait(ctx context.Context, storeURL, monitor string) (model.Product, error) {
	ch, cancel := c.Subscribe(storeURL)
	defer cancel()
	if p, ok := c.Find(storeURL, monitor); ok {
		return p, nil
	}
	return waitMatch(ctx, ch, monitor)
}

// WaitUpdate ignores the cached state and blocks until the next matching
// update.
func (c *Cache) WaitUpdate(ctx context.Context, storeURL, monitor string) (model.Product, error) {
	ch, cancel := c.Subscribe(storeURL)
	defer cancel()
	return waitMatch(ctx, ch, monitor)
}

func waitMatch(ctx context.Context, ch <-chan model.Product, monitor string) (model.Product, error) {
	for {
		select {
		case <-ctx.Done():
			return model.Product{}, ctx.Err()
		case p := <-ch:
			if Matches(p, monitor) {
				return p, nil
			}
		}
	}
}

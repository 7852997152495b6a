package waitroom

import (
	"context"
	"sync"
	"time"
)

type presolved struct {
	session Session
	expires time.Time
}

type flight struct {
	done    chan struct{}
	session Session
	ok      bool
}

// PresolveCache shares verified sessions per event id. Begin elects one
// leader per event; followers Await the leader's session instead of solving
// their own. A failed challenge Deletes the entry for everyone.
type PresolveCache struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	entries  map[string]presolved
	inflight map[string]*flight
}

func NewPresolveCache(ttl time.Duration) *PresolveCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &PresolveCache{
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[string]presolved),
		inflight: make(map[string]*flight),
	}
}

func (c *PresolveCache) Get(eventID string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[eventID]
	if !ok {
		return Session{}, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, eventID)
		return Session{}, false
	}
	return e.session, true
}

func (c *PresolveCache) Put(s Session) {
	c.mu.Lock()
	c.entries[s.EventID] = presolved{session: s, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *PresolveCache) Delete(eventID string) {
	c.mu.Lock()
	delete(c.entries, eventID)
	c.mu.Unlock()
}

// Begin reports whether the caller leads the solve for eventID. The leader
// must call Finish.
func (c *PresolveCache) Begin(eventID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[eventID]; busy {
		return false
	}
	c.inflight[eventID] = &flight{done: make(chan struct{})}
	return true
}

// Finish ends the leader's flight. With ok set the session is cached and
// handed to every follower.
func (c *PresolveCache) Finish(eventID string, s Session, ok bool) {
	c.mu.Lock()
	f := c.inflight[eventID]
	delete(c.inflight, eventID)
	if ok {
		c.entries[eventID] = presolved{session: s, expires: c.now().Add(c.ttl)}
	}
	c.mu.Unlock()
	if f != nil {
		f.session, f.ok = s, ok
		close(f.done)
	}
}

// Await waits for an in-flight solve of eventID. It returns false right away
// when nobody is solving, or when the leader gave up.
func (c *PresolveCache) Await(ctx context.Context, eventID string) (Session, bool) {
	c.mu.Lock()
	f := c.inflight[eventID]
	c.mu.Unlock()
	if f == nil {
		return Session{}, false
	}
	select {
	case <-f.done:
		return f.session, f.ok
	case <-ctx.Done():
		return Session{}, false
	}
}

func (c *PresolveCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]presolved)
	c.mu.Unlock()
}

package supervisor

import (
	"context"
	"time"

	"checkout_engine/internal/logbus"
	"checkout_engine/internal/model"
	"checkout_engine/internal/productcache"
	"checkout_engine/internal/session"
)

type Fetcher func(ctx context.Context, client *session.Client, storeURL, monitor string) ([]model.Product, error)

type monitorKey struct {
	platform model.Platform
	store    string
	monitor  string
}

type monitorRef struct {
	refs   int
	cancel context.CancelFunc
}

// RegisterMonitor feeds the product cache for tasks of platform while any
// of them runs.
func (s *Supervisor) RegisterMonitor(platform model.Platform, fetch Fetcher) {
	s.mu.Lock()
	s.fetchers[platform] = fetch
	s.mu.Unlock()
}

func keyOf(t model.Task) monitorKey {
	return monitorKey{platform: t.Store.Platform, store: productcache.StoreKey(t.Store.URL), monitor: t.Monitor}
}

func (s *Supervisor) acquireMonitorLocked(t model.Task) {
	fetch, ok := s.fetchers[t.Store.Platform]
	if !ok {
		return
	}
	key := keyOf(t)
	if ref := s.monitors[key]; ref != nil {
		ref.refs++
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.monitors[key] = &monitorRef{refs: 1, cancel: cancel}
	s.wg.Add(1)
	go s.watch(ctx, fetch, t.Store.URL, t.Monitor)
}

func (s *Supervisor) releaseMonitorLocked(t model.Task) {
	key := keyOf(t)
	ref := s.monitors[key]
	if ref == nil {
		return
	}
	ref.refs--
	if ref.refs <= 0 {
		ref.cancel()
		delete(s.monitors, key)
	}
}

func (s *Supervisor) watch(ctx context.Context, fetch Fetcher, storeURL, monitor string) {
	defer s.wg.Done()
	opts := session.DefaultOptions()
	opts.Timeout = s.http.Timeout()
	opts.Limiters = s.limiters(storeURL)
	opts.Transport = s.transport
	opts.Bus = s.pub
	opts.Fields = map[string]any{"monitor": monitor}
	client, err := session.New(opts)
	if err != nil {
		s.pub.Log(logbus.LevelError, "monitor session failed", map[string]any{"store": storeURL, "error": err.Error()})
		return
	}

	interval := s.taskCfg.MonitorDelay()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		products, err := fetch(ctx, client, storeURL, monitor)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			s.pub.Log(logbus.LevelDebug, "monitor fetch failed", map[string]any{"store": storeURL, "monitor": monitor, "error": err.Error()})
		default:
			for _, p := range products {
				s.products.Update(storeURL, p)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

package executor

import (
	"context"
	"sync"
)

type asyncGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	subs []*Executor
}

func (e *Executor) addAsync(ctx context.Context, name StepName, handler Handler) {
	if e.group == nil {
		gctx, cancel := context.WithCancel(ctx)
		e.group = &asyncGroup{ctx: gctx, cancel: cancel}
	}
	g := e.group
	sub, err := New([]Step{{Name: name, Handler: handler}}, Options{
		Policy:     e.policy,
		RetryDelay: e.RetryDelay(),
		Listeners:  e.listeners,
	})
	if err != nil {
		return
	}
	sub.async = true
	g.mu.Lock()
	g.subs = append(g.subs, sub)
	g.mu.Unlock()
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		_, _ = sub.Run(g.ctx)
	}()
}

// drainAsync waits for the current group. It reports false when the parent
// was shut down while waiting.
func (e *Executor) drainAsync() bool {
	g := e.group
	if g == nil {
		return !e.IsShutdown()
	}
	finished := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		e.group = nil
		g.cancel()
		return !e.IsShutdown()
	case <-e.done:
		e.cancelAsync()
		return false
	}
}

func (e *Executor) cancelAsync() {
	g := e.group
	if g == nil {
		return
	}
	e.group = nil
	g.mu.Lock()
	subs := append([]*Executor(nil), g.subs...)
	g.mu.Unlock()
	for _, s := range subs {
		s.Shutdown()
	}
	g.cancel()
	g.wg.Wait()
}

func (e *Executor) stopAsync() {
	if e.group != nil {
		e.cancelAsync()
	}
}

// Package worker binds one task to one executor run. Site adapters supply
// the steps; everything the worker cannot decide alone (proxies, puzzles,
// product availability, persistence) goes through the Mediator.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"checkout_engine/internal/backoff"
	"checkout_engine/internal/browser"
	"checkout_engine/internal/challenge"
	"checkout_engine/internal/executor"
	"checkout_engine/internal/logbus"
	"checkout_engine/internal/model"
	"checkout_engine/internal/session"
	"checkout_engine/internal/waitroom"
)

var ErrShutdown = errors.New("worker: shut down")

// Adapter is the per-platform capability set: register hooks in Setup, list
// the steps, release resources in Teardown.
type Adapter interface {
	Name() string
	Setup(w *Worker) error
	Steps() []executor.Step
	Teardown()
}

type AdapterFactory func(task model.Task) (Adapter, error)

// Mediator answers the requests a worker cannot serve itself. Every call
// blocks until answered or ctx ends.
type Mediator interface {
	RotateProxy(ctx context.Context, taskID string, current *model.Proxy) (*model.Proxy, error)
	RequestChallenge(ctx context.Context, taskID string, req model.ChallengeRequest) (model.ChallengeAnswer, error)
	RequestProduct(ctx context.Context, storeURL, monitor string) (model.Product, error)
	AwaitProductUpdate(ctx context.Context, storeURL, monitor string) (model.Product, error)
	TaskUpdated(t model.Task)
}

type Deps struct {
	Mediator Mediator
	Bus      logbus.Publisher
	// Session is the client template; user agent, proxy and hooks are filled
	// in per worker.
	Session      session.Options
	MaxTimeout   time.Duration
	GrowEvery    time.Duration
	RetryDelay   time.Duration
	ErrorDelay   time.Duration
	MonitorDelay time.Duration
	SnapToMinute bool
	MinDelay     time.Duration
	Presolve     *waitroom.PresolveCache
	PowSolver    waitroom.PowSolver
	QueuePoll    time.Duration
	Listeners    []executor.Listener
	Rand         *rand.Rand
}

type Worker struct {
	id        string
	adapter   Adapter
	deps      Deps
	bus       logbus.Publisher
	client    *session.Client
	mod       *backoff.Modulator
	userAgent string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	task      model.Task
	exec      *executor.Executor
	attempted map[string]struct{}
	rng       *rand.Rand

	rotating     sync.Mutex
	shut         atomic.Bool
	shutdownOnce sync.Once
	done         chan struct{}
}

func New(task *model.Task, adapter Adapter, deps Deps) (*Worker, error) {
	if task == nil {
		return nil, errors.New("worker: nil task")
	}
	if adapter == nil {
		return nil, errors.New("worker: nil adapter")
	}
	if err := model.ValidateTask(*task); err != nil {
		return nil, err
	}
	if deps.Bus == nil {
		deps.Bus = logbus.Discard{}
	}
	if deps.RetryDelay <= 0 {
		deps.RetryDelay = 3 * time.Second
	}
	if deps.ErrorDelay <= 0 {
		deps.ErrorDelay = deps.RetryDelay
	}
	if deps.MonitorDelay <= 0 {
		deps.MonitorDelay = 1500 * time.Millisecond
	}
	if deps.GrowEvery <= 0 {
		deps.GrowEvery = 5 * time.Minute
	}
	rng := deps.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	w := &Worker{
		id:        uuid.NewString(),
		adapter:   adapter,
		deps:      deps,
		bus:       deps.Bus,
		task:      task.Clone(),
		attempted: make(map[string]struct{}),
		rng:       rng,
		done:      make(chan struct{}),
		mod:       &backoff.Modulator{SnapToMinute: deps.SnapToMinute, Floor: deps.MinDelay},
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.userAgent = pickUserAgent(rng)

	opts := deps.Session
	opts.UserAgent = w.userAgent
	opts.Proxy = w.task.Proxy
	opts.Bus = deps.Bus
	opts.Fields = map[string]any{"taskId": w.task.ID, "workerId": w.id}
	opts.OnProxyAuthFailure = func() {
		go func() {
			if err := w.RotateProxy(w.ctx); err != nil && !w.shut.Load() {
				w.Log(logbus.LevelWarn, "proxy rotation failed", map[string]any{"error": err.Error()})
			}
		}()
	}
	client, err := session.New(opts)
	if err != nil {
		return nil, fmt.Errorf("worker: session: %w", err)
	}
	w.client = client
	return w, nil
}

func (w *Worker) ID() string     { return w.id }
func (w *Worker) TaskID() string { return w.task.ID }

func (w *Worker) AdapterName() string { return w.adapter.Name() }

func (w *Worker) UserAgent() string { return w.userAgent }

func (w *Worker) Session() *session.Client { return w.client }

func (w *Worker) Deps() Deps { return w.deps }

func (w *Worker) NewPage(events browser.Events) *browser.Page {
	return browser.New(w.client, events, w.userAgent)
}

func (w *Worker) Executor() *executor.Executor {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exec
}

func (w *Worker) IsShutdown() bool { return w.shut.Load() }

func (w *Worker) Done() <-chan struct{} { return w.done }

// GoToWork runs Setup and then the steps from the first one. It returns when
// the executor ends or when Shutdown is called, whichever comes first. The
// error is reserved for setup failures, misconfigured steps and panics.
func (w *Worker) GoToWork(ctx context.Context) (executor.Outcome, error) {
	if w.shut.Load() {
		return executor.Outcome{Status: executor.StatusShutdown}, ErrShutdown
	}
	if err := w.adapter.Setup(w); err != nil {
		w.finish(model.ExitCrashed, &model.Status{Message: err.Error(), Severity: model.SeverityError})
		return executor.Outcome{Status: executor.StatusFailed, Message: err.Error()}, fmt.Errorf("worker: setup %s: %w", w.adapter.Name(), err)
	}

	listeners := append([]executor.Listener{executor.ListenerFuncs{
		OnWillStart: w.willStart,
		OnWillRetry: w.willRetry,
	}}, w.deps.Listeners...)
	exec, err := executor.New(w.adapter.Steps(), executor.Options{
		Policy:     w.ModifyDelay,
		RetryDelay: w.deps.ErrorDelay,
		Listeners:  listeners,
	})
	if err != nil {
		w.finish(model.ExitCrashed, &model.Status{Message: err.Error(), Severity: model.SeverityError})
		return executor.Outcome{Status: executor.StatusFailed, Message: err.Error()}, err
	}

	w.mu.Lock()
	w.exec = exec
	w.task.Running = true
	w.task.Outcome = model.ExitNone
	w.task.StartedAt = time.Now()
	w.mu.Unlock()
	if w.shut.Load() {
		exec.Shutdown()
	}
	w.notify(w.Snapshot())
	w.Log(logbus.LevelInfo, "worker started", map[string]any{"adapter": w.adapter.Name(), "steps": len(exec.Steps())})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.growTimeout(runCtx)

	type result struct {
		out executor.Outcome
		err error
	}
	res := make(chan result, 1)
	go func() {
		var r result
		defer func() {
			if p := recover(); p != nil {
				r = result{out: executor.Outcome{Status: executor.StatusFailed}, err: fmt.Errorf("worker: panic: %v", p)}
			}
			res <- r
		}()
		r.out, r.err = exec.Run(runCtx)
	}()

	var r result
	select {
	case r = <-res:
	case <-w.done:
		return executor.Outcome{Status: executor.StatusShutdown}, nil
	}

	switch {
	case r.err != nil:
		w.finish(model.ExitCrashed, &model.Status{Message: r.err.Error(), Severity: model.SeverityError})
	case r.out.Status == executor.StatusComplete:
		w.finish(model.ExitCheckedOut, nil)
	case r.out.Status == executor.StatusFailed:
		w.finish(model.ExitFailed, &model.Status{Message: r.out.Message, Severity: model.SeverityError})
	default:
		w.finish(model.ExitStopped, nil)
	}
	return r.out, r.err
}

func (w *Worker) finish(outcome model.ExitOutcome, status *model.Status) {
	w.mu.Lock()
	if w.task.Outcome == model.ExitNone {
		w.task.Outcome = outcome
	}
	w.mu.Unlock()
	w.Shutdown(status)
}

// Shutdown marks the worker terminal. Only the first call has any effect:
// it stores the final status, emits one worker_shutdown event and runs the
// adapter's Teardown once. Later status and log emission is suppressed.
func (w *Worker) Shutdown(status *model.Status) {
	w.shutdownOnce.Do(func() {
		w.mu.Lock()
		if status != nil {
			w.task.Status = *status
		}
		w.task.Running = false
		if w.task.Outcome == model.ExitNone {
			w.task.Outcome = model.ExitStopped
		}
		snap := w.task.Clone()
		exec := w.exec
		w.mu.Unlock()

		if status != nil {
			w.bus.Publish(logbus.TypeTaskStatus, statusEvent(snap))
		}
		w.notify(snap)
		w.shut.Store(true)
		close(w.done)
		w.cancel()
		if exec != nil {
			exec.Shutdown()
		}
		w.adapter.Teardown()
		w.bus.Publish(logbus.TypeWorkerShutdown, map[string]any{
			"taskId":   snap.ID,
			"workerId": w.id,
			"outcome":  snap.Outcome,
			"status":   snap.Status,
		})
	})
}

func (w *Worker) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(w.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (w *Worker) willStart(ctx context.Context, ev executor.StepEvent) {
	if ev.Async || w.shut.Load() {
		return
	}
	w.Log(logbus.LevelDebug, "step starting", map[string]any{"step": ev.Step, "retry": ev.RetryCount})
	if ev.Index != 0 || ev.RetryCount == 0 {
		return
	}
	// the whole attempt starts over: fresh cookies, fresh egress
	if err := w.client.ResetCookies(); err != nil {
		w.Log(logbus.LevelWarn, "cookie reset failed", map[string]any{"error": err.Error()})
	}
	if err := w.RotateProxy(ctx); err != nil && !w.shut.Load() {
		w.Log(logbus.LevelWarn, "proxy rotation failed", map[string]any{"error": err.Error()})
	}
}

func (w *Worker) willRetry(_ context.Context, ev executor.StepEvent) {
	if ev.Async || w.shut.Load() || ev.Err == nil {
		return
	}
	w.Log(logbus.LevelWarn, "step retrying after error", map[string]any{
		"step":  ev.Step,
		"retry": ev.RetryCount,
		"error": ev.Err.Error(),
	})
}

func (w *Worker) growTimeout(ctx context.Context) {
	t := time.NewTicker(w.deps.GrowEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-t.C:
			w.BumpTimeout()
		}
	}
}

// BumpTimeout widens the transport baseline by half, up to MaxTimeout.
func (w *Worker) BumpTimeout() time.Duration {
	cur := w.client.Timeout()
	next := cur + cur/2
	if w.deps.MaxTimeout > 0 && next > w.deps.MaxTimeout {
		next = w.deps.MaxTimeout
	}
	if next != cur {
		w.client.SetTimeout(next)
		w.Log(logbus.LevelDebug, "transport timeout raised", map[string]any{"timeoutMs": next.Milliseconds()})
	}
	return next
}

func (w *Worker) ModifyDelay(d time.Duration, err error) time.Duration {
	return w.mod.Modify(d, err)
}

// HoldDelay lets the next delay through unmodified; call it after the server
// said exactly how long to wait.
func (w *Worker) HoldDelay() { w.mod.HoldNext() }

// RotateProxy asks the mediator for another proxy and applies it. Concurrent
// callers are serialised.
func (w *Worker) RotateProxy(ctx context.Context) error {
	if w.deps.Mediator == nil {
		return nil
	}
	w.rotating.Lock()
	defer w.rotating.Unlock()
	ctx, cancel := w.bind(ctx)
	defer cancel()

	w.mu.Lock()
	var current *model.Proxy
	if w.task.Proxy != nil {
		p := *w.task.Proxy
		current = &p
	}
	w.mu.Unlock()

	next, err := w.deps.Mediator.RotateProxy(ctx, w.task.ID, current)
	if err != nil {
		if w.shut.Load() {
			return ErrShutdown
		}
		return err
	}
	if next == nil {
		w.client.RemoveProxy()
	} else {
		w.client.SetProxy(next)
	}
	w.Update(func(t *model.Task) { t.Proxy = next })
	return nil
}

// RequestChallengeResponse blocks until the puzzle is answered. A retry
// request from the solver side re-issues it; shutdown cancels it.
func (w *Worker) RequestChallengeResponse(ctx context.Context, req model.ChallengeRequest) (model.ChallengeAnswer, error) {
	if w.deps.Mediator == nil {
		return model.ChallengeAnswer{}, errors.New("worker: no challenge mediator")
	}
	if req.UserAgent == "" {
		req.UserAgent = w.userAgent
	}
	ctx, cancel := w.bind(ctx)
	defer cancel()
	w.SetStatus("Waiting for challenge", model.SeverityWarning)
	answer, err := w.deps.Mediator.RequestChallenge(ctx, w.task.ID, req)
	if err != nil {
		if w.shut.Load() || errors.Is(err, challenge.ErrCancelled) && w.ctx.Err() != nil {
			return model.ChallengeAnswer{}, ErrShutdown
		}
		return model.ChallengeAnswer{}, err
	}
	w.SetStatus("Challenge solved", model.SeverityInfo)
	return answer, nil
}

func (w *Worker) RequestProduct(ctx context.Context) (model.Product, error) {
	return w.awaitProduct(ctx, false)
}

// AwaitProductUpdate ignores what is cached and waits for the next update of
// the task's product.
func (w *Worker) AwaitProductUpdate(ctx context.Context) (model.Product, error) {
	return w.awaitProduct(ctx, true)
}

func (w *Worker) awaitProduct(ctx context.Context, fresh bool) (model.Product, error) {
	if w.deps.Mediator == nil {
		return model.Product{}, errors.New("worker: no product mediator")
	}
	ctx, cancel := w.bind(ctx)
	defer cancel()
	var (
		p   model.Product
		err error
	)
	if fresh {
		p, err = w.deps.Mediator.AwaitProductUpdate(ctx, w.task.Store.URL, w.task.Monitor)
	} else {
		p, err = w.deps.Mediator.RequestProduct(ctx, w.task.Store.URL, w.task.Monitor)
	}
	if err != nil {
		if w.shut.Load() {
			return model.Product{}, ErrShutdown
		}
		return model.Product{}, err
	}
	w.SetProduct(p)
	return p, nil
}

// SetProduct records the matched product. A different product id resets the
// attempted-variant history.
func (w *Worker) SetProduct(p model.Product) {
	w.Update(func(t *model.Task) {
		if t.Product == nil || t.Product.ID != p.ID {
			w.attempted = make(map[string]struct{})
			t.Variant = nil
		}
		cp := p.Clone()
		t.Product = &cp
	})
}

// Negotiate runs the waiting-room flow on this worker's session, sharing
// presolved sessions with the other workers.
func (w *Worker) Negotiate(ctx context.Context, ev waitroom.Event) (waitroom.Result, error) {
	w.SetStatus("Entering waiting room", model.SeverityWarning)
	n := waitroom.New(waitroom.Options{
		Provider:     waitroom.NewHTTPProvider(w.client),
		PowSolver:    w.deps.PowSolver,
		Challenge:    w.RequestChallengeResponse,
		Cache:        w.deps.Presolve,
		Policy:       w.ModifyDelay,
		PollInterval: w.deps.QueuePoll,
		RetryDelay:   w.deps.ErrorDelay,
		Bus:          w.bus,
		Fields:       map[string]any{"taskId": w.task.ID},
		OnProgress: func(s waitroom.Status) {
			if w.shut.Load() {
				return
			}
			w.SetStatus(fmt.Sprintf("In queue (%d ahead)", s.Position), model.SeverityWarning)
			w.bus.Publish(logbus.TypeQueueProgress, map[string]any{
				"taskId":   w.task.ID,
				"eventId":  ev.EventID,
				"queueId":  s.QueueID,
				"position": s.Position,
				"progress": s.Progress,
			})
		},
	})
	ctx, cancel := w.bind(ctx)
	defer cancel()
	res, err := n.Negotiate(ctx, ev)
	if err != nil && w.shut.Load() {
		return res, ErrShutdown
	}
	return res, err
}

func (w *Worker) Checkout(orderNumber string) {
	var ev model.CheckoutEvent
	w.Update(func(t *model.Task) {
		t.OrderNumber = orderNumber
		t.Outcome = model.ExitCheckedOut
		ev = model.CheckoutEvent{
			TaskID:      t.ID,
			TaskName:    t.Name,
			Store:       t.Store.URL,
			OrderNumber: orderNumber,
			Email:       t.Profile.Email,
			At:          time.Now(),
		}
		if t.Product != nil {
			ev.Product = t.Product.Title
		}
		if t.Variant != nil {
			ev.Size = t.Variant.Size
			ev.Price = t.Variant.Price
		}
	})
	w.SetStatus("Checked out", model.SeverityGood)
	if !w.shut.Load() {
		w.bus.Publish(logbus.TypeCheckout, ev)
	}
}

func (w *Worker) SetStatus(message string, severity model.Severity) {
	if w.shut.Load() {
		return
	}
	w.mu.Lock()
	w.task.Status = model.Status{Message: message, Severity: severity}
	snap := w.task.Clone()
	w.mu.Unlock()
	w.bus.Publish(logbus.TypeTaskStatus, statusEvent(snap))
	w.notify(snap)
}

func (w *Worker) Signal(s string) {
	w.Update(func(t *model.Task) { t.Signal = s })
}

func (w *Worker) Update(fn func(t *model.Task)) {
	w.mu.Lock()
	fn(&w.task)
	w.task.UpdatedAt = time.Now()
	snap := w.task.Clone()
	w.mu.Unlock()
	if !w.shut.Load() {
		w.notify(snap)
	}
}

func (w *Worker) Snapshot() model.Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.task.Clone()
}

func (w *Worker) Log(level, msg string, fields map[string]any) {
	if w.shut.Load() {
		return
	}
	f := map[string]any{"taskId": w.task.ID, "workerId": w.id}
	for k, v := range fields {
		f[k] = v
	}
	w.bus.Log(level, msg, f)
}

func (w *Worker) notify(t model.Task) {
	w.bus.Publish(logbus.TypeTaskUpdate, t)
	if w.deps.Mediator != nil {
		w.deps.Mediator.TaskUpdated(t)
	}
}

func statusEvent(t model.Task) map[string]any {
	return map[string]any{
		"taskId":   t.ID,
		"message":  t.Status.Message,
		"severity": t.Status.Severity,
		"signal":   t.Signal,
	}
}

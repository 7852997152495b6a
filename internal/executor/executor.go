// Package executor runs an ordered list of named steps. Handlers steer the
// cursor only through the directives they return; an error or panic from a
// handler is an implicit retry.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"checkout_engine/internal/backoff"
)

var (
	ErrUnknownStep = errors.New("executor: unknown step")
	ErrNoSteps     = errors.New("executor: no steps registered")
	ErrRunning     = errors.New("executor: already running")
)

type StepName string

type Handler func(ctx context.Context, c *Control) (Directive, error)

type Step struct {
	Name    StepName
	Handler Handler
}

type Status int

const (
	StatusComplete Status = iota + 1
	StatusFailed
	StatusShutdown
)

func (s Status) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	case StatusShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

type Outcome struct {
	Status  Status
	Message string
	// Step is the step that was current when the run ended.
	Step StepName
}

type StepEvent struct {
	Step       StepName
	Index      int
	RetryCount int
	Previous   StepName
	Err        error
	// Async is set for steps running inside an async sub-executor.
	Async bool
}

// Listener is notified before every step invocation. WillStart fires first
// with RetryCount zero on a step's first attempt; WillRetry additionally
// fires when the invocation comes from a retry.
type Listener interface {
	WillStart(ctx context.Context, ev StepEvent)
	WillRetry(ctx context.Context, ev StepEvent)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	OnWillStart func(ctx context.Context, ev StepEvent)
	OnWillRetry func(ctx context.Context, ev StepEvent)
}

func (l ListenerFuncs) WillStart(ctx context.Context, ev StepEvent) {
	if l.OnWillStart != nil {
		l.OnWillStart(ctx, ev)
	}
}

func (l ListenerFuncs) WillRetry(ctx context.Context, ev StepEvent) {
	if l.OnWillRetry != nil {
		l.OnWillRetry(ctx, ev)
	}
}

type Options struct {
	// Policy maps every requested delay before it is waited. Defaults to
	// backoff.Identity.
	Policy     backoff.Policy
	RetryDelay time.Duration
	Listeners  []Listener
}

type Executor struct {
	steps     []Step
	index     map[StepName]int
	policy    backoff.Policy
	listeners []Listener
	async     bool

	// run-goroutine state
	cursor     int
	previous   StepName
	retryCount int
	fromRetry  bool
	retryErr   error
	fatal      error
	group      *asyncGroup

	mu         sync.Mutex
	value      any
	retryDelay time.Duration
	running    bool
	cancelRun  context.CancelFunc

	shutdownOnce sync.Once
	done         chan struct{}
}

func New(steps []Step, opts Options) (*Executor, error) {
	if len(steps) == 0 {
		return nil, ErrNoSteps
	}
	index := make(map[StepName]int, len(steps))
	for i, s := range steps {
		if s.Name == "" {
			return nil, fmt.Errorf("executor: step %d has no name", i)
		}
		if s.Handler == nil {
			return nil, fmt.Errorf("executor: step %s has no handler", s.Name)
		}
		if _, dup := index[s.Name]; dup {
			return nil, fmt.Errorf("executor: duplicate step %s", s.Name)
		}
		index[s.Name] = i
	}
	policy := opts.Policy
	if policy == nil {
		policy = backoff.Identity
	}
	return &Executor{
		steps:      append([]Step(nil), steps...),
		index:      index,
		policy:     policy,
		listeners:  append([]Listener(nil), opts.Listeners...),
		retryDelay: opts.RetryDelay,
		done:       make(chan struct{}),
	}, nil
}

func (e *Executor) Steps() []StepName {
	out := make([]StepName, len(e.steps))
	for i, s := range e.steps {
		out[i] = s.Name
	}
	return out
}

func (e *Executor) Has(name StepName) bool {
	_, ok := e.index[name]
	return ok
}

// Shutdown stops the executor. Pending delays are interrupted, the context
// handed to handlers is cancelled and any queued step short-circuits.
func (e *Executor) Shutdown() {
	e.shutdownOnce.Do(func() {
		close(e.done)
		e.mu.Lock()
		cancel := e.cancelRun
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

func (e *Executor) IsShutdown() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *Executor) Context() any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}

func (e *Executor) RetryDelay() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retryDelay
}

// Run executes from the current cursor until the executor completes, fails or
// is shut down. The returned error is reserved for misconfiguration such as a
// jump to an unregistered step.
func (e *Executor) Run(ctx context.Context) (Outcome, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return Outcome{}, ErrRunning
	}
	e.running = true
	runCtx, cancel := context.WithCancel(ctx)
	e.cancelRun = cancel
	e.mu.Unlock()
	if e.IsShutdown() {
		cancel()
	}

	defer func() {
		cancel()
		e.mu.Lock()
		e.running = false
		e.cancelRun = nil
		e.mu.Unlock()
	}()
	out, err := e.loop(runCtx)
	e.stopAsync()
	return out, err
}

func (e *Executor) loop(ctx context.Context) (Outcome, error) {
	for {
		if e.fatal != nil {
			return e.outcome(StatusFailed, e.fatal.Error()), e.fatal
		}
		if e.IsShutdown() || ctx.Err() != nil {
			return e.outcome(StatusShutdown, ""), nil
		}
		if e.cursor >= len(e.steps) {
			e.drainAsync()
			return Outcome{Status: StatusComplete, Step: e.previous}, nil
		}

		step := e.steps[e.cursor]
		ev := StepEvent{
			Step:       step.Name,
			Index:      e.cursor,
			RetryCount: e.retryCount,
			Previous:   e.previous,
			Err:        e.retryErr,
			Async:      e.async,
		}
		for _, l := range e.listeners {
			l.WillStart(ctx, ev)
		}
		if e.fromRetry {
			for _, l := range e.listeners {
				l.WillRetry(ctx, ev)
			}
		}
		if e.IsShutdown() || ctx.Err() != nil {
			return e.outcome(StatusShutdown, ""), nil
		}

		c := &Control{
			e:          e,
			step:       step,
			index:      e.cursor,
			previous:   e.previous,
			retryCount: e.retryCount,
			fromRetry:  e.fromRetry,
		}
		d, err := invoke(ctx, step, c)
		if e.fatal != nil {
			return e.outcome(StatusFailed, e.fatal.Error()), e.fatal
		}
		if c.awaited && d.kind != kindFinish {
			// re-anchor so the directive applies to the awaiting step
			e.cursor, e.previous, e.retryCount = c.index, c.previous, c.retryCount
		}
		if err != nil {
			d = Directive{kind: kindRetry, delay: e.RetryDelay(), err: err}
		} else if d.kind == kindNone {
			d = Directive{kind: kindRetry, delay: e.RetryDelay(), err: fmt.Errorf("step %s returned no directive", step.Name)}
		}

		out, done, ferr := e.apply(ctx, step, d)
		if ferr != nil {
			e.fatal = ferr
			return e.outcome(StatusFailed, ferr.Error()), ferr
		}
		if done {
			return out, nil
		}
	}
}

func invoke(ctx context.Context, step Step, c *Control) (d Directive, err error) {
	defer func() {
		if r := recover(); r != nil {
			d = Directive{}
			err = fmt.Errorf("step %s panicked: %v", step.Name, r)
		}
	}()
	return step.Handler(ctx, c)
}

// apply moves the cursor for one directive. done reports a terminal outcome.
func (e *Executor) apply(ctx context.Context, from Step, d Directive) (Outcome, bool, error) {
	switch d.kind {
	case kindNext, kindJump:
		target := e.cursor + 1
		if d.kind == kindJump {
			idx, ok := e.index[d.step]
			if !ok {
				e.cancelAsync()
				return Outcome{}, true, fmt.Errorf("%w: %s (from %s)", ErrUnknownStep, d.step, from.Name)
			}
			target = idx
		}
		if !e.drainAsync() {
			return e.outcome(StatusShutdown, ""), true, nil
		}
		if d.delayed && !e.wait(ctx, e.policy(d.delay, nil)) {
			return e.outcome(StatusShutdown, ""), true, nil
		}
		e.previous = from.Name
		e.cursor = target
		e.retryCount = 0
		e.fromRetry = false
		e.retryErr = nil
		return Outcome{}, false, nil

	case kindRetry:
		if !e.wait(ctx, e.policy(d.delay, d.err)) {
			return e.outcome(StatusShutdown, ""), true, nil
		}
		e.retryCount++
		e.fromRetry = true
		e.retryErr = d.err
		return Outcome{}, false, nil

	case kindFail:
		e.cancelAsync()
		return Outcome{Status: StatusFailed, Message: d.message, Step: from.Name}, true, nil

	case kindFinish:
		return d.outcome, true, nil
	}
	return Outcome{}, true, fmt.Errorf("executor: step %s returned an invalid directive", from.Name)
}

func (e *Executor) outcome(s Status, msg string) Outcome {
	var name StepName
	if e.cursor < len(e.steps) {
		name = e.steps[e.cursor].Name
	}
	return Outcome{Status: s, Message: msg, Step: name}
}

func (e *Executor) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !e.IsShutdown() && ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return !e.IsShutdown()
	case <-ctx.Done():
		return false
	case <-e.done:
		return false
	}
}

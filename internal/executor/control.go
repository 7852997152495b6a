package executor

import (
	"context"
	"time"
)

type directiveKind int

const (
	kindNone directiveKind = iota
	kindNext
	kindJump
	kindRetry
	kindFail
	kindFinish
)

// Directive is what a handler hands back to say where the cursor goes next.
// Build one through the Control methods.
type Directive struct {
	kind    directiveKind
	step    StepName
	delay   time.Duration
	delayed bool
	message string
	err     error
	outcome Outcome
}

// Control is the handle a step invocation receives.
type Control struct {
	e          *Executor
	step       Step
	index      int
	previous   StepName
	retryCount int
	fromRetry  bool
	awaited    bool
}

func (c *Control) Current() StepName  { return c.step.Name }
func (c *Control) Previous() StepName { return c.previous }
func (c *Control) Index() int         { return c.index }

func (c *Control) RetryCount() int { return c.retryCount }

func (c *Control) IsFromRetry() bool { return c.fromRetry }

func (c *Control) Next() Directive { return Directive{kind: kindNext} }

func (c *Control) NextAfter(delay time.Duration) Directive {
	return Directive{kind: kindNext, delay: delay, delayed: true}
}

func (c *Control) Jump(step StepName) Directive {
	return Directive{kind: kindJump, step: step}
}

func (c *Control) JumpAfter(step StepName, delay time.Duration) Directive {
	return Directive{kind: kindJump, step: step, delay: delay, delayed: true}
}

func (c *Control) Retry(delay time.Duration) Directive {
	return Directive{kind: kindRetry, delay: delay}
}

// RetryErr is Retry with the cause handed to the delay policy.
func (c *Control) RetryErr(delay time.Duration, err error) Directive {
	return Directive{kind: kindRetry, delay: delay, err: err}
}

func (c *Control) Fail(message string) Directive {
	return Directive{kind: kindFail, message: message}
}

// Finish ends the run with the given outcome, usually one obtained from
// Await.
func (c *Control) Finish(o Outcome) Directive {
	return Directive{kind: kindFinish, outcome: o}
}

// Await applies d and runs the rest of the machine inline, returning the
// downstream outcome. Returning Finish afterwards ends the run with it; any
// other directive is applied as if issued by the awaiting step.
func (c *Control) Await(ctx context.Context, d Directive) Outcome {
	c.awaited = true
	e := c.e
	out, done, err := e.apply(ctx, c.step, d)
	if err != nil {
		e.fatal = err
		return Outcome{Status: StatusFailed, Message: err.Error(), Step: c.step.Name}
	}
	if done {
		return out
	}
	out, err = e.loop(ctx)
	if err != nil {
		e.fatal = err
	}
	return out
}

// Follow is Await followed by Finish.
func (c *Control) Follow(ctx context.Context, d Directive) (Directive, error) {
	return c.Finish(c.Await(ctx, d)), nil
}

func (c *Control) Context() any { return c.e.Context() }

func (c *Control) SetContext(v any) {
	c.e.mu.Lock()
	c.e.value = v
	c.e.mu.Unlock()
}

func (c *Control) ClearContext() { c.SetContext(nil) }

func (c *Control) RetryDelay() time.Duration { return c.e.RetryDelay() }

func (c *Control) SetRetryDelay(d time.Duration) {
	c.e.mu.Lock()
	c.e.retryDelay = d
	c.e.mu.Unlock()
}

// AddAsyncStep starts handler in its own single-step executor that runs
// alongside the current step. It is drained before the cursor advances and
// stopped when the run fails or shuts down.
func (c *Control) AddAsyncStep(ctx context.Context, name StepName, handler Handler) {
	c.e.addAsync(ctx, name, handler)
}

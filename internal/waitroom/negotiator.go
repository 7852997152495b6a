package waitroom

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout_engine/internal/backoff"
	"checkout_engine/internal/executor"
	"checkout_engine/internal/logbus"
)

const (
	StepCaptcha executor.StepName = "captcha"
	StepPoW     executor.StepName = "pow"
	StepEnqueue executor.StepName = "enqueue"
	StepStatus  executor.StepName = "status"
)

type Options struct {
	Provider  Provider
	PowSolver PowSolver
	Challenge ChallengeFunc
	Cache     *PresolveCache
	Policy    backoff.Policy
	// PollInterval is used when the provider gives no interval.
	PollInterval time.Duration
	RetryDelay   time.Duration
	OnProgress   func(Status)
	Bus          logbus.Publisher
	Fields       map[string]any
}

type Negotiator struct {
	opts Options
}

func New(opts Options) *Negotiator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.Bus == nil {
		opts.Bus = logbus.Discard{}
	}
	if opts.Cache == nil {
		opts.Cache = NewPresolveCache(0)
	}
	return &Negotiator{opts: opts}
}

type negotiation struct {
	*Negotiator
	ev      Event
	req     Requirements
	session Session
	leader  bool
	queueID string
	result  Result
}

// Negotiate runs until the room redirects us, ctx ends, or a step fails for
// good.
func (n *Negotiator) Negotiate(ctx context.Context, ev Event) (Result, error) {
	st := &negotiation{Negotiator: n, ev: ev}
	exec, err := executor.New([]executor.Step{
		{Name: StepCaptcha, Handler: st.captcha},
		{Name: StepPoW, Handler: st.pow},
		{Name: StepEnqueue, Handler: st.enqueue},
		{Name: StepStatus, Handler: st.status},
	}, executor.Options{Policy: n.opts.Policy, RetryDelay: n.opts.RetryDelay})
	if err != nil {
		return Result{}, err
	}
	defer st.abandon()

	out, err := exec.Run(ctx)
	if err != nil {
		return Result{}, err
	}
	switch out.Status {
	case executor.StatusComplete:
		return st.result, nil
	case executor.StatusShutdown:
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, context.Canceled
	default:
		return Result{}, errors.New(out.Message)
	}
}

func (st *negotiation) log(level, msg string, extra map[string]any) {
	fields := map[string]any{"eventId": st.ev.EventID}
	for k, v := range st.opts.Fields {
		fields[k] = v
	}
	for k, v := range extra {
		fields[k] = v
	}
	st.opts.Bus.Log(level, msg, fields)
}

// abandon releases followers if this negotiation led a solve and never
// finished it.
func (st *negotiation) abandon() {
	if st.leader {
		st.leader = false
		st.opts.Cache.Finish(st.ev.EventID, Session{}, false)
	}
}

func (st *negotiation) captcha(ctx context.Context, c *executor.Control) (executor.Directive, error) {
	cache := st.opts.Cache
	if s, ok := cache.Get(st.ev.EventID); ok {
		st.session = s
		st.log(logbus.LevelInfo, "reusing presolved waiting room session", nil)
		return c.Jump(StepEnqueue), nil
	}
	if !st.leader && !cache.Begin(st.ev.EventID) {
		if s, ok := cache.Await(ctx, st.ev.EventID); ok {
			st.session = s
			st.log(logbus.LevelInfo, "joined in-flight waiting room session", nil)
			return c.Jump(StepEnqueue), nil
		}
		// leader gave up; try to lead ourselves
		return c.Retry(0), nil
	}
	st.leader = true

	req, err := st.opts.Provider.Requirements(ctx, st.ev)
	if err != nil {
		return executor.Directive{}, fmt.Errorf("waiting room requirements: %w", err)
	}
	st.req = req
	st.session = Session{EventID: st.ev.EventID}
	if req.Captcha == nil {
		return c.Next(), nil
	}
	if st.opts.Challenge == nil {
		return c.Fail("Waiting room requires a challenge but no solver is configured"), nil
	}
	answer, err := st.opts.Challenge(ctx, *req.Captcha)
	if err != nil {
		return executor.Directive{}, err
	}
	receipt, err := st.opts.Provider.VerifyCaptcha(ctx, st.ev, answer)
	if err != nil {
		return executor.Directive{}, fmt.Errorf("verify waiting room challenge: %w", err)
	}
	st.session.CaptchaReceipt = receipt
	return c.Next(), nil
}

func (st *negotiation) pow(ctx context.Context, c *executor.Control) (executor.Directive, error) {
	if st.req.PoW {
		if st.opts.PowSolver == nil {
			return c.Fail("Waiting room requires proof of work but no solver is configured"), nil
		}
		in, err := st.opts.Provider.PowChallenge(ctx, st.ev)
		if err != nil {
			return executor.Directive{}, fmt.Errorf("proof of work challenge: %w", err)
		}
		sol, err := st.opts.PowSolver.Solve(ctx, in)
		if err != nil {
			return executor.Directive{}, fmt.Errorf("proof of work: %w", err)
		}
		receipt, err := st.opts.Provider.VerifyPow(ctx, st.ev, in, sol)
		if err != nil {
			return executor.Directive{}, fmt.Errorf("verify proof of work: %w", err)
		}
		st.session.PowReceipt = receipt
	}
	st.session.VerifiedAt = time.Now()
	st.leader = false
	st.opts.Cache.Finish(st.ev.EventID, st.session, true)
	return c.Next(), nil
}

func (st *negotiation) enqueue(ctx context.Context, c *executor.Control) (executor.Directive, error) {
	queueID, err := st.opts.Provider.Enqueue(ctx, st.ev, st.session)
	if errors.Is(err, ErrChallengeFailed) {
		st.log(logbus.LevelWarn, "waiting room rejected session, solving again", nil)
		st.opts.Cache.Delete(st.ev.EventID)
		st.session = Session{}
		return c.Jump(StepCaptcha), nil
	}
	if err != nil {
		return executor.Directive{}, fmt.Errorf("enqueue: %w", err)
	}
	st.queueID = queueID
	return c.Next(), nil
}

func (st *negotiation) status(ctx context.Context, c *executor.Control) (executor.Directive, error) {
	s, err := st.opts.Provider.Status(ctx, st.ev, st.queueID)
	if err != nil {
		return executor.Directive{}, fmt.Errorf("waiting room status: %w", err)
	}
	s.QueueID = st.queueID
	if st.opts.OnProgress != nil {
		st.opts.OnProgress(s)
	}
	if s.RedirectURL == "" {
		wait := s.PollAfter
		if wait <= 0 {
			wait = st.opts.PollInterval
		}
		return c.Retry(wait), nil
	}
	st.result = Classify(s.RedirectURL)
	st.result.QueueID = st.queueID
	if st.result.Blocked {
		st.log(logbus.LevelWarn, "waiting room blocked us", map[string]any{"redirect": s.RedirectURL})
	}
	return c.Next(), nil
}

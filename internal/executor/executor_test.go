package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	starts  []StepEvent
	retries []StepEvent
}

func (r *recorder) WillStart(_ context.Context, ev StepEvent) {
	r.mu.Lock()
	r.starts = append(r.starts, ev)
	r.mu.Unlock()
}

func (r *recorder) WillRetry(_ context.Context, ev StepEvent) {
	r.mu.Lock()
	r.retries = append(r.retries, ev)
	r.mu.Unlock()
}

func (r *recorder) startNames() []StepName {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StepName, 0, len(r.starts))
	for _, ev := range r.starts {
		out = append(out, ev.Step)
	}
	return out
}

func noDelay(time.Duration, error) time.Duration { return 0 }

func TestStepsRunInOrder(t *testing.T) {
	var visited []StepName
	step := func(name StepName) Step {
		return Step{Name: name, Handler: func(_ context.Context, c *Control) (Directive, error) {
			visited = append(visited, c.Current())
			return c.Next(), nil
		}}
	}
	rec := &recorder{}
	e, err := New([]Step{step("a"), step("b"), step("c")}, Options{Listeners: []Listener{rec}})
	require.NoError(t, err)

	out, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, out.Status)
	assert.Equal(t, StepName("c"), out.Step)
	assert.Equal(t, []StepName{"a", "b", "c"}, visited)
	assert.Equal(t, []StepName{"a", "b", "c"}, rec.startNames())
	assert.Empty(t, rec.retries)
}

func TestRetryKeepsPreviousAndResetsCount(t *testing.T) {
	type seen struct {
		prev  StepName
		count int
		retry bool
	}
	var onB []seen
	var onC []seen
	e, err := New([]Step{
		{Name: "a", Handler: func(_ context.Context, c *Control) (Directive, error) { return c.Next(), nil }},
		{Name: "b", Handler: func(_ context.Context, c *Control) (Directive, error) {
			onB = append(onB, seen{c.Previous(), c.RetryCount(), c.IsFromRetry()})
			if c.RetryCount() < 3 {
				return c.Retry(time.Millisecond), nil
			}
			return c.Next(), nil
		}},
		{Name: "c", Handler: func(_ context.Context, c *Control) (Directive, error) {
			onC = append(onC, seen{c.Previous(), c.RetryCount(), c.IsFromRetry()})
			return c.Next(), nil
		}},
	}, Options{Policy: noDelay})
	require.NoError(t, err)

	out, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, out.Status)
	assert.Equal(t, []seen{
		{"a", 0, false},
		{"a", 1, true},
		{"a", 2, true},
		{"a", 3, true},
	}, onB)
	assert.Equal(t, []seen{{"b", 0, false}}, onC)
}

func TestJumpBackwardAndForward(t *testing.T) {
	var order []StepName
	jumped := false
	e, err := New([]Step{
		{Name: "session", Handler: func(_ context.Context, c *Control) (Directive, error) {
			order = append(order, c.Current())
			if jumped {
				assert.Equal(t, StepName("payment"), c.Previous())
				return c.Jump("done"), nil
			}
			return c.Next(), nil
		}},
		{Name: "cart", Handler: func(_ context.Context, c *Control) (Directive, error) {
			order = append(order, c.Current())
			return c.Jump("payment"), nil
		}},
		{Name: "shipping", Handler: func(_ context.Context, c *Control) (Directive, error) {
			t.Fatal("shipping must be skipped")
			return c.Next(), nil
		}},
		{Name: "payment", Handler: func(_ context.Context, c *Control) (Directive, error) {
			order = append(order, c.Current())
			assert.Equal(t, StepName("cart"), c.Previous())
			jumped = true
			return c.Jump("session"), nil
		}},
		{Name: "done", Handler: func(_ context.Context, c *Control) (Directive, error) {
			order = append(order, c.Current())
			assert.Equal(t, StepName("session"), c.Previous())
			return c.Next(), nil
		}},
	}, Options{})
	require.NoError(t, err)

	out, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, out.Status)
	assert.Equal(t, []StepName{"session", "cart", "payment", "session", "done"}, order)
}

func TestErrorsAndPanicsAreRetried(t *testing.T) {
	var calls int
	var policyErrs []error
	rec := &recorder{}
	e, err := New([]Step{
		{Name: "flaky", Handler: func(_ context.Context, c *Control) (Directive, error) {
			calls++
			switch calls {
			case 1:
				return Directive{}, errors.New("connection reset")
			case 2:
				panic("boom")
			}
			return c.Next(), nil
		}},
	}, Options{
		RetryDelay: 5 * time.Second,
		Policy: func(d time.Duration, err error) time.Duration {
			assert.Equal(t, 5*time.Second, d)
			policyErrs = append(policyErrs, err)
			return 0
		},
		Listeners: []Listener{rec},
	})
	require.NoError(t, err)

	out, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, out.Status)
	assert.Equal(t, 3, calls)
	require.Len(t, policyErrs, 2)
	assert.EqualError(t, policyErrs[0], "connection reset")
	assert.Contains(t, policyErrs[1].Error(), "panicked")

	require.Len(t, rec.retries, 2)
	assert.Equal(t, 1, rec.retries[0].RetryCount)
	assert.Equal(t, 2, rec.retries[1].RetryCount)
	assert.Equal(t, 0, rec.starts[0].RetryCount)
}

func TestFailStopsRun(t *testing.T) {
	e, err := New([]Step{
		{Name: "pay", Handler: func(_ context.Context, c *Control) (Directive, error) { return c.Fail("Card declined"), nil }},
		{Name: "never", Handler: func(_ context.Context, c *Control) (Directive, error) {
			t.Fatal("unreachable")
			return c.Next(), nil
		}},
	}, Options{})
	require.NoError(t, err)

	out, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Outcome{Status: StatusFailed, Message: "Card declined", Step: "pay"}, out)
}

func TestUnknownJumpIsFatal(t *testing.T) {
	e, err := New([]Step{
		{Name: "a", Handler: func(_ context.Context, c *Control) (Directive, error) { return c.Jump("nowhere"), nil }},
	}, Options{})
	require.NoError(t, err)

	out, err := e.Run(context.Background())
	assert.ErrorIs(t, err, ErrUnknownStep)
	assert.Equal(t, StatusFailed, out.Status)
}

func TestNewRejectsBadSteps(t *testing.T) {
	h := func(_ context.Context, c *Control) (Directive, error) { return c.Next(), nil }
	_, err := New(nil, Options{})
	assert.ErrorIs(t, err, ErrNoSteps)
	_, err = New([]Step{{Name: "a", Handler: h}, {Name: "a", Handler: h}}, Options{})
	assert.Error(t, err)
	_, err = New([]Step{{Name: "a"}}, Options{})
	assert.Error(t, err)
}

func TestShutdownInterruptsDelay(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	e, err := New([]Step{
		{Name: "wait", Handler: func(_ context.Context, c *Control) (Directive, error) {
			once.Do(func() { close(started) })
			return c.Retry(time.Hour), nil
		}},
	}, Options{})
	require.NoError(t, err)

	result := make(chan Outcome, 1)
	go func() {
		out, _ := e.Run(context.Background())
		result <- out
	}()
	<-started
	e.Shutdown()
	e.Shutdown()

	select {
	case out := <-result:
		assert.Equal(t, StatusShutdown, out.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not interrupt the pending retry")
	}
	assert.True(t, e.IsShutdown())
}

func TestShutdownBeforeRunShortCircuits(t *testing.T) {
	e, err := New([]Step{
		{Name: "a", Handler: func(_ context.Context, c *Control) (Directive, error) {
			t.Fatal("must not run")
			return c.Next(), nil
		}},
	}, Options{})
	require.NoError(t, err)
	e.Shutdown()
	out, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusShutdown, out.Status)
}

func TestContextSlotCarriesAcrossJump(t *testing.T) {
	var got any
	e, err := New([]Step{
		{Name: "discover", Handler: func(_ context.Context, c *Control) (Directive, error) {
			c.SetContext("https://shop.example.com/checkouts/abc")
			return c.Jump("use"), nil
		}},
		{Name: "skip", Handler: func(_ context.Context, c *Control) (Directive, error) { return c.Next(), nil }},
		{Name: "use", Handler: func(_ context.Context, c *Control) (Directive, error) {
			got = c.Context()
			c.ClearContext()
			return c.Next(), nil
		}},
	}, Options{})
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example.com/checkouts/abc", got)
	assert.Nil(t, e.Context())
}

func TestAwaitReturnsDownstreamOutcome(t *testing.T) {
	var downstream Outcome
	e, err := New([]Step{
		{Name: "submit", Handler: func(ctx context.Context, c *Control) (Directive, error) {
			downstream = c.Await(ctx, c.Next())
			return c.Finish(downstream), nil
		}},
		{Name: "poll", Handler: func(_ context.Context, c *Control) (Directive, error) { return c.Fail("Payment failed"), nil }},
	}, Options{})
	require.NoError(t, err)

	out, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, downstream.Status)
	assert.Equal(t, "Payment failed", out.Message)
}

func TestAwaitThenRetryReanchors(t *testing.T) {
	var submits int
	e, err := New([]Step{
		{Name: "submit", Handler: func(ctx context.Context, c *Control) (Directive, error) {
			submits++
			if submits == 1 {
				out := c.Await(ctx, c.Next())
				require.Equal(t, StatusFailed, out.Status)
				return c.Retry(0), nil
			}
			return c.Jump("done"), nil
		}},
		{Name: "poll", Handler: func(_ context.Context, c *Control) (Directive, error) { return c.Fail("declined"), nil }},
		{Name: "done", Handler: func(_ context.Context, c *Control) (Directive, error) { return c.Next(), nil }},
	}, Options{})
	require.NoError(t, err)

	out, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, out.Status)
	assert.Equal(t, 2, submits)
}

func TestFollowEndsWithDownstream(t *testing.T) {
	e, err := New([]Step{
		{Name: "a", Handler: func(ctx context.Context, c *Control) (Directive, error) { return c.Follow(ctx, c.Jump("c")) }},
		{Name: "b", Handler: func(_ context.Context, c *Control) (Directive, error) { return c.Fail("b"), nil }},
		{Name: "c", Handler: func(_ context.Context, c *Control) (Directive, error) { return c.Next(), nil }},
	}, Options{})
	require.NoError(t, err)

	out, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, out.Status)
}

func TestAsyncStepsDrainBeforeAdvance(t *testing.T) {
	var preloaded atomic.Bool
	var attempts atomic.Int32
	e, err := New([]Step{
		{Name: "start", Handler: func(ctx context.Context, c *Control) (Directive, error) {
			c.AddAsyncStep(ctx, "preload", func(_ context.Context, ac *Control) (Directive, error) {
				if attempts.Add(1) < 2 {
					return Directive{}, errors.New("cart not ready")
				}
				time.Sleep(20 * time.Millisecond)
				preloaded.Store(true)
				return ac.Next(), nil
			})
			return c.Next(), nil
		}},
		{Name: "after", Handler: func(_ context.Context, c *Control) (Directive, error) {
			assert.True(t, preloaded.Load())
			return c.Next(), nil
		}},
	}, Options{Policy: noDelay})
	require.NoError(t, err)

	out, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, out.Status)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestFailCancelsAsyncSteps(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	e, err := New([]Step{
		{Name: "start", Handler: func(ctx context.Context, c *Control) (Directive, error) {
			c.AddAsyncStep(ctx, "preload", func(actx context.Context, ac *Control) (Directive, error) {
				close(started)
				<-actx.Done()
				close(cancelled)
				return ac.Next(), nil
			})
			<-started
			return c.Fail("stop"), nil
		}},
	}, Options{})
	require.NoError(t, err)

	out, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("async step was not cancelled")
	}
}

func TestSharedRetryDelay(t *testing.T) {
	var waited []time.Duration
	calls := 0
	e, err := New([]Step{
		{Name: "a", Handler: func(_ context.Context, c *Control) (Directive, error) {
			calls++
			if calls == 1 {
				c.SetRetryDelay(2 * time.Second)
				return Directive{}, errors.New("timeout")
			}
			return c.Next(), nil
		}},
	}, Options{
		RetryDelay: time.Second,
		Policy: func(d time.Duration, _ error) time.Duration {
			waited = append(waited, d)
			return 0
		},
	})
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Second}, waited)
	assert.Equal(t, 2*time.Second, e.RetryDelay())
}

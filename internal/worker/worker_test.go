package worker

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkout_engine/internal/challenge"
	"checkout_engine/internal/executor"
	"checkout_engine/internal/logbus"
	"checkout_engine/internal/model"
)

func sampleTask() *model.Task {
	return &model.Task{
		ID:      "t1",
		Store:   model.Store{URL: "https://kith.example.com", Platform: model.PlatformShopify},
		Monitor: "dunk-low",
		Profile: model.Profile{
			Email: "buyer@example.com",
			Shipping: model.Address{
				FirstName: "Ada", LastName: "Lovelace", Line1: "1 Main St",
				City: "Springfield", PostalCode: "12345", Country: "US",
			},
			Payment: model.Payment{Holder: "Ada Lovelace", Number: "4111111111111111", ExpMonth: 4, ExpYear: 2030, CVV: "123"},
		},
	}
}

type recorder struct {
	mu     sync.Mutex
	events map[string]int
}

func (r *recorder) Publish(typ string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = map[string]int{}
	}
	r.events[typ]++
}

func (r *recorder) Log(string, string, map[string]any) { r.Publish(logbus.TypeLog, nil) }

func (r *recorder) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[typ]
}

type fakeAdapter struct {
	steps     []executor.Step
	mu        sync.Mutex
	setups    int
	teardowns int
}

func (a *fakeAdapter) Name() string { return "fake" }

func (a *fakeAdapter) Setup(*Worker) error {
	a.mu.Lock()
	a.setups++
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) Steps() []executor.Step { return a.steps }

func (a *fakeAdapter) Teardown() {
	a.mu.Lock()
	a.teardowns++
	a.mu.Unlock()
}

func (a *fakeAdapter) teardownCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.teardowns
}

type fakeMediator struct {
	mu       sync.Mutex
	rotates  int
	updates  int
	products chan model.Product
}

func (m *fakeMediator) RotateProxy(_ context.Context, _ string, _ *model.Proxy) (*model.Proxy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotates++
	return &model.Proxy{ID: fmt.Sprintf("p%d", m.rotates), Host: "127.0.0.1", Port: "9"}, nil
}

func (m *fakeMediator) RequestChallenge(ctx context.Context, _ string, _ model.ChallengeRequest) (model.ChallengeAnswer, error) {
	<-ctx.Done()
	return model.ChallengeAnswer{}, fmt.Errorf("%w: %v", challenge.ErrCancelled, ctx.Err())
}

func (m *fakeMediator) RequestProduct(ctx context.Context, _, _ string) (model.Product, error) {
	select {
	case p := <-m.products:
		return p, nil
	case <-ctx.Done():
		return model.Product{}, ctx.Err()
	}
}

func (m *fakeMediator) AwaitProductUpdate(ctx context.Context, storeURL, monitor string) (model.Product, error) {
	return m.RequestProduct(ctx, storeURL, monitor)
}

func (m *fakeMediator) TaskUpdated(model.Task) {
	m.mu.Lock()
	m.updates++
	m.mu.Unlock()
}

func newWorker(t *testing.T, task *model.Task, a *fakeAdapter, m *fakeMediator, bus logbus.Publisher) *Worker {
	t.Helper()
	deps := Deps{Bus: bus, RetryDelay: time.Millisecond, ErrorDelay: time.Millisecond, Rand: rand.New(rand.NewPCG(1, 2))}
	if m != nil {
		deps.Mediator = m
	}
	w, err := New(task, a, deps)
	require.NoError(t, err)
	return w
}

func TestVariantFallbackResetsAfterExhaustion(t *testing.T) {
	w := newWorker(t, sampleTask(), &fakeAdapter{}, nil, nil)
	w.SetProduct(model.Product{ID: "p", Variants: []model.Variant{
		{ID: "A", Size: "9", InStock: false},
		{ID: "B", Size: "10", InStock: true},
		{ID: "C", Size: "11", InStock: true},
	}})

	first, ok := w.SetAnotherVariant()
	require.True(t, ok)
	second, ok := w.SetAnotherVariant()
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"B", "C"}, []string{first.ID, second.ID})

	third, ok := w.SetAnotherVariant()
	require.True(t, ok)
	assert.Contains(t, []string{"B", "C"}, third.ID)
	assert.NotEqual(t, second.ID, third.ID)
	assert.Equal(t, []string{third.ID}, w.AttemptedVariants())
	assert.Equal(t, third.ID, w.Snapshot().Variant.ID)
}

func TestSetAnotherVariantSkipsCurrentPick(t *testing.T) {
	p := model.Product{ID: "p", Variants: []model.Variant{
		{ID: "A", Size: "9", InStock: false},
		{ID: "B", Size: "10", InStock: true},
		{ID: "C", Size: "11", InStock: true},
	}}
	for seed := range uint64(50) {
		task := sampleTask()
		w, err := New(task, &fakeAdapter{}, Deps{RetryDelay: time.Millisecond, ErrorDelay: time.Millisecond, Rand: rand.New(rand.NewPCG(seed, 7))})
		require.NoError(t, err)
		w.SetProduct(p)

		first := w.RandomAvailableVariant(p, nil)
		require.NotNil(t, first)
		w.Update(func(mt *model.Task) { mt.Variant = first })

		next, ok := w.SetAnotherVariant()
		require.True(t, ok)
		assert.NotEqual(t, first.ID, next.ID, "seed %d", seed)
		assert.ElementsMatch(t, []string{"B", "C"}, w.AttemptedVariants())
	}
}

func TestSetAnotherVariantWithoutStock(t *testing.T) {
	w := newWorker(t, sampleTask(), &fakeAdapter{}, nil, nil)
	_, ok := w.SetAnotherVariant()
	assert.False(t, ok)

	w.SetProduct(model.Product{ID: "p", Variants: []model.Variant{{ID: "A", Size: "9"}}})
	_, ok = w.SetAnotherVariant()
	assert.False(t, ok)
}

func TestRandomAvailableVariantRespectsSizes(t *testing.T) {
	w := newWorker(t, sampleTask(), &fakeAdapter{}, nil, nil)
	p := model.Product{ID: "p", Variants: []model.Variant{
		{ID: "v9", Size: "9", InStock: true},
		{ID: "v10", Size: "10", InStock: false},
		{ID: "v105", Size: "10.5", InStock: true},
	}}
	assert.Nil(t, w.RandomAvailableVariant(p, []string{"10"}))

	v := w.RandomAvailableVariant(p, []string{"10.50"})
	require.NotNil(t, v)
	assert.Equal(t, "v105", v.ID)

	for range 20 {
		v := w.RandomAvailableVariant(p, []string{"random"})
		require.NotNil(t, v)
		assert.NotEqual(t, "v10", v.ID)
	}
}

func TestSizeMatches(t *testing.T) {
	cases := []struct {
		want, have string
		match      bool
	}{
		{"9", "9.0", true},
		{"M", "m", true},
		{" 10 ", "10", true},
		{"10", "10.5", false},
		{"XL", "L", false},
		{"", "9", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.match, SizeMatches(c.want, c.have), "%q vs %q", c.want, c.have)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	bus := &recorder{}
	a := &fakeAdapter{}
	w := newWorker(t, sampleTask(), a, nil, bus)

	w.Shutdown(&model.Status{Message: "Stopped", Severity: model.SeverityInfo})
	w.Shutdown(nil)

	assert.Equal(t, 1, a.teardownCount())
	assert.Equal(t, 1, bus.count(logbus.TypeWorkerShutdown))
	assert.True(t, w.IsShutdown())
	snap := w.Snapshot()
	assert.Equal(t, model.ExitStopped, snap.Outcome)
	assert.Equal(t, "Stopped", snap.Status.Message)

	logs := bus.count(logbus.TypeLog)
	w.SetStatus("late", model.SeverityInfo)
	w.Log(logbus.LevelInfo, "late", nil)
	assert.Equal(t, logs, bus.count(logbus.TypeLog))
	assert.Equal(t, "Stopped", w.Snapshot().Status.Message)
}

func TestGoToWorkCompletes(t *testing.T) {
	var visited []executor.StepName
	step := func(name executor.StepName) executor.Step {
		return executor.Step{Name: name, Handler: func(_ context.Context, c *executor.Control) (executor.Directive, error) {
			visited = append(visited, c.Current())
			return c.Next(), nil
		}}
	}
	a := &fakeAdapter{steps: []executor.Step{step("session"), step("cart"), step("submit")}}
	bus := &recorder{}
	w := newWorker(t, sampleTask(), a, &fakeMediator{}, bus)

	out, err := w.GoToWork(context.Background())
	require.NoError(t, err)
	assert.Equal(t, executor.StatusComplete, out.Status)
	assert.Equal(t, []executor.StepName{"session", "cart", "submit"}, visited)
	assert.Equal(t, model.ExitCheckedOut, w.Snapshot().Outcome)
	assert.False(t, w.Snapshot().Running)
	assert.Equal(t, 1, a.teardownCount())
	assert.Equal(t, 1, bus.count(logbus.TypeWorkerShutdown))
}

func TestGoToWorkReportsFailure(t *testing.T) {
	a := &fakeAdapter{steps: []executor.Step{{Name: "payment", Handler: func(_ context.Context, c *executor.Control) (executor.Directive, error) {
		return c.Fail("Card declined"), nil
	}}}}
	w := newWorker(t, sampleTask(), a, nil, nil)
	out, err := w.GoToWork(context.Background())
	require.NoError(t, err)
	assert.Equal(t, executor.StatusFailed, out.Status)
	snap := w.Snapshot()
	assert.Equal(t, model.ExitFailed, snap.Outcome)
	assert.Equal(t, model.Status{Message: "Card declined", Severity: model.SeverityError}, snap.Status)
}

func TestFirstStepRetryRotatesProxy(t *testing.T) {
	attempts := 0
	a := &fakeAdapter{steps: []executor.Step{{Name: "session", Handler: func(_ context.Context, c *executor.Control) (executor.Directive, error) {
		attempts++
		if attempts == 1 {
			return c.Retry(0), nil
		}
		return c.Next(), nil
	}}}}
	m := &fakeMediator{}
	w := newWorker(t, sampleTask(), a, m, nil)
	w.Session().SetCookies("https://kith.example.com/", []model.Cookie{{Name: "cart", Value: "abc"}})

	_, err := w.GoToWork(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, m.rotates)
	assert.Equal(t, "p1", w.Snapshot().Proxy.ID)
	assert.Empty(t, w.Session().Cookies("https://kith.example.com/"))
}

func TestShutdownPreemptsRunningStep(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	entered := make(chan struct{})
	a := &fakeAdapter{steps: []executor.Step{{Name: "stuck", Handler: func(context.Context, *executor.Control) (executor.Directive, error) {
		close(entered)
		<-release
		return executor.Directive{}, nil
	}}}}
	w := newWorker(t, sampleTask(), a, nil, nil)

	done := make(chan executor.Outcome, 1)
	go func() {
		out, _ := w.GoToWork(context.Background())
		done <- out
	}()
	<-entered
	w.Shutdown(nil)
	select {
	case out := <-done:
		assert.Equal(t, executor.StatusShutdown, out.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not pre-empt the running step")
	}
	assert.Equal(t, model.ExitStopped, w.Snapshot().Outcome)
}

func TestChallengeRequestCancelledByShutdown(t *testing.T) {
	w := newWorker(t, sampleTask(), &fakeAdapter{}, &fakeMediator{}, nil)
	errc := make(chan error, 1)
	go func() {
		_, err := w.RequestChallengeResponse(context.Background(), model.ChallengeRequest{Family: model.PuzzleRecaptchaV2})
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	w.Shutdown(nil)
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrShutdown)
	case <-time.After(2 * time.Second):
		t.Fatal("challenge request survived shutdown")
	}
}

func TestRequestProductResetsHistory(t *testing.T) {
	m := &fakeMediator{products: make(chan model.Product, 2)}
	w := newWorker(t, sampleTask(), &fakeAdapter{}, m, nil)
	m.products <- model.Product{ID: "p1", Variants: []model.Variant{{ID: "a", Size: "9", InStock: true}}}
	_, err := w.RequestProduct(context.Background())
	require.NoError(t, err)
	_, ok := w.SetAnotherVariant()
	require.True(t, ok)
	assert.Len(t, w.AttemptedVariants(), 1)

	m.products <- model.Product{ID: "p2", Variants: []model.Variant{{ID: "b", Size: "9", InStock: true}}}
	p, err := w.AwaitProductUpdate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "p2", p.ID)
	assert.Empty(t, w.AttemptedVariants())
	assert.Nil(t, w.Snapshot().Variant)
}

func TestHoldDelayPassesThrough(t *testing.T) {
	task := sampleTask()
	a := &fakeAdapter{}
	w, err := New(task, a, Deps{SnapToMinute: true})
	require.NoError(t, err)

	assert.LessOrEqual(t, w.ModifyDelay(2*time.Minute, nil), time.Minute)
	w.HoldDelay()
	assert.Equal(t, 2*time.Minute, w.ModifyDelay(2*time.Minute, nil))
	assert.LessOrEqual(t, w.ModifyDelay(2*time.Minute, nil), time.Minute)
}

func TestBumpTimeoutIsCapped(t *testing.T) {
	w, err := New(sampleTask(), &fakeAdapter{}, Deps{MaxTimeout: 25 * time.Second})
	require.NoError(t, err)
	w.Session().SetTimeout(20 * time.Second)
	assert.Equal(t, 25*time.Second, w.BumpTimeout())
	assert.Equal(t, 25*time.Second, w.Session().Timeout())
}

func TestUserAgentIsStable(t *testing.T) {
	w := newWorker(t, sampleTask(), &fakeAdapter{}, nil, nil)
	assert.True(t, IsDesktopUserAgent(w.UserAgent()))
	assert.Equal(t, w.UserAgent(), w.Session().UserAgent())
	assert.Equal(t, w.UserAgent(), w.NewPage(nil).UserAgent())
}

func TestInvalidTaskRejected(t *testing.T) {
	task := sampleTask()
	task.Monitor = ""
	_, err := New(task, &fakeAdapter{}, Deps{})
	assert.Error(t, err)
}

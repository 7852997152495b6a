package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkout_engine/internal/executor"
	"checkout_engine/internal/logbus"
	"checkout_engine/internal/model"
)

func TestListenerCountsSteps(t *testing.T) {
	c, err := NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)

	l := c.Listener()
	ctx := context.Background()
	l.WillStart(ctx, executor.StepEvent{Step: "cart"})
	l.WillStart(ctx, executor.StepEvent{Step: "cart", RetryCount: 1})
	l.WillRetry(ctx, executor.StepEvent{Step: "cart"})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.stepsStarted.WithLabelValues("cart")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepRetries.WithLabelValues("cart")))
}

func TestDuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewCollector(reg)
	require.NoError(t, err)
	_, err = NewCollector(reg)
	assert.Error(t, err)
}

func TestWatchFollowsBus(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)
	bus := logbus.New(32)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		c.Watch(ctx, bus)
		close(done)
	}()
	// let the subscription land before publishing
	require.Eventually(t, func() bool {
		bus.Publish(logbus.TypeQueueProgress, nil)
		return testutil.ToFloat64(c.queue) > 0
	}, time.Second, 5*time.Millisecond)

	bus.Publish(logbus.TypeEngineState, model.TaskState{TaskID: "a", Running: true})
	bus.Publish(logbus.TypeEngineState, model.TaskState{TaskID: "b", Running: true})
	bus.Publish(logbus.TypeEngineState, model.TaskState{TaskID: "a", Running: false})
	bus.Publish(logbus.TypeCheckout, model.CheckoutEvent{Store: "shop.example.com"})
	bus.Publish(logbus.TypeWorkerShutdown, map[string]any{"outcome": model.ExitCheckedOut})
	bus.Publish(logbus.TypeChallengeRequested, nil)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.challenges.WithLabelValues("requested")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.running))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.checkouts.WithLabelValues("shop.example.com")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workersEnded.WithLabelValues("checked_out")))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "checkout_workers_running 1"))

	cancel()
	<-done
}

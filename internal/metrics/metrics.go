// Package metrics exposes Prometheus collectors for workers, steps,
// challenges and checkouts.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"checkout_engine/internal/executor"
	"checkout_engine/internal/logbus"
	"checkout_engine/internal/model"
)

type Collector struct {
	stepsStarted *prometheus.CounterVec
	stepRetries  *prometheus.CounterVec
	workersEnded *prometheus.CounterVec
	checkouts    *prometheus.CounterVec
	challenges   *prometheus.CounterVec
	queue        prometheus.Counter
	running      prometheus.Gauge

	mu    sync.Mutex
	tasks map[string]bool
}

// NewCollector registers every metric with reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		stepsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_steps_started_total",
			Help: "Step attempts started, first attempts included",
		}, []string{"step"}),
		stepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_step_retries_total",
			Help: "Step retries scheduled",
		}, []string{"step"}),
		workersEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_workers_ended_total",
			Help: "Workers shut down, by exit outcome",
		}, []string{"outcome"}),
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_orders_total",
			Help: "Orders placed",
		}, []string{"store"}),
		challenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_challenges_total",
			Help: "Challenge requests by event",
		}, []string{"event"}),
		queue: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkout_queue_updates_total",
			Help: "Waiting room progress updates",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "checkout_workers_running",
			Help: "Tasks with a running worker",
		}),
		tasks: make(map[string]bool),
	}
	for _, col := range []prometheus.Collector{c.stepsStarted, c.stepRetries, c.workersEnded, c.checkouts, c.challenges, c.queue, c.running} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}
	return c, nil
}

// Listener counts step starts and retries of the executors it is attached
// to.
func (c *Collector) Listener() executor.Listener {
	return executor.ListenerFuncs{
		OnWillStart: func(_ context.Context, ev executor.StepEvent) {
			c.stepsStarted.WithLabelValues(string(ev.Step)).Inc()
		},
		OnWillRetry: func(_ context.Context, ev executor.StepEvent) {
			c.stepRetries.WithLabelValues(string(ev.Step)).Inc()
		},
	}
}

// Watch feeds the collectors from bus events until ctx ends.
func (c *Collector) Watch(ctx context.Context, bus *logbus.Bus) {
	ch, cancel := bus.Subscribe(256,
		logbus.TypeWorkerShutdown,
		logbus.TypeCheckout,
		logbus.TypeChallengeRequested,
		logbus.TypeChallengeSolved,
		logbus.TypeChallengeCancelled,
		logbus.TypeQueueProgress,
		logbus.TypeEngineState,
	)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.observe(msg)
		}
	}
}

func (c *Collector) observe(msg logbus.Message) {
	switch msg.Type {
	case logbus.TypeWorkerShutdown:
		if m, ok := msg.Data.(map[string]any); ok {
			c.workersEnded.WithLabelValues(fmt.Sprint(m["outcome"])).Inc()
		}
	case logbus.TypeCheckout:
		if ev, ok := msg.Data.(model.CheckoutEvent); ok {
			c.checkouts.WithLabelValues(ev.Store).Inc()
		}
	case logbus.TypeChallengeRequested:
		c.challenges.WithLabelValues("requested").Inc()
	case logbus.TypeChallengeSolved:
		c.challenges.WithLabelValues("solved").Inc()
	case logbus.TypeChallengeCancelled:
		c.challenges.WithLabelValues("cancelled").Inc()
	case logbus.TypeQueueProgress:
		c.queue.Inc()
	case logbus.TypeEngineState:
		st, ok := msg.Data.(model.TaskState)
		if !ok {
			return
		}
		c.mu.Lock()
		if st.Running {
			c.tasks[st.TaskID] = true
		} else {
			delete(c.tasks, st.TaskID)
		}
		c.running.Set(float64(len(c.tasks)))
		c.mu.Unlock()
	}
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

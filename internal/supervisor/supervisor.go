// Package supervisor owns the running workers: at most one per task id,
// restarted when a run crashes, and the shared state they mediate through
// (proxy groups, product cache, challenge broker, presolved queue sessions,
// outbound rate limits).
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"checkout_engine/internal/challenge"
	"checkout_engine/internal/config"
	"checkout_engine/internal/executor"
	"checkout_engine/internal/logbus"
	"checkout_engine/internal/model"
	"checkout_engine/internal/productcache"
	"checkout_engine/internal/proxy"
	"checkout_engine/internal/session"
	"checkout_engine/internal/waitroom"
	"checkout_engine/internal/worker"
)

var (
	ErrNotRunning       = errors.New("supervisor: task is not running")
	ErrUnknownPlatform  = errors.New("supervisor: no adapter for platform")
	ErrTooManyWorkers   = errors.New("supervisor: worker limit reached")
	ErrSupervisorClosed = errors.New("supervisor: stopped")
)

type Options struct {
	Bus       *logbus.Bus
	Limits    config.LimitsConfig
	HTTP      config.HTTPConfig
	Task      config.TaskConfig
	Queue     config.QueueConfig
	Proxies   *proxy.Registry
	Products  *productcache.Cache
	Broker    *challenge.Broker
	Presolve  *waitroom.PresolveCache
	PowSolver waitroom.PowSolver
	// Listeners observe every worker's executor, e.g. metrics.
	Listeners []executor.Listener
	// Transport replaces the HTTP transport of every session; tests use it.
	Transport http.RoundTripper
}

type run struct {
	task     model.Task
	worker   *worker.Worker
	restarts int
	cancel   context.CancelFunc
	done     chan struct{}
}

type Supervisor struct {
	bus       *logbus.Bus
	pub       logbus.Publisher
	limits    config.LimitsConfig
	http      config.HTTPConfig
	taskCfg   config.TaskConfig
	queue     config.QueueConfig
	proxies   *proxy.Registry
	products  *productcache.Cache
	broker    *challenge.Broker
	presolve  *waitroom.PresolveCache
	powSolver waitroom.PowSolver
	listeners []executor.Listener
	transport http.RoundTripper

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	factories map[model.Platform]worker.AdapterFactory
	fetchers  map[model.Platform]Fetcher
	runs      map[string]*run
	states    map[string]*model.TaskState
	monitors  map[monitorKey]*monitorRef
	global    *rate.Limiter
	perStore  map[string]*rate.Limiter
}

func New(opts Options) *Supervisor {
	if opts.Proxies == nil {
		opts.Proxies = proxy.NewRegistry()
	}
	if opts.Products == nil {
		opts.Products = productcache.New()
	}
	if opts.Presolve == nil {
		opts.Presolve = waitroom.NewPresolveCache(opts.Queue.PresolveTTL())
	}
	var pub logbus.Publisher = logbus.Discard{}
	if opts.Bus != nil {
		pub = opts.Bus
	}
	if opts.Broker == nil {
		opts.Broker = challenge.NewBroker(pub, challenge.NewBank(0, 0), nil)
	}

	globalQPS := opts.Limits.GlobalQPS
	if globalQPS <= 0 {
		globalQPS = 50
	}
	globalBurst := opts.Limits.GlobalBurst
	if globalBurst <= 0 {
		globalBurst = 100
	}

	s := &Supervisor{
		bus:       opts.Bus,
		pub:       pub,
		limits:    opts.Limits,
		http:      opts.HTTP,
		taskCfg:   opts.Task,
		queue:     opts.Queue,
		proxies:   opts.Proxies,
		products:  opts.Products,
		broker:    opts.Broker,
		presolve:  opts.Presolve,
		powSolver: opts.PowSolver,
		listeners: opts.Listeners,
		transport: opts.Transport,
		factories: make(map[model.Platform]worker.AdapterFactory),
		fetchers:  make(map[model.Platform]Fetcher),
		runs:      make(map[string]*run),
		states:    make(map[string]*model.TaskState),
		monitors:  make(map[monitorKey]*monitorRef),
		global:    rate.NewLimiter(rate.Limit(globalQPS), globalBurst),
		perStore:  make(map[string]*rate.Limiter),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func (s *Supervisor) Products() *productcache.Cache { return s.products }
func (s *Supervisor) Proxies() *proxy.Registry      { return s.proxies }
func (s *Supervisor) Broker() *challenge.Broker     { return s.broker }

func (s *Supervisor) RegisterAdapter(platform model.Platform, factory worker.AdapterFactory) {
	s.mu.Lock()
	s.factories[platform] = factory
	s.mu.Unlock()
}

// Start launches a worker for task. A worker already running for the same
// task id is shut down and awaited first.
func (s *Supervisor) Start(ctx context.Context, task model.Task) error {
	if err := model.ValidateTask(task); err != nil {
		return err
	}
	s.mu.Lock()
	factory, ok := s.factories[task.Store.Platform]
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSupervisorClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlatform, task.Store.Platform)
	}

	if err := s.Stop(task.ID); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSupervisorClosed
	}
	if _, dup := s.runs[task.ID]; dup {
		return fmt.Errorf("supervisor: task %s started concurrently", task.ID)
	}
	if s.limits.MaxWorkers > 0 && len(s.runs) >= s.limits.MaxWorkers {
		return ErrTooManyWorkers
	}
	if task.Proxy == nil && task.ProxyGroup != "" {
		g, err := s.proxies.Get(task.ProxyGroup)
		if err != nil {
			return err
		}
		p, err := g.Acquire()
		if err != nil {
			return err
		}
		task.Proxy = &p
	}

	runCtx, cancel := context.WithCancel(s.ctx)
	r := &run{task: task.Clone(), cancel: cancel, done: make(chan struct{})}
	s.runs[task.ID] = r
	st := &model.TaskState{TaskID: task.ID, Running: true, StartedAt: time.Now().UnixMilli()}
	s.states[task.ID] = st
	s.publishStateLocked(*st)
	s.acquireMonitorLocked(task)

	s.wg.Add(1)
	go s.loop(runCtx, r, factory)
	s.pub.Log(logbus.LevelInfo, "task started", map[string]any{"taskId": task.ID, "store": task.Store.URL, "platform": task.Store.Platform})
	return nil
}

// loop runs workers for r until one ends without crashing or the restart
// budget is spent.
func (s *Supervisor) loop(ctx context.Context, r *run, factory worker.AdapterFactory) {
	defer s.wg.Done()
	defer s.finishRun(r)

	for {
		s.mu.Lock()
		task := r.task.Clone()
		s.mu.Unlock()
		task.Status = model.Status{}
		task.Outcome = model.ExitNone

		adapter, err := factory(task)
		if err != nil {
			s.crashed(r, fmt.Errorf("adapter: %w", err))
			return
		}
		w, err := worker.New(&task, adapter, s.deps(task))
		if err != nil {
			s.crashed(r, err)
			return
		}
		s.mu.Lock()
		r.worker = w
		s.mu.Unlock()
		if ctx.Err() != nil {
			w.Shutdown(nil)
			return
		}

		_, err = w.GoToWork(ctx)
		if err == nil || errors.Is(err, worker.ErrShutdown) || ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		r.restarts++
		restarts := r.restarts
		if st := s.states[task.ID]; st != nil {
			st.Restarts = restarts
		}
		s.mu.Unlock()
		if restarts > s.maxRestarts() {
			s.pub.Log(logbus.LevelError, "worker crashed, giving up", map[string]any{"taskId": task.ID, "restarts": restarts - 1, "error": err.Error()})
			return
		}
		s.pub.Log(logbus.LevelWarn, "worker crashed, restarting", map[string]any{"taskId": task.ID, "restart": restarts, "error": err.Error()})

		t := time.NewTimer(s.taskCfg.ErrorDelay())
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (s *Supervisor) maxRestarts() int {
	if s.limits.MaxRestarts < 0 {
		return 0
	}
	if s.limits.MaxRestarts == 0 {
		return 3
	}
	return s.limits.MaxRestarts
}

func (s *Supervisor) crashed(r *run, err error) {
	s.pub.Log(logbus.LevelError, "worker could not be created", map[string]any{"taskId": r.task.ID, "error": err.Error()})
	s.mu.Lock()
	if st := s.states[r.task.ID]; st != nil {
		st.Outcome = model.ExitCrashed
		st.Status = model.Status{Message: err.Error(), Severity: model.SeverityError}
	}
	s.mu.Unlock()
}

func (s *Supervisor) finishRun(r *run) {
	s.mu.Lock()
	if s.runs[r.task.ID] == r {
		delete(s.runs, r.task.ID)
	}
	if st := s.states[r.task.ID]; st != nil {
		st.Running = false
		s.publishStateLocked(*st)
	}
	s.releaseMonitorLocked(r.task)
	if r.task.Proxy != nil && r.task.ProxyGroup != "" {
		if g, err := s.proxies.Get(r.task.ProxyGroup); err == nil {
			g.Release(r.task.Proxy.ID)
		}
	}
	s.mu.Unlock()
	r.cancel()
	close(r.done)
}

// Stop shuts the task's worker down and waits for its run to end.
func (s *Supervisor) Stop(taskID string) error {
	s.mu.Lock()
	r, ok := s.runs[taskID]
	var w *worker.Worker
	if ok {
		w = r.worker
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	r.cancel()
	if w != nil {
		w.Shutdown(&model.Status{Message: "Stopped", Severity: model.SeverityInfo})
	}
	<-r.done
	s.pub.Log(logbus.LevelInfo, "task stopped", map[string]any{"taskId": taskID})
	return nil
}

// StopAll stops every worker and refuses new starts.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.mu.Lock()
		r := s.runs[id]
		var w *worker.Worker
		if r != nil {
			w = r.worker
		}
		s.mu.Unlock()
		if r == nil {
			continue
		}
		r.cancel()
		if w != nil {
			w.Shutdown(&model.Status{Message: "Stopped", Severity: model.SeverityInfo})
		}
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.pub.Log(logbus.LevelInfo, "supervisor stopped", nil)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Update patches a task. A running worker sees the change immediately; a
// crash restart starts from the patched task.
func (s *Supervisor) Update(taskID string, patch func(t *model.Task)) error {
	s.mu.Lock()
	r, ok := s.runs[taskID]
	var w *worker.Worker
	if ok {
		patch(&r.task)
		w = r.worker
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	if w == nil {
		return nil
	}
	before := w.Snapshot().Proxy
	w.Update(patch)
	after := w.Snapshot().Proxy
	if proxyChanged(before, after) {
		if after == nil {
			w.Session().RemoveProxy()
		} else {
			w.Session().SetProxy(after)
		}
	}
	return nil
}

func proxyChanged(a, b *model.Proxy) bool {
	if a == nil || b == nil {
		return a != b
	}
	return *a != *b
}

func (s *Supervisor) SubmitChallenge(taskID string, answer model.ChallengeAnswer) error {
	return s.broker.AnswerTask(taskID, answer)
}

func (s *Supervisor) RetryChallenge(taskID string) error {
	return s.broker.RetryTask(taskID)
}

func (s *Supervisor) Running(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[taskID]
	return ok
}

func (s *Supervisor) Snapshot(taskID string) (model.Task, bool) {
	s.mu.Lock()
	r, ok := s.runs[taskID]
	var (
		w    *worker.Worker
		task model.Task
	)
	if ok {
		w, task = r.worker, r.task.Clone()
	}
	s.mu.Unlock()
	if !ok {
		return model.Task{}, false
	}
	if w != nil {
		return w.Snapshot(), true
	}
	return task, true
}

func (s *Supervisor) State() model.EngineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := model.EngineState{Tasks: make([]model.TaskState, 0, len(s.states))}
	for _, st := range s.states {
		out.Tasks = append(out.Tasks, *st)
	}
	sort.Slice(out.Tasks, func(i, j int) bool { return out.Tasks[i].TaskID < out.Tasks[j].TaskID })
	return out
}

func (s *Supervisor) publishStateLocked(st model.TaskState) {
	s.pub.Publish(logbus.TypeEngineState, st)
}

func (s *Supervisor) deps(task model.Task) worker.Deps {
	sess := session.DefaultOptions()
	sess.Timeout = s.http.Timeout()
	sess.Retry = session.RetryOptions{Count: s.http.Retry.Count, Wait: s.http.Retry.Wait(), MaxWait: s.http.Retry.MaxWait()}
	sess.IgnoreServerErrors = s.http.ServerErrorsRetried()
	sess.HideTimedOut = s.http.HideTimedOut
	sess.Limiters = s.limiters(task.Store.URL)
	sess.Transport = s.transport
	return worker.Deps{
		Mediator:     s,
		Bus:          s.pub,
		Session:      sess,
		MaxTimeout:   s.http.MaxTimeout(),
		RetryDelay:   s.taskCfg.RetryDelay(),
		ErrorDelay:   s.taskCfg.ErrorDelay(),
		MonitorDelay: s.taskCfg.MonitorDelay(),
		SnapToMinute: s.taskCfg.SnapToMinute,
		MinDelay:     s.taskCfg.MinDelay(),
		Presolve:     s.presolve,
		PowSolver:    s.powSolver,
		QueuePoll:    s.queue.PollInterval(),
		Listeners:    s.listeners,
	}
}

func (s *Supervisor) limiters(storeURL string) []session.Limiter {
	key := productcache.StoreKey(storeURL)
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.perStore[key]
	if l == nil {
		qps := s.limits.PerStoreQPS
		if qps <= 0 {
			qps = 10
		}
		burst := s.limits.PerStoreBurst
		if burst <= 0 {
			burst = 20
		}
		l = rate.NewLimiter(rate.Limit(qps), burst)
		s.perStore[key] = l
	}
	return []session.Limiter{s.global, l}
}

package httpapi

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"checkout_engine/internal/challenge"
	"checkout_engine/internal/config"
	"checkout_engine/internal/logbus"
	"checkout_engine/internal/metrics"
	"checkout_engine/internal/proxy"
	"checkout_engine/internal/schedule"
	"checkout_engine/internal/store/sqlite"
	"checkout_engine/internal/supervisor"
	"checkout_engine/internal/ws"
)

type Options struct {
	Cfg        config.Config
	Bus        *logbus.Bus
	Store      *sqlite.Store
	Supervisor *supervisor.Supervisor
	Scheduler  *schedule.Scheduler // optional
	Gatherer   prometheus.Gatherer // optional; enables /metrics
}

// Server is the control surface over the supervisor and its store.
type Server struct {
	cfg   config.Config
	bus   *logbus.Bus
	store *sqlite.Store
	sup   *supervisor.Supervisor
	sched *schedule.Scheduler
	gath  prometheus.Gatherer
	ws    *ws.Handler
}

func New(opts Options) *Server {
	return &Server{
		cfg:   opts.Cfg,
		bus:   opts.Bus,
		store: opts.Store,
		sup:   opts.Supervisor,
		sched: opts.Scheduler,
		gath:  opts.Gatherer,
		ws:    ws.NewHandler(opts.Bus, opts.Cfg.Server.Cors.AllowOrigins),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) { writeOK(w) })
	mux.Handle("/ws", s.ws)
	if s.gath != nil {
		mux.Handle("GET /metrics", metrics.Handler(s.gath))
	}

	api := http.NewServeMux()
	api.HandleFunc("GET /api/v1/tasks", s.listTasks)
	api.HandleFunc("POST /api/v1/tasks", s.saveTask)
	api.HandleFunc("DELETE /api/v1/tasks", s.deleteTask)
	api.HandleFunc("POST /api/v1/tasks/{id}/start", s.startTask)
	api.HandleFunc("POST /api/v1/tasks/{id}/stop", s.stopTask)
	api.HandleFunc("POST /api/v1/engine/stop", s.stopEngine)
	api.HandleFunc("GET /api/v1/state", s.state)

	api.HandleFunc("GET /api/v1/profiles", s.listProfiles)
	api.HandleFunc("POST /api/v1/profiles", s.saveProfile)
	api.HandleFunc("DELETE /api/v1/profiles", s.deleteProfile)

	api.HandleFunc("GET /api/v1/proxies", s.listProxies)
	api.HandleFunc("POST /api/v1/proxies", s.saveProxies)
	api.HandleFunc("DELETE /api/v1/proxies", s.deleteProxies)

	api.HandleFunc("GET /api/v1/challenges", s.listChallenges)
	api.HandleFunc("GET /api/v1/challenges/tokens", s.listTokens)
	api.HandleFunc("POST /api/v1/challenges/tokens", s.addToken)
	api.HandleFunc("POST /api/v1/challenges/{taskId}/answer", s.answerChallenge)
	api.HandleFunc("POST /api/v1/challenges/{taskId}/retry", s.retryChallenge)

	api.HandleFunc("GET /api/v1/settings/email", s.getEmailSettings)
	api.HandleFunc("POST /api/v1/settings/email", s.saveEmailSettings)

	mux.Handle("/api/", corsMiddleware(s.cfg.Server.Cors, api))
	return mux
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, sqlite.ErrNotFound),
		errors.Is(err, supervisor.ErrNotRunning),
		errors.Is(err, challenge.ErrNoPending),
		errors.Is(err, proxy.ErrUnknownGroup):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrTooManyWorkers),
		errors.Is(err, supervisor.ErrSupervisorClosed):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrUnknownPlatform),
		errors.Is(err, proxy.ErrEmptyGroup):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"checkout_engine/internal/adapter/footsite"
	"checkout_engine/internal/adapter/shopify"
	"checkout_engine/internal/challenge"
	"checkout_engine/internal/config"
	"checkout_engine/internal/executor"
	"checkout_engine/internal/httpapi"
	"checkout_engine/internal/logbus"
	"checkout_engine/internal/logsink"
	"checkout_engine/internal/metrics"
	"checkout_engine/internal/model"
	"checkout_engine/internal/notify"
	"checkout_engine/internal/proxy"
	"checkout_engine/internal/schedule"
	"checkout_engine/internal/store/sqlite"
	"checkout_engine/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config.yaml (or .toml)")
	vaultURL := flag.String("shopify-vault", "", "card vault endpoint for Shopify checkouts (default: Shopify's)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := logbus.New(200)
	go logsink.Mirror(ctx, bus, logsink.NewConsole(cfg.Logging.Level))
	bus.Log(logbus.LevelInfo, "server starting", map[string]any{"addr": cfg.Server.Addr})

	store, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()
	if err := store.MarkAllStopped(ctx); err != nil {
		log.Fatalf("reset task state: %v", err)
	}
	go store.Watch(ctx, bus)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	col, err := metrics.NewCollector(reg)
	if err != nil {
		log.Fatalf("metrics: %v", err)
	}
	go col.Watch(ctx, bus)

	proxies := proxy.NewRegistry()
	groups, err := store.ProxyGroups(ctx)
	if err != nil {
		log.Fatalf("load proxy groups: %v", err)
	}
	for name, lines := range cfg.Proxies {
		if _, saved := groups[name]; !saved {
			groups[name] = lines
		}
	}
	if err := proxies.Load(groups); err != nil {
		log.Fatalf("proxies: %v", err)
	}

	bank := challenge.NewBank(cfg.Challenge.TokenTTL(), cfg.Challenge.BankSize)
	sup := supervisor.New(supervisor.Options{
		Bus:       bus,
		Limits:    cfg.Limits,
		HTTP:      cfg.HTTP,
		Task:      cfg.Task,
		Queue:     cfg.Queue,
		Proxies:   proxies,
		Broker:    challenge.NewBroker(bus, bank, nil),
		Listeners: []executor.Listener{col.Listener()},
	})
	sup.RegisterAdapter(model.PlatformShopify, shopify.Factory(shopify.Options{VaultURL: *vaultURL}))
	sup.RegisterAdapter(model.PlatformFootsite, footsite.Factory())
	sup.RegisterMonitor(model.PlatformShopify, shopify.Monitor)
	sup.RegisterMonitor(model.PlatformFootsite, footsite.Monitor)

	sched := schedule.New(sup, bus)
	scheduled, err := store.ListScheduledTasks(ctx)
	if err != nil {
		log.Fatalf("load scheduled tasks: %v", err)
	}
	for _, t := range scheduled {
		if err := sched.Add(t); err != nil {
			bus.Log(logbus.LevelWarn, "skip invalid schedule", map[string]any{"taskId": t.ID, "error": err.Error()})
		}
	}
	sched.Start()

	mailer := notify.NewEmailNotifier(notify.Options{
		Settings: store,
		Defaults: model.EmailSettings{
			Enabled:  cfg.Notify.Email.Enabled,
			To:       cfg.Notify.Email.To,
			From:     cfg.Notify.Email.From,
			Host:     cfg.Notify.Email.Host,
			Port:     cfg.Notify.Email.Port,
			Username: cfg.Notify.Email.Username,
			Password: cfg.Notify.Email.Password,
		},
		SummaryWindow: cfg.Notify.Email.SummaryWindow(),
	}, bus)
	go notify.Watch(ctx, bus, mailer)

	api := httpapi.New(httpapi.Options{
		Cfg:        cfg,
		Bus:        bus,
		Store:      store,
		Supervisor: sup,
		Scheduler:  sched,
		Gatherer:   reg,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		bus.Log(logbus.LevelInfo, "shutdown signal received", map[string]any{"signal": sig.String()})
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			bus.Log(logbus.LevelError, "http server error", map[string]any{"error": err.Error()})
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	_ = sched.Stop(shutdownCtx)
	if err := sup.StopAll(shutdownCtx); err != nil {
		bus.Log(logbus.LevelWarn, "workers did not stop in time", map[string]any{"error": err.Error()})
	}
	_ = server.Shutdown(shutdownCtx)
	_ = mailer.Close(shutdownCtx)
	bus.Log(logbus.LevelInfo, "server stopped", nil)
	// Let the sinks drain before the bus goes away.
	time.Sleep(100 * time.Millisecond)
	cancel()
	bus.Close()
}

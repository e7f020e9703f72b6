// Package main is the entry point for the CareSync ingestion daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caresync/ingest/internal/buildinfo"
	"github.com/caresync/ingest/internal/classifier"
	"github.com/caresync/ingest/internal/config"
	"github.com/caresync/ingest/internal/connwatch"
	"github.com/caresync/ingest/internal/directory"
	"github.com/caresync/ingest/internal/events"
	"github.com/caresync/ingest/internal/llm"
	"github.com/caresync/ingest/internal/mail"
	"github.com/caresync/ingest/internal/opstate"
	"github.com/caresync/ingest/internal/router"
	"github.com/caresync/ingest/internal/scheduler"
	"github.com/caresync/ingest/internal/store"
	"github.com/caresync/ingest/internal/webhook"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("%-12s %s\n", k+":", v)
		}
		return
	}

	if err := run(logger, *configPath); err != nil {
		logger.Error("ingestd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, configPath string) error {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}

	ingestStore, err := store.NewStore(cfg.DataDir + "/ingest.db")
	if err != nil {
		return fmt.Errorf("open ingest store: %w", err)
	}
	defer ingestStore.Close()

	opState, err := opstate.NewStore(cfg.DataDir + "/opstate.db")
	if err != nil {
		return fmt.Errorf("open opstate store: %w", err)
	}
	defer opState.Close()

	schedStore, err := scheduler.NewStore(cfg.DataDir + "/scheduler.db")
	if err != nil {
		return fmt.Errorf("open scheduler store: %w", err)
	}
	defer schedStore.Close()

	bus := events.New()

	vendorDir := directory.Empty()
	if cfg.VendorDirectoryFile != "" {
		f, err := os.Open(cfg.VendorDirectoryFile)
		if err != nil {
			return fmt.Errorf("open vendor directory %s: %w", cfg.VendorDirectoryFile, err)
		}
		vendorDir, err = directory.Load(f, logger)
		f.Close()
		if err != nil {
			return fmt.Errorf("load vendor directory %s: %w", cfg.VendorDirectoryFile, err)
		}
		logger.Info("vendor directory loaded", "domains", vendorDir.Len())
	}

	mailMgr := mail.NewManager(mailConfigFromSources(cfg.Sources), logger)
	defer mailMgr.Close()
	poller := mail.NewPoller(mailMgr, opState, logger)

	llmClient := buildLLMClient(cfg, logger)
	rtr := buildRouter(cfg, logger)
	clsf := classifier.New(llmClient, rtr, logger, time.Duration(cfg.Classifier.TimeoutSec)*time.Second)

	for _, s := range cfg.Sources {
		if err := ensureSource(ingestStore, s); err != nil {
			return fmt.Errorf("ensure source %s: %w", s.ID, err)
		}
	}

	runner := &syncRunner{
		cfg:       cfg,
		logger:    logger,
		store:     ingestStore,
		mailMgr:   mailMgr,
		poller:    poller,
		clsf:      clsf,
		vendorDir: vendorDir,
		bus:       bus,
	}

	execute := func(ctx context.Context, task *scheduler.Task, exec *scheduler.Execution) error {
		sourceID := task.Payload.Target
		reason := string(task.Payload.Kind)
		bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceScheduler, Kind: events.KindTaskFired,
			Data: map[string]any{"source_id": sourceID, "reason": reason}})

		src, err := ingestStore.GetSource(sourceID)
		if err != nil {
			return fmt.Errorf("get source %s: %w", sourceID, err)
		}

		start := time.Now()
		var runErr error
		if src.Provider == "caldav" {
			runErr = runner.syncCalendar(ctx, src)
		} else {
			runErr = runner.syncMail(ctx, src)
		}

		bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceScheduler, Kind: events.KindTaskComplete,
			Data: map[string]any{"source_id": sourceID, "ok": runErr == nil, "duration_ms": time.Since(start).Milliseconds()}})
		return runErr
	}

	sched := scheduler.New(logger, schedStore, execute)
	if err := sched.Start(context.Background()); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	taskIDBySource, err := ensureTickerTasks(sched, cfg)
	if err != nil {
		return fmt.Errorf("ensure ticker tasks: %w", err)
	}

	dispatcher := &sourceDispatcher{
		store:          ingestStore,
		scheduler:      sched,
		logger:         logger,
		hmacSecret:     cfg.Webhook.HMACSecret,
		taskIDBySource: taskIDBySource,
	}

	whCfg := webhook.Config{Audience: cfg.Webhook.JWTAudience}
	if cfg.Webhook.JWKSURL != "" {
		jctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		storage, err := webhook.NewGoogleJWKS(jctx, cfg.Webhook.JWKSURL)
		cancel()
		if err != nil {
			logger.Warn("jwks fetch failed, pub/sub JWT verification disabled", "error", err)
		} else {
			whCfg.JWKSStorage = storage
		}
	}
	handler := webhook.NewHandler(dispatcher, logger, whCfg)

	mux := http.NewServeMux()
	mux.Handle("/webhooks/google/push", handler)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Webhook.Address, cfg.Webhook.Port),
		Handler: mux,
	}

	watchers := connwatch.NewManager(logger)
	watchers.Watch(context.Background(), connwatch.WatcherConfig{
		Name:   "classifier",
		Probe:  func(ctx context.Context) error { return llmClient.Ping(ctx) },
		Logger: logger,
	})
	defer watchers.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("ingestd listening", "addr", srv.Addr, "sources", len(cfg.Sources))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("webhook server: %w", err)
	}

	logger.Info("ingestd stopped")
	return nil
}

// mailConfigFromSources narrows the daemon's per-caregiver source list
// down to the IMAP-connection subset mail.Manager understands.
func mailConfigFromSources(sources []config.SourceConfig) mail.Config {
	var cfg mail.Config
	for _, s := range sources {
		if s.Provider != "imap" {
			continue
		}
		cfg.Accounts = append(cfg.Accounts, mail.AccountConfig{Name: s.ID, IMAP: s.IMAP})
	}
	return cfg
}

// ensureSource persists a Source row for every configured source on
// first startup, so the scheduler and dispatcher always have a store
// row to resolve against. Already-existing sources are left untouched.
func ensureSource(s *store.Store, sc config.SourceConfig) error {
	if _, err := s.GetSource(sc.ID); err == nil {
		return nil
	}
	accountEmail := sc.IMAP.Username
	if sc.Provider == "caldav" {
		accountEmail = sc.CalDAV.Username
	}
	return s.CreateSource(&store.Source{
		ID:           sc.ID,
		CaregiverID:  sc.CaregiverID,
		Provider:     sc.Provider,
		AccountEmail: accountEmail,
		Status:       store.SourceActive,
		IsPrimary:    sc.IsPrimary,
	})
}

// ensureTickerTasks registers one poll-ticker scheduler.Task per
// configured source (§4.8's fallback poll). Push-channel renewal is
// handled separately per provider and is out of scope for the fallback
// ticker registered here.
func ensureTickerTasks(sched *scheduler.Scheduler, cfg *config.Config) (map[string]string, error) {
	taskIDBySource := make(map[string]string, len(cfg.Sources))
	existing, err := sched.ListTasks(false)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*scheduler.Task, len(existing))
	for _, t := range existing {
		byName[t.Name] = t
	}

	for _, s := range cfg.Sources {
		name := "poll:" + s.ID
		if t, ok := byName[name]; ok {
			taskIDBySource[s.ID] = t.ID
			continue
		}
		task := &scheduler.Task{
			ID:   scheduler.NewID(),
			Name: name,
			Schedule: scheduler.Schedule{
				Kind:  scheduler.ScheduleEvery,
				Every: &scheduler.Duration{Duration: time.Duration(cfg.Scheduler.PollIntervalMin) * time.Minute},
			},
			Payload: scheduler.Payload{Kind: scheduler.PayloadPoll, Target: s.ID},
			Enabled: true,
		}
		if err := sched.CreateTask(task); err != nil {
			return nil, fmt.Errorf("create poll task for %s: %w", s.ID, err)
		}
		taskIDBySource[s.ID] = task.ID
	}
	return taskIDBySource, nil
}

// buildLLMClient wires the configured Anthropic and/or Ollama backends
// behind one llm.Client, the same multi-provider-by-model-name routing
// the teacher's agent entrypoint uses.
func buildLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	ollama := llm.NewOllamaClient(cfg.Classifier.OllamaURL, logger)
	multi := llm.NewMultiClient(ollama)
	multi.AddProvider("ollama", ollama)

	if cfg.Classifier.AnthropicAPIKey != "" {
		anthropic := llm.NewAnthropicClient(cfg.Classifier.AnthropicAPIKey, logger)
		multi.AddProvider("anthropic", anthropic)
	}
	for _, m := range cfg.Classifier.Available {
		multi.AddModel(m.Name, m.Provider)
	}
	return multi
}

func buildRouter(cfg *config.Config, logger *slog.Logger) *router.Router {
	rc := router.Config{DefaultModel: cfg.Classifier.Default, LocalFirst: cfg.Classifier.LocalFirst, MaxAuditLog: 1000}
	for _, m := range cfg.Classifier.Available {
		minComp := router.ComplexitySimple
		switch m.MinComplexity {
		case "moderate":
			minComp = router.ComplexityModerate
		case "complex":
			minComp = router.ComplexityComplex
		}
		rc.Models = append(rc.Models, router.Model{
			Name: m.Name, Provider: m.Provider, SupportsTools: m.SupportsTools,
			ContextWindow: m.ContextWindow, Speed: m.Speed, Quality: m.Quality,
			CostTier: m.CostTier, MinComplexity: minComp,
		})
	}
	return router.NewRouter(logger, rc)
}

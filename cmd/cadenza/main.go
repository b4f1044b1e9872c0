package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cadenzahq/cadenza/internal/api"
	"github.com/cadenzahq/cadenza/internal/dispatch"
	"github.com/cadenzahq/cadenza/internal/engine"
	"github.com/cadenzahq/cadenza/internal/expressions"
	"github.com/cadenzahq/cadenza/internal/logging"
	"github.com/cadenzahq/cadenza/internal/queue"
	"github.com/cadenzahq/cadenza/internal/ratelimit"
	"github.com/cadenzahq/cadenza/internal/retry"
	"github.com/cadenzahq/cadenza/internal/scheduler"
	"github.com/cadenzahq/cadenza/internal/store"
	"github.com/cadenzahq/cadenza/internal/variant"
)

func main() {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return err
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	gate := ratelimit.NewGate(gateLimits(cfg), logger)
	retries := retry.NewManager(st, logger)
	assignor := variant.NewAssignor(st, logger)

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}
	dispatcher := dispatch.NewStandardDispatcher(dispatch.Deps{
		Gate:   gate,
		Sender: dispatch.NewLogSender(logger),
		Store:  st,
		Client: &http.Client{},
		Expr:   expressions.NewExprEngine(),
		CEL:    celEngine,
		JQ:     expressions.NewGoJQEngine(),
		Logger: logger,
	})

	queues := queue.NewManager(st, logger,
		queue.WithMaxDeliveries(cfg.MaxDeliveries),
		queue.WithPollInterval(time.Duration(cfg.PollMs)*time.Millisecond),
	)
	controller := engine.NewController(st, queues, gate, retries, assignor, dispatcher, nil, logger)

	queues.Start(ctx, controller.HandleJob, cfg.Workers)
	defer queues.Stop()

	sched := scheduler.NewScheduler(st, controller, logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(st, controller, queues, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("cadenza listening", "addr", cfg.ListenAddr, "db_path", cfg.DBPath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

// gateLimits builds the rate limiter table: stock limits with per-scope
// overrides from configuration. An override replaces the rate but keeps a
// burst of at least one.
func gateLimits(cfg Config) map[ratelimit.Scope]ratelimit.Limit {
	limits := ratelimit.DefaultLimits()
	override := func(scope ratelimit.Scope, perMinute float64) {
		if perMinute <= 0 {
			return
		}
		l := limits[scope]
		l.PerMinute = perMinute
		if l.Burst < 1 {
			l.Burst = 1
		}
		limits[scope] = l
	}
	override(ratelimit.ScopeContactStarts, cfg.ContactStarts)
	override(ratelimit.ScopeGlobalStarts, cfg.GlobalStarts)
	override(ratelimit.ScopeContactEmail, cfg.EmailPerMin)
	override(ratelimit.ScopeContactSMS, cfg.SMSPerMin)
	return limits
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

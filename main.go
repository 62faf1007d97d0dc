package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mediaconv/api"
	"mediaconv/config"
	"mediaconv/convert"
	"mediaconv/job"
	"mediaconv/library"
	"mediaconv/notify"
	"mediaconv/resource"
	"mediaconv/store"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server exiting")
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies
	jobStore, err := store.Open(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer jobStore.Close()
	logger.Info("job store ready", "driver", cfg.DBDriver)

	resolver, err := library.NewResolver(cfg.OutputDir)
	if err != nil {
		return err
	}
	monitor := resource.NewMonitor(resolver.Root(), logger)

	runner, err := convert.NewRunner(cfg, monitor, logger)
	if err != nil {
		return fmt.Errorf("initialize conversion runner: %w", err)
	}

	sinks := []notify.Sink{notify.LogSink{Logger: logger.With("component", "events")}}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.WebhookSink{URL: cfg.WebhookURL, Client: &http.Client{Timeout: 10 * time.Second}})
		logger.Info("webhook notifications enabled")
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not reachable at startup", "addr", cfg.RedisAddr, "error", err)
		}
		sinks = append(sinks, notify.RedisSink{Client: rdb, Channel: cfg.RedisChannel})
		logger.Info("redis notifications enabled", "channel", cfg.RedisChannel)
	}
	dispatcher := notify.NewDispatcher(logger, 0, sinks...)

	manager, err := job.NewManager(cfg, job.Deps{
		Store:    jobStore,
		Executor: runner,
		Resolver: resolver,
		Disk:     monitor,
		Notifier: dispatcher,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("initialize job manager: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := api.SetupRouter(api.NewHandler(manager, monitor, dispatcher, cfg, logger), cfg, logger)
	var handler http.Handler = router
	if len(cfg.CORSOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
		}).Handler(router)
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	jobsCtx, stopJobs := context.WithCancel(ctx)
	defer stopJobs()
	if err := manager.Start(jobsCtx); err != nil {
		return fmt.Errorf("start job manager: %w", err)
	}

	// Events outlive the manager so shutdown transitions are still delivered.
	notifyCtx, stopNotify := context.WithCancel(context.Background())
	defer stopNotify()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		dispatcher.Run(notifyCtx)
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("waiting for running jobs to stop")
		stopJobs()
		manager.Wait()
		stopNotify()
		return nil
	})

	g.Go(func() error {
		logger.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

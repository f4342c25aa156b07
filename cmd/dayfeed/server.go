package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"dayfeed/internal/api"
	"dayfeed/internal/clock"
	"dayfeed/internal/config"
	"dayfeed/internal/connectivity"
	"dayfeed/internal/content"
	"dayfeed/internal/diagnostics"
	"dayfeed/internal/feed"
	"dayfeed/internal/lifecycle"
	"dayfeed/internal/maintenance"
	"dayfeed/internal/provider"
	"dayfeed/internal/schedule"
	"dayfeed/internal/storage"
	"dayfeed/internal/syncq"
)

var startCmd = &cobra.Command{
	Use:     "start",
	Aliases: []string{"serve"},
	Short:   "Start the dayfeed engine (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running dayfeed engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "dayfeed.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "dayfeed version %s\n", version)

	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	apiToken, err := ensureToken(cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	// Refuse to start a second instance.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open durable storage.
	kv, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	// Closed by the orchestrator on dispose.

	clk := clock.System{}
	meta := storage.NewMetadataStore(kv)

	store := content.New(kv, meta, clk, logger, content.Config{
		HistoryCap: cfg.Feed.HistoryCap,
		ByteBudget: cfg.Feed.ByteBudget,
		DefaultTTL: cfg.Feed.TTL.Std(),
	})

	backend := provider.New(cfg.Provider.BaseURL, cfg.Provider.Token)
	monitor := connectivity.NewMonitor(backend, cfg.Feed.ProbeInterval.Std(), logger)

	queue := syncq.New(kv, backend, monitor, clk, logger, syncq.Config{
		MaxAttempts: cfg.Sync.MaxAttempts,
		BaseDelay:   cfg.Sync.BaseDelay.Std(),
		MaxDelay:    cfg.Sync.MaxDelay.Std(),
	})

	maint := maintenance.New(store, meta, clk, logger, maintenance.Config{
		Interval:  cfg.Maintenance.Interval.Std(),
		Retention: cfg.Maintenance.Retention.Std(),
	})

	sched := schedule.New(meta, clk, logger, cfg.Feed.ZoneID, 0)

	stats := diagnostics.NewStats(clk, diagnostics.StatsSources{
		QueueDepth:    queue.Depth,
		QueueCounters: queue.Counters,
		ContentAge:    store.CurrentAge,
	})
	store.SetRecorder(stats)
	perf := diagnostics.NewPerf()
	health := diagnostics.NewHealth(clk, diagnostics.HealthSources{
		HitRate:       stats.HitRate,
		ErrorRate:     stats.ErrorRate,
		LastIntegrity: maint.LastIntegrity,
		ContentFresh: func() (bool, bool) {
			item := store.Get()
			if item == nil {
				return false, false
			}
			return item.Fresh(clk.Now()) && !item.IsFallback, true
		},
	})

	orchestrator := lifecycle.New(lifecycle.Deps{
		Store:       store,
		Queue:       queue,
		Maintenance: maint,
		Scheduler:   sched,
		Provider:    backend,
		Monitor:     monitor,
		Stats:       stats,
		Perf:        perf,
		Health:      health,
		KV:          kv,
		Clock:       clk,
		Logger:      logger,
	}, lifecycle.Config{
		FetchParams: provider.FetchParams{ZoneID: cfg.Feed.ZoneID},
	})

	snap := meta.Snapshot()
	ictx := lifecycle.InitContext{
		FirstLaunch:   snap.LastInitAt.IsZero(),
		LastInitAt:    snap.LastInitAt,
		PreviousError: snap.LastInitError != "",
	}
	report, err := orchestrator.Initialize(ctx, ictx)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}
	if err := meta.Update(func(md *feed.CacheMetadata) {
		md.LastInitAt = clk.Now()
		md.LastInitError = report.Error
	}); err != nil {
		logger.Warn("recording init metadata failed", "error", err)
	}
	logger.Info("engine initialized",
		"strategy", report.Strategy,
		"state", report.State,
		"duration", report.Duration)
	defer orchestrator.Dispose()

	handler := api.NewHandler(api.Deps{
		Orchestrator: orchestrator,
		Token:        apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "dayfeed listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("dayfeed is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop dayfeed (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to dayfeed (PID %d)", pid)
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/avhart/crew/internal/archive"
	"github.com/avhart/crew/internal/config"
	"github.com/avhart/crew/internal/metrics"
	"github.com/avhart/crew/internal/orchestrator"
	"github.com/avhart/crew/internal/report"
	"github.com/avhart/crew/internal/roster"
	"github.com/avhart/crew/internal/runtime"
	"github.com/avhart/crew/internal/worker"
)

// Process-wide state set up by initRoot.
var (
	cfg    *config.Config
	logger *zap.Logger
)

// loadRoster reads a roster file or falls back to the built-in catalog.
func loadRoster(path string) (*roster.Template, error) {
	if path == "" {
		return roster.Default(), nil
	}
	return roster.Load(path)
}

// newCoordinator wires a coordinator with metrics and, when asked, the
// run archive. A broken archive degrades to running without history.
func newCoordinator(tpl *roster.Template, withArchive bool) (*orchestrator.Coordinator, *archive.Store, *metrics.Collector) {
	collector := metrics.NewCollector()
	opts := orchestrator.Options{Logger: logger, Metrics: collector}

	var arch *archive.Store
	if withArchive {
		var err error
		arch, err = archive.Open(cfg.ArchivePath())
		if err != nil {
			logger.Warn("run archive unavailable",
				zap.String("path", cfg.ArchivePath()),
				zap.Error(err))
			arch = nil
		} else {
			opts.Archive = arch
		}
	}

	launcher := worker.NewExecLauncher(cfg.TermGrace, logger)
	return orchestrator.New(cfg, tpl, launcher, opts), arch, collector
}

// driveRun awaits a run to settle, with signal handling, the optional
// metrics endpoint and archive cleanup. Exits 1 when the run aborts.
func driveRun(c *orchestrator.Coordinator, arch *archive.Store, collector *metrics.Collector, run *orchestrator.Run) error {
	mgr := runtime.NewManager(logger, 0)
	mgr.ListenForSignals()

	if arch != nil {
		mgr.OnCleanup("run archive", func(ctx context.Context) error {
			return arch.Close()
		})
	}
	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.MetricsAddr, collector)
		if err := srv.Start(); err != nil {
			mgr.Shutdown()
			return fmt.Errorf("metrics server: %w", err)
		}
		logger.Info("metrics endpoint up", zap.String("addr", cfg.MetricsAddr))
		mgr.OnCleanup("metrics server", srv.Stop)
	}

	outcome, err := c.Await(mgr.Context(), run)
	mgr.Shutdown()
	if err != nil {
		return err
	}

	fmt.Println()
	report.NewRun(os.Stdout).Summary(outcome)
	if !outcome.Succeeded() {
		os.Exit(1)
	}
	return nil
}

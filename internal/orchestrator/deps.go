package orchestrator

import (
	"context"
	"time"

	"github.com/CrackerCat/Android-DataBackup/internal/checks"
	"github.com/CrackerCat/Android-DataBackup/internal/config"
	"github.com/CrackerCat/Android-DataBackup/internal/gateway"
	"github.com/CrackerCat/Android-DataBackup/internal/logging"
	"github.com/CrackerCat/Android-DataBackup/internal/metrics"
)

// TimeProvider abstracts time acquisition for determinism in tests.
type TimeProvider interface {
	Now() time.Time
}

// RunGuard keeps runs from different processes apart.
type RunGuard interface {
	Acquire(ctx context.Context, runID string, backupRun bool) error
	Release() error
}

// MetricsExporter receives the summary of every finished run.
type MetricsExporter interface {
	Export(m *metrics.RunMetrics) error
}

// Deps groups optional orchestrator dependencies.
type Deps struct {
	Logger  *logging.Logger
	Config  *config.Config
	Gateway gateway.Gateway
	Time    TimeProvider
	Guard   RunGuard
	Metrics MetricsExporter
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now() }

type noopGuard struct{}

func (noopGuard) Acquire(context.Context, string, bool) error { return nil }
func (noopGuard) Release() error                              { return nil }

// lockGuard takes the lock file through the pre-run checks.
type lockGuard struct {
	logger  *logging.Logger
	cfg     *config.Config
	checker *checks.Checker
}

// NewLockGuard returns the file-lock guard for cfg.
func NewLockGuard(logger *logging.Logger, cfg *config.Config) RunGuard {
	return &lockGuard{logger: logger, cfg: cfg}
}

func (g *lockGuard) Acquire(ctx context.Context, runID string, backupRun bool) error {
	checkerCfg := &checks.CheckerConfig{
		BackupPath:   g.cfg.BackupRoot,
		LockFilePath: g.cfg.LockPath,
		MaxLockAge:   g.cfg.LockStaleAfter,
		MinFreeMB:    g.cfg.MinFreeSpaceMB,
		FSTimeout:    g.cfg.GatewayFSTimeout,
		RunID:        runID,
	}
	if err := checkerCfg.Validate(); err != nil {
		return err
	}
	g.checker = checks.NewChecker(g.logger, checkerCfg)
	_, err := g.checker.RunAllChecks(ctx, backupRun)
	return err
}

func (g *lockGuard) Release() error {
	if g.checker == nil {
		return nil
	}
	return g.checker.ReleaseLock()
}

type nilExporter struct{}

func (nilExporter) Export(*metrics.RunMetrics) error { return nil }

func defaultDeps(logger *logging.Logger, cfg *config.Config, gw gateway.Gateway) Deps {
	deps := Deps{
		Logger:  logger,
		Config:  cfg,
		Gateway: gw,
		Time:    realTimeProvider{},
		Guard:   NewLockGuard(logger, cfg),
		Metrics: nilExporter{},
	}
	if cfg != nil && cfg.MetricsEnabled {
		deps.Metrics = metrics.NewPrometheusExporter(cfg.MetricsPath, logger)
	}
	return deps
}

// Package janitor runs the controller's periodic sweeps. The router already
// arms per-command timers for deadlines and grace windows; the janitor is
// the backstop that catches anything those timers miss and keeps the durable
// archive from growing without bound.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Sweeper is the slice of the router the janitor drives.
type Sweeper interface {
	SweepLost(now time.Time) int
	SweepDeadlines(now time.Time) int
}

// Pruner removes archived commands older than cutoff. Implemented by the
// store; nil disables the archive sweep.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config carries the janitor's dependencies and intervals. Zero intervals
// fall back to the defaults below.
type Config struct {
	Sweeper Sweeper
	Pruner  Pruner
	Logger  *zap.Logger

	SweepInterval   time.Duration // lost + deadline sweeps
	ArchiveInterval time.Duration // archive prune
	ArchiveMaxAge   time.Duration // rows older than this are pruned
}

const (
	defaultSweepInterval   = time.Second
	defaultArchiveInterval = time.Minute
	defaultArchiveMaxAge   = 30 * 24 * time.Hour
)

// Janitor owns the gocron scheduler. Create with New, then Start/Stop.
type Janitor struct {
	cron   gocron.Scheduler
	cfg    Config
	logger *zap.Logger
}

// New creates a configured Janitor. Call Start to begin sweeping.
func New(cfg Config) (*Janitor, error) {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.ArchiveInterval <= 0 {
		cfg.ArchiveInterval = defaultArchiveInterval
	}
	if cfg.ArchiveMaxAge <= 0 {
		cfg.ArchiveMaxAge = defaultArchiveMaxAge
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("janitor: failed to create scheduler: %w", err)
	}
	return &Janitor{
		cron:   cron,
		cfg:    cfg,
		logger: cfg.Logger.Named("janitor"),
	}, nil
}

// Start registers the sweep jobs and starts the scheduler. Jobs run in
// singleton mode so a slow sweep never overlaps itself.
func (j *Janitor) Start() error {
	_, err := j.cron.NewJob(
		gocron.DurationJob(j.cfg.SweepInterval),
		gocron.NewTask(j.runSweeps),
		gocron.WithName("lifecycle-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("janitor: failed to schedule lifecycle sweep: %w", err)
	}

	if j.cfg.Pruner != nil {
		_, err = j.cron.NewJob(
			gocron.DurationJob(j.cfg.ArchiveInterval),
			gocron.NewTask(j.runArchivePrune),
			gocron.WithName("archive-prune"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("janitor: failed to schedule archive prune: %w", err)
		}
	}

	j.cron.Start()
	j.logger.Info("janitor started",
		zap.Duration("sweep_interval", j.cfg.SweepInterval),
		zap.Bool("archive_prune", j.cfg.Pruner != nil),
	)
	return nil
}

// Stop shuts the scheduler down, waiting for running jobs to finish.
func (j *Janitor) Stop() error {
	return j.cron.Shutdown()
}

func (j *Janitor) runSweeps() {
	now := time.Now()
	if n := j.cfg.Sweeper.SweepLost(now); n > 0 {
		j.logger.Warn("lost sweep forced terminals", zap.Int("commands", n))
	}
	if n := j.cfg.Sweeper.SweepDeadlines(now); n > 0 {
		j.logger.Warn("deadline sweep forced terminals", zap.Int("commands", n))
	}
}

func (j *Janitor) runArchivePrune() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-j.cfg.ArchiveMaxAge)
	removed, err := j.cfg.Pruner.Prune(ctx, cutoff)
	if err != nil {
		j.logger.Error("archive prune failed", zap.Error(err))
		return
	}
	if removed > 0 {
		j.logger.Info("archive pruned", zap.Int64("rows", removed))
	}
}

// Package cron provides scheduled background jobs using robfig/cron.
package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Backfiller re-embeds and indexes transactions whose vector write-back
// failed during processing.
type Backfiller interface {
	BackfillEmbeddings(ctx context.Context) (int, error)
}

// Scheduler manages background scheduled jobs using robfig/cron.
type Scheduler struct {
	cron       *cron.Cron
	backfiller Backfiller
	schedule   string
	logger     *slog.Logger
}

// NewScheduler creates a new job scheduler. The schedule uses the standard
// 5-field cron format (descriptors like @hourly are accepted).
func NewScheduler(backfiller Backfiller, schedule string, logger *slog.Logger) *Scheduler {
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	return &Scheduler{
		cron:       c,
		backfiller: backfiller,
		schedule:   schedule,
		logger:     logger,
	}
}

// Start begins scheduled jobs.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.schedule, s.runBackfill)
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("cron scheduler started",
		slog.Int("jobs", len(s.cron.Entries())),
	)
	return nil
}

// Stop gracefully stops all scheduled jobs.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("cron scheduler stopping")
	return s.cron.Stop()
}

// RunNow manually triggers the embedding backfill (for testing/admin).
func (s *Scheduler) RunNow() {
	go s.runBackfill()
}

func (s *Scheduler) runBackfill() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	indexed, err := s.backfiller.BackfillEmbeddings(ctx)
	if err != nil {
		s.logger.Error("embedding backfill failed", slog.Any("error", err))
		return
	}

	if indexed > 0 {
		s.logger.Info("embedding backfill completed", slog.Int("indexed", indexed))
	}
}

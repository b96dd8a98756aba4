// Package housekeeping runs the periodic dead-letter retention sweep and
// backlog-depth scan off a cron schedule, grounded on the teacher pack's
// trigger scheduler (robfig/cron/v3 with AddFunc against named jobs).
package housekeeping

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/trigger-pipeline/infrastructure/logging"
	"github.com/R3E-Network/trigger-pipeline/infrastructure/metrics"
)

// DeadLetterPurger deletes dead-lettered jobs past their retention window.
type DeadLetterPurger interface {
	PurgeDeadLetter(ctx context.Context, olderThan time.Duration) (int64, error)
}

// BacklogScanner reports per-action-type pending/leased job counts.
type BacklogScanner interface {
	BacklogCounts(ctx context.Context) (map[string]int64, error)
}

// Config controls the sweep schedules (spec §9 "Supplemented features").
type Config struct {
	DeadLetterSweepCron  string
	DeadLetterRetention  time.Duration
	BacklogScanCron      string
	BacklogWarnThreshold int64
}

// Scheduler drives the two housekeeping jobs on independent cron schedules.
type Scheduler struct {
	cron    *cron.Cron
	queue   DeadLetterPurger
	scanner BacklogScanner
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// New constructs a Scheduler. Both job functions use the standard five-field
// cron syntax plus robfig/cron's "@every" descriptors.
func New(queue DeadLetterPurger, scanner BacklogScanner, cfg Config, logger *logging.Logger, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		queue:   queue,
		scanner: scanner,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
}

// Start registers both jobs and starts the cron runner. It returns an error
// if either cron expression fails to parse.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.DeadLetterSweepCron, s.sweepDeadLetter); err != nil {
		return fmt.Errorf("parse dead letter sweep schedule %q: %w", s.cfg.DeadLetterSweepCron, err)
	}
	if _, err := s.cron.AddFunc(s.cfg.BacklogScanCron, s.scanBacklog); err != nil {
		return fmt.Errorf("parse backlog scan schedule %q: %w", s.cfg.BacklogScanCron, err)
	}
	s.cron.Start()
	return nil
}

// Stop drains in-flight job runs and stops the cron runner.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) sweepDeadLetter() {
	ctx := context.Background()
	n, err := s.queue.PurgeDeadLetter(ctx, s.cfg.DeadLetterRetention)
	if err != nil {
		if s.logger != nil {
			s.logger.WithContext(ctx).WithError(err).Warn("dead letter retention sweep failed")
		}
		return
	}
	if s.logger != nil && n > 0 {
		s.logger.Info(ctx, "dead letter retention sweep purged jobs", map[string]interface{}{"purged": n})
	}
}

func (s *Scheduler) scanBacklog() {
	ctx := context.Background()
	counts, err := s.scanner.BacklogCounts(ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.WithContext(ctx).WithError(err).Warn("backlog scan failed")
		}
		return
	}
	for actionType, count := range counts {
		if s.metrics != nil {
			s.metrics.SetQueueDepth(actionType, "all", int(count))
		}
		if count >= s.cfg.BacklogWarnThreshold && s.logger != nil {
			s.logger.Warn(ctx, "action queue backlog above threshold", map[string]interface{}{
				"action_type": actionType,
				"count":       count,
				"threshold":   s.cfg.BacklogWarnThreshold,
			})
		}
	}
}

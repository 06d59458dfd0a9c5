// Package archive runs the inactivity sweep on a cron schedule and on demand.
package archive

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"threadline/api/internal/logging"
	"threadline/api/internal/metrics"
)

const DefaultCron = "0 3 * * *"

var ErrRunInProgress = errors.New("archive sweep already running")

type Failure struct {
	ThreadID string `json:"threadId"`
	Error    string `json:"error"`
}

// Result is the partial-success outcome of one sweep.
type Result struct {
	Archived []string  `json:"archived"`
	Failed   []Failure `json:"failed"`
}

type Sweeper interface {
	AutoArchiveInactiveThreads(ctx context.Context) (Result, error)
}

type Scheduler struct {
	sweeper Sweeper
	cron    string
	logger  *zap.Logger
	metrics *metrics.Metrics
	running atomic.Bool
	next    func(after time.Time) (time.Time, error)
	retry   time.Duration
}

func NewScheduler(sweeper Sweeper, cronExpr string, logger *zap.Logger, m *metrics.Metrics) (*Scheduler, error) {
	if cronExpr == "" {
		cronExpr = DefaultCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid archive cron expression: %s", cronExpr)
	}
	return &Scheduler{
		sweeper: sweeper,
		cron:    cronExpr,
		logger:  logging.OrNop(logger).Named("archive"),
		metrics: m,
		next: func(after time.Time) (time.Time, error) {
			return gronx.NextTickAfter(cronExpr, after, false)
		},
		retry: 30 * time.Second,
	}, nil
}

func (s *Scheduler) Cron() string {
	return s.cron
}

// RunNow performs one sweep. A call while another sweep is in flight returns
// ErrRunInProgress without touching any thread.
func (s *Scheduler) RunNow(ctx context.Context) (Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.ArchiveRun("skipped")
		return Result{}, ErrRunInProgress
	}
	defer s.running.Store(false)

	started := time.Now()
	s.logger.Info("archive_sweep_started")
	result, err := s.sweeper.AutoArchiveInactiveThreads(ctx)
	if err != nil {
		s.metrics.ArchiveRun("error")
		s.logger.Error("archive_sweep_failed", zap.Error(err))
		return result, err
	}

	outcome := "ok"
	if len(result.Failed) > 0 {
		outcome = "partial"
	}
	s.metrics.ArchiveRun(outcome)
	s.logger.Info("archive_sweep_finished",
		zap.Int("archived", len(result.Archived)),
		zap.Int("failed", len(result.Failed)),
		zap.Duration("duration", time.Since(started)),
	)
	return result, nil
}

// Start runs the schedule until ctx is cancelled. The returned channel closes
// when the loop has exited.
func (s *Scheduler) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	s.logger.Info("archive_scheduler_started", zap.String("cron", s.cron))
	go func() {
		defer close(done)
		s.loop(ctx)
		s.logger.Info("archive_scheduler_stopping")
	}()
	return done
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		next, err := s.next(time.Now().UTC())
		wait := time.Until(next)
		if err != nil {
			s.logger.Error("archive_nexttick_failed", zap.String("cron", s.cron), zap.Error(err))
			wait = s.retry
		}
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err != nil {
			continue
		}

		if _, err := s.RunNow(ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
			s.logger.Error("archive_run_error", zap.Error(err))
		}
	}
}

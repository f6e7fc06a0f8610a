// Package scheduler runs the governance background jobs: outbox dispatch,
// approval expiry sweeping, and stale counter cleanup. Multiple instances may
// run concurrently; every job is idempotent and claims work row by row.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/User159951/intellipm/internal/clock"
	decisiondomain "github.com/User159951/intellipm/internal/decision/domain"
	"github.com/User159951/intellipm/internal/events"
	quotadomain "github.com/User159951/intellipm/internal/quota/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log         *zap.Logger
	Clock       clock.Clock
	Dispatcher  *events.Dispatcher
	DecisionSvc decisiondomain.Service
	QuotaSvc    quotadomain.Service
	Config      Config `optional:"true"`
}

type Scheduler struct {
	log         *zap.Logger
	cfg         Config
	clock       clock.Clock
	dispatcher  *events.Dispatcher
	decisionSvc decisiondomain.Service
	quotaSvc    quotadomain.Service
}

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.Dispatcher == nil || p.DecisionSvc == nil || p.QuotaSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:         p.Log.Named("scheduler"),
		cfg:         p.Config.withDefaults(),
		clock:       p.Clock,
		dispatcher:  p.Dispatcher,
		decisionSvc: p.DecisionSvc,
		quotaSvc:    p.QuotaSvc,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	log := s.log.With(zap.String("job", name))

	err := fn(ctx)
	elapsed := time.Since(start)
	if err == nil {
		log.Debug("job complete", zap.Duration("elapsed", elapsed))
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes every enabled job once.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	// Sweeps run before dispatch so the events they enqueue go out in the
	// same cycle.
	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"expire_decisions", func(ctx context.Context) error {
			return s.runJob(ctx, "expire_decisions", 30*time.Second, s.ExpireDecisionsJob)
		}},
		{"reset_counters", func(ctx context.Context) error {
			return s.runJob(ctx, "reset_counters", 30*time.Second, s.ResetCountersJob)
		}},
		{"dispatch_outbox", func(ctx context.Context) error {
			return s.runJob(ctx, "dispatch_outbox", 30*time.Second, s.DispatchOutboxJob)
		}},
	}

	for _, job := range jobs {
		if s.isJobEnabled(job.Name) {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

// RunForever loops RunOnce until the context is cancelled. The interval is
// jittered so instances started together drift apart.
func (s *Scheduler) RunForever(ctx context.Context) {
	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.jitteredInterval()):
		}
	}
}

// DispatchOutboxJob drains due outbox messages until the batch comes back
// empty.
func (s *Scheduler) DispatchOutboxJob(ctx context.Context) error {
	for {
		processed, err := s.dispatcher.RunOnce(ctx)
		if err != nil {
			return err
		}
		if processed == 0 {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (s *Scheduler) ExpireDecisionsJob(ctx context.Context) error {
	expired, err := s.decisionSvc.ExpirePending(ctx, s.cfg.SweepBatchSize)
	if err != nil {
		return err
	}
	if expired > 0 {
		s.log.Info("approval expiry sweep", zap.Int("expired", expired))
	}
	return nil
}

func (s *Scheduler) ResetCountersJob(ctx context.Context) error {
	removed, err := s.quotaSvc.ResetStaleCounters(ctx, s.cfg.SweepBatchSize)
	if err != nil {
		return err
	}
	if removed > 0 {
		s.log.Info("stale usage counters removed", zap.Int("removed", removed))
	}
	return nil
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty means all jobs enabled (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) jitteredInterval() time.Duration {
	interval := s.cfg.RunInterval
	if s.cfg.JitterPct <= 0 {
		return interval
	}
	jitter := float64(interval) * s.cfg.JitterPct
	offset := (rand.Float64()*2 - 1) * jitter
	return interval + time.Duration(offset)
}

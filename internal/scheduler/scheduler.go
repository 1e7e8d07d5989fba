// Package scheduler drives durable deadlines to their side effects. Rows are
// claimed with a conditional update so concurrent workers fire each deadline
// exactly once; failed handlers are retried with capped exponential backoff
// and parked in a dead letter state once the budget is spent.
package scheduler

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/streambid/streambid/errs"
	"github.com/streambid/streambid/internal/domain/schema"
	"github.com/streambid/streambid/internal/domain/store"
	"github.com/streambid/streambid/internal/observability"
	"github.com/streambid/streambid/internal/telemetry"
)

// Dispatcher executes the side effect a fired deadline names. The engine
// satisfies this.
type Dispatcher interface {
	CloseByDeadline(ctx context.Context, auctionID string) error
	ExpireOrder(ctx context.Context, orderID string) error
}

// Config carries scheduler tunables.
type Config struct {
	// Poll is the interval between due-row sweeps.
	Poll time.Duration
	// Lease bounds how long a claim may be held before another worker can
	// reclaim the row.
	Lease time.Duration
	// MaxRetries is the per-row retry budget before dead-lettering.
	MaxRetries int
	// BatchSize caps rows fetched per sweep.
	BatchSize int
}

func (c Config) normalize() Config {
	if c.Poll <= 0 {
		c.Poll = time.Second
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 128
	}
	return c
}

// Scheduler polls the deadline store and dispatches due rows.
type Scheduler struct {
	store    store.DeadlineStore
	dispatch Dispatcher
	cfg      Config
	now      func() time.Time

	fired       metric.Int64Counter
	retried     metric.Int64Counter
	deadLetters metric.Int64Counter
	reaped      metric.Int64Counter
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the scheduler clock; tests pin time with this.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a Scheduler.
func New(deadlines store.DeadlineStore, dispatch Dispatcher, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    deadlines,
		dispatch: dispatch,
		cfg:      cfg.normalize(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	meter := otel.Meter("scheduler")
	s.fired, _ = meter.Int64Counter("streambid_deadlines_fired_total",
		metric.WithDescription("Deadlines whose handler ran to completion"),
		metric.WithUnit("{deadline}"))
	s.retried, _ = meter.Int64Counter("streambid_deadlines_retried_total",
		metric.WithDescription("Deadline handler failures returned for retry"),
		metric.WithUnit("{deadline}"))
	s.deadLetters, _ = meter.Int64Counter("streambid_deadlines_dead_lettered_total",
		metric.WithDescription("Deadlines parked after exhausting retries"),
		metric.WithUnit("{deadline}"))
	s.reaped, _ = meter.Int64Counter("streambid_deadline_claims_reaped_total",
		metric.WithDescription("Stale claims released back to the pool"),
		metric.WithUnit("{claim}"))
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Run polls until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one sweep: reap stale claims, then claim and dispatch due rows.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	released, err := s.store.ReapExpiredClaims(ctx, now.Add(-s.cfg.Lease))
	if err != nil {
		observability.Log().Warn("deadline claim reap failed", observability.Err(err))
	} else if released > 0 {
		s.reaped.Add(ctx, released)
		observability.Log().Info("reclaimed stale deadline claims", observability.Int64("count", released))
	}

	due, err := s.store.DuePending(ctx, now, s.cfg.BatchSize)
	if err != nil {
		observability.Log().Warn("deadline sweep failed", observability.Err(err))
		return
	}
	for _, deadline := range due {
		claimed, err := s.store.Claim(ctx, deadline.ID, now)
		if err != nil {
			observability.Log().Warn("deadline claim failed",
				observability.Int64("deadline_id", deadline.ID), observability.Err(err))
			continue
		}
		if !claimed {
			continue
		}
		s.fire(ctx, deadline)
	}
}

// reasonNotYetDue marks a handler refusal because the target was
// rescheduled after the sweep; the reschedule already reset the row with
// its new fire_at, so the worker must not delete or release it.
const reasonNotYetDue = "not_yet_due"

func (s *Scheduler) fire(ctx context.Context, deadline schema.ScheduledDeadline) {
	err := s.handle(ctx, deadline)
	if err == nil {
		if derr := s.store.Delete(ctx, deadline.ID); derr != nil {
			observability.Log().Warn("deadline delete failed",
				observability.Int64("deadline_id", deadline.ID), observability.Err(derr))
			return
		}
		s.fired.Add(ctx, 1, metric.WithAttributes(
			telemetry.DeadlineAttributes(telemetry.Environment(), string(deadline.Kind), "ok")...))
		return
	}

	if errs.ReasonOf(err) == reasonNotYetDue {
		observability.Log().Info("deadline no longer due, leaving rescheduled row",
			observability.Int64("deadline_id", deadline.ID),
			observability.String("kind", string(deadline.Kind)),
			observability.String("target_id", deadline.TargetID))
		return
	}

	observability.Log().Warn("deadline handler failed",
		observability.Int64("deadline_id", deadline.ID),
		observability.String("kind", string(deadline.Kind)),
		observability.String("target_id", deadline.TargetID),
		observability.Err(err))

	if deadline.RetryCount+1 >= s.cfg.MaxRetries {
		if dlErr := s.store.DeadLetter(ctx, deadline.ID, err.Error()); dlErr != nil {
			observability.Log().Error("deadline dead letter failed",
				observability.Int64("deadline_id", deadline.ID), observability.Err(dlErr))
			return
		}
		s.deadLetters.Add(ctx, 1, metric.WithAttributes(
			attribute.String("environment", telemetry.Environment()),
			telemetry.AttrDeadlineKind.String(string(deadline.Kind))))
		return
	}

	next := s.now().Add(retryInterval(deadline.RetryCount))
	if rErr := s.store.Release(ctx, deadline.ID, next, err.Error()); rErr != nil {
		observability.Log().Error("deadline release failed",
			observability.Int64("deadline_id", deadline.ID), observability.Err(rErr))
		return
	}
	s.retried.Add(ctx, 1, metric.WithAttributes(
		telemetry.DeadlineAttributes(telemetry.Environment(), string(deadline.Kind), "retry")...))
}

func (s *Scheduler) handle(ctx context.Context, deadline schema.ScheduledDeadline) error {
	switch deadline.Kind {
	case schema.DeadlineAuctionClose:
		return s.dispatch.CloseByDeadline(ctx, deadline.TargetID)
	case schema.DeadlinePaymentExpire:
		return s.dispatch.ExpireOrder(ctx, deadline.TargetID)
	default:
		return errs.New("scheduler/handle", errs.CodeInvalid,
			errs.WithMessage("unknown deadline kind "+string(deadline.Kind)))
	}
}

// retryInterval derives the jittered backoff for the given retry ordinal:
// roughly 1s doubling up to a 60s cap.
func retryInterval(retries int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.RandomizationFactor = 0.2
	interval := bo.NextBackOff()
	for i := 0; i < retries; i++ {
		interval = bo.NextBackOff()
	}
	return interval
}

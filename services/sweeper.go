package services

import (
	"context"
	"time"

	"go.pilab.hu/authz"
	"go.pilab.hu/authz/internal/metrics"
	applog "go.pilab.hu/authz/log"
	"go.pilab.hu/authz/tracing"
)

// DefaultSweepInterval is how often expired access tokens are purged.
const DefaultSweepInterval = time.Hour

// ExpirySweeper periodically removes expired access token records.
type ExpirySweeper struct {
	tokens   authz.AccessTokenStore
	interval time.Duration
	now      func() time.Time
	logger   applog.Logger
}

func NewExpirySweeper(tokens authz.AccessTokenStore, interval time.Duration, now func() time.Time, logger applog.Logger) *ExpirySweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = applog.Nop()
	}
	return &ExpirySweeper{
		tokens:   tokens,
		interval: interval,
		now:      now,
		logger:   logger,
	}
}

// Sweep runs one pass and returns how many records it removed.
func (s *ExpirySweeper) Sweep(ctx context.Context) (int, error) {
	ctx, span := tracing.Start(ctx, "ExpirySweeper.Sweep")
	defer span.End()

	removed, err := s.tokens.RemoveExpired(ctx, s.now())
	if err != nil {
		metrics.SweepFailuresTotal.Inc()
		return 0, tracing.Fail(span, err)
	}

	metrics.SweepRemovedTotal.Add(float64(len(removed)))
	return len(removed), nil
}

// Run sweeps every interval until ctx is done. A failed pass is logged and
// retried on the next tick. Run always returns nil.
func (s *ExpirySweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info(ctx, "expiry sweeper started", applog.Fields{"interval": s.interval.String()})

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "expiry sweeper stopped")
			return nil
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error(ctx, "expiry sweep failed", err)
				continue
			}
			if n > 0 {
				s.logger.Debug(ctx, "expired access tokens removed", applog.Fields{"count": n})
			}
		}
	}
}

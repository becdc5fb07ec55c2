package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"confidant/internal/metrics"
)

type Purger interface {
	PurgeExpiredThreads(ctx context.Context, now time.Time) (int, error)
}

type Rotator interface {
	RotateKeys(ctx context.Context) (int, error)
}

// Sweeper periodically drops threads past their chat's retention window and
// re-seals API keys still under a retired master key.
type Sweeper struct {
	Purger   Purger
	Rotator  Rotator
	Interval time.Duration
	Now      func() time.Time
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

// Run sweeps once immediately, then every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if s.Interval <= 0 {
		s.Interval = time.Hour
	}
	s.Sweep(ctx)

	t := time.NewTicker(s.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	m := s.Metrics
	if m == nil {
		m = metrics.Global()
	}

	if s.Purger != nil {
		n, err := s.Purger.PurgeExpiredThreads(ctx, now().UTC())
		if err != nil {
			s.Logger.Error().Err(err).Msg("retention sweep failed")
		} else if n > 0 {
			m.PurgedThreads.Add(float64(n))
			s.Logger.Info().Int("threads", n).Msg("purged expired threads")
		}
	}
	if s.Rotator != nil {
		n, err := s.Rotator.RotateKeys(ctx)
		if err != nil {
			s.Logger.Error().Err(err).Msg("key rotation failed")
		} else if n > 0 {
			s.Logger.Info().Int("keys", n).Msg("re-sealed api keys")
		}
	}
}

package svc

import (
	"context"
	"sync/atomic"
	"time"

	"cinder/metrics"
	"cinder/svc/db"
	"cinder/svc/util"

	"github.com/pkg/errors"
)

// Sweeper periodically removes expired pastes. Reads enforce expiry on
// their own, so a missed or failed cycle only costs storage.
type Sweeper struct {
	store    db.Store
	interval time.Duration
	now      func() time.Time
	running  atomic.Bool
	done     chan struct{}
}

func NewSweeper(store db.Store, interval time.Duration, now func() time.Time) *Sweeper {
	if now == nil {
		now = time.Now
	}
	return &Sweeper{store: store, interval: interval, now: now, done: make(chan struct{})}
}

// Start runs cycles until ctx is cancelled. Wait blocks until the loop
// has exited.
func (s *Sweeper) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("sweeper already running")
	}
	go s.run(ctx)
	return nil
}

func (s *Sweeper) Wait() {
	if s.running.Load() {
		<-s.done
	}
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)
	sweepRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, sweepRequestID)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", sweepRequestID).
		Dur("interval", s.interval).
		Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", sweepRequestID).
				Msg("sweeper shutting down")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep against the current time.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	metrics.SweepCycles.Inc()
	deleted, err := s.store.Sweep(ctx, s.now())
	if deleted > 0 {
		metrics.SweepDeleted.Add(float64(deleted))
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			util.Error().
				Err(err).
				Int("deleted", deleted).
				Str("request_id", util.GetRequestID(ctx)).
				Msg("sweep failed")
		}
		return deleted, err
	}
	if deleted > 0 {
		util.Info().
			Int("deleted", deleted).
			Str("request_id", util.GetRequestID(ctx)).
			Msg("sweep completed")
	}
	return deleted, nil
}

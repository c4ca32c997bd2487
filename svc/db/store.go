package db

import (
	"context"
	"time"

	"cinder/metrics"
	"cinder/pkg/domain"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Store is the persistence contract for pastes. Records are written once
// and never updated; the only transition is removal.
//
// Put fails with domain.ErrConflict when the id exists. Get and Take fail
// with domain.ErrNotFound when it does not. Among concurrent Take calls for
// one id exactly one returns the record. Backend failures match
// domain.ErrStorageUnavailable.
type Store interface {
	Put(ctx context.Context, p *domain.Paste) error
	Get(ctx context.Context, id string) (*domain.Paste, error)
	Take(ctx context.Context, id string) (*domain.Paste, error)
	Delete(ctx context.Context, id string) error
	// Sweep removes records whose expiry is at or before now and reports
	// how many went. Reads never depend on it having run.
	Sweep(ctx context.Context, now time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

const (
	sweepBatch    = 500
	sweepMaxLoops = 10000
	// sweepRate paces batches so a large backlog does not starve readers.
	sweepRate = 20
)

func newSweepLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(sweepRate), 1)
}

// unavailable records the failure and wraps it for callers.
func unavailable(op string, err error) error {
	metrics.StoreErrors.WithLabelValues(op).Inc()
	return domain.Unavailable(op, err)
}

func checkCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "store")
	}
	return nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// row is the column layout shared by the SQL backends and the JSON form
// used by Redis.
type row struct {
	ID        string          `json:"id"`
	Extension string          `json:"extension"`
	CreatedAt int64           `json:"created_at"`
	ExpiresAt int64           `json:"expires_at,omitempty"`
	Burn      bool            `json:"burn"`
	Content   domain.Envelope `json:"content"`
}

func toRow(p *domain.Paste) row {
	env := domain.Flatten(p.Content)
	if env.Data == nil {
		env.Data = []byte{}
	}
	return row{
		ID:        p.ID,
		Extension: p.Extension,
		CreatedAt: unixNano(p.CreatedAt),
		ExpiresAt: unixNano(p.ExpiresAt),
		Burn:      p.BurnAfterRead,
		Content:   env,
	}
}

func (r row) paste() (*domain.Paste, error) {
	content, err := r.Content.Content()
	if err != nil {
		return nil, errors.Wrapf(err, "paste %s", r.ID)
	}
	return &domain.Paste{
		ID:            r.ID,
		Extension:     r.Extension,
		CreatedAt:     fromUnixNano(r.CreatedAt),
		ExpiresAt:     fromUnixNano(r.ExpiresAt),
		BurnAfterRead: r.Burn,
		Content:       content,
	}, nil
}

package db

import (
	"context"
	"sync"
	"time"

	"cinder/pkg/domain"
)

// Memory keeps pastes in a sync.Map. Every record handed in or out is
// cloned so callers never share bytes with the store.
type Memory struct {
	m sync.Map
}

func NewMemory() *Memory {
	return &Memory{}
}

func (s *Memory) Put(ctx context.Context, p *domain.Paste) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if _, loaded := s.m.LoadOrStore(p.ID, p.Clone()); loaded {
		return domain.ErrConflict
	}
	return nil
}

func (s *Memory) Get(ctx context.Context, id string) (*domain.Paste, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	v, ok := s.m.Load(id)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return v.(*domain.Paste).Clone(), nil
}

func (s *Memory) Take(ctx context.Context, id string) (*domain.Paste, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	v, ok := s.m.LoadAndDelete(id)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return v.(*domain.Paste), nil
}

func (s *Memory) Delete(ctx context.Context, id string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	s.m.Delete(id)
	return nil
}

func (s *Memory) Sweep(ctx context.Context, now time.Time) (int, error) {
	deleted := 0
	var err error
	s.m.Range(func(k, v any) bool {
		if err = ctx.Err(); err != nil {
			return false
		}
		// CompareAndDelete leaves a record alone if it was taken and the
		// id reused since Range observed it.
		if v.(*domain.Paste).ExpiredAt(now) && s.m.CompareAndDelete(k, v) {
			deleted++
		}
		return true
	})
	return deleted, err
}

func (s *Memory) Len() int {
	n := 0
	s.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (s *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Memory) Close() error {
	s.m.Clear()
	return nil
}

package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cinder/pkg/domain"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var idSeq atomic.Int64

// testID is unique per process so shared backends can be reused across runs.
func testID() string {
	return fmt.Sprintf("t%05d%05d", os.Getpid()%100000, idSeq.Add(1)%100000)
}

func newPaste(content domain.Content) *domain.Paste {
	return &domain.Paste{
		ID:        testID(),
		Extension: "go",
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
		Content:   content,
	}
}

func runStoreContract(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		s := open(t)
		p := newPaste(domain.Unprotected{Data: []byte("hello")})
		p.ExpiresAt = time.Now().Add(time.Hour).UTC()
		require.NoError(t, s.Put(ctx, p))

		got, err := s.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, p.ID, got.ID)
		assert.Equal(t, p.Extension, got.Extension)
		assert.True(t, p.CreatedAt.Equal(got.CreatedAt))
		assert.True(t, p.ExpiresAt.Equal(got.ExpiresAt))
		assert.Equal(t, p.ExpiresAt.UnixNano(), got.ExpiresAt.UnixNano())
		assert.Equal(t, []byte("hello"), got.Content.(domain.Unprotected).Data)

		again, err := s.Get(ctx, p.ID)
		require.NoError(t, err, "Get must not consume the record")
		assert.Equal(t, got.ID, again.ID)
	})

	t.Run("BinarySafe", func(t *testing.T) {
		s := open(t)
		payload := []byte("nul\x00byte \xe2\x98\x83 bad utf8 \xff\xfe\xc3\x28")
		p := newPaste(domain.Unprotected{Data: payload})
		require.NoError(t, s.Put(ctx, p))
		got, err := s.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, payload, got.Content.(domain.Unprotected).Data)
	})

	t.Run("ProtectedFieldsSurvive", func(t *testing.T) {
		s := open(t)
		want := domain.Protected{
			Ciphertext: []byte{1, 2, 3, 0},
			Salt:       []byte("0123456789abcdef"),
			Nonce:      []byte("0123456789abcdefghijklmn"),
			KDF:        "argon2id$v=19$m=64,t=1,p=1",
		}
		p := newPaste(want)
		p.BurnAfterRead = true
		require.NoError(t, s.Put(ctx, p))
		got, err := s.Take(ctx, p.ID)
		require.NoError(t, err)
		assert.True(t, got.BurnAfterRead)
		assert.False(t, got.HasExpiry())
		assert.Equal(t, want, got.Content)
	})

	t.Run("SealedFieldsSurvive", func(t *testing.T) {
		s := open(t)
		want := domain.Sealed{Ciphertext: []byte{9}, Nonce: []byte{8}, WrappedKey: []byte("vault:v1:abc")}
		p := newPaste(want)
		require.NoError(t, s.Put(ctx, p))
		got, err := s.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, want, got.Content)
	})

	t.Run("PutConflict", func(t *testing.T) {
		s := open(t)
		p := newPaste(domain.Unprotected{Data: []byte("first")})
		require.NoError(t, s.Put(ctx, p))

		dup := newPaste(domain.Unprotected{Data: []byte("second")})
		dup.ID = p.ID
		err := s.Put(ctx, dup)
		assert.True(t, errors.Is(err, domain.ErrConflict), "got %v", err)

		got, err := s.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), got.Content.(domain.Unprotected).Data)
	})

	t.Run("MissingIsNotFound", func(t *testing.T) {
		s := open(t)
		_, err := s.Get(ctx, testID())
		assert.True(t, errors.Is(err, domain.ErrNotFound))
		_, err = s.Take(ctx, testID())
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("TakeRemoves", func(t *testing.T) {
		s := open(t)
		p := newPaste(domain.Unprotected{Data: []byte("once")})
		require.NoError(t, s.Put(ctx, p))
		got, err := s.Take(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, []byte("once"), got.Content.(domain.Unprotected).Data)

		_, err = s.Get(ctx, p.ID)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
		_, err = s.Take(ctx, p.ID)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("ConcurrentTakeExactlyOnce", func(t *testing.T) {
		s := open(t)
		p := newPaste(domain.Unprotected{Data: []byte("burn me")})
		p.BurnAfterRead = true
		require.NoError(t, s.Put(ctx, p))

		const readers = 32
		var (
			wg      sync.WaitGroup
			winners atomic.Int32
			start   = make(chan struct{})
		)
		for i := 0; i < readers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := s.Take(ctx, p.ID)
				if err == nil {
					winners.Add(1)
					return
				}
				assert.True(t, errors.Is(err, domain.ErrNotFound), "unexpected take error %v", err)
			}()
		}
		close(start)
		wg.Wait()
		assert.Equal(t, int32(1), winners.Load())
	})

	t.Run("DeleteIdempotent", func(t *testing.T) {
		s := open(t)
		p := newPaste(domain.Unprotected{Data: []byte("x")})
		require.NoError(t, s.Put(ctx, p))
		require.NoError(t, s.Delete(ctx, p.ID))
		require.NoError(t, s.Delete(ctx, p.ID))
		_, err := s.Get(ctx, p.ID)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("CancelledContext", func(t *testing.T) {
		s := open(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.Error(t, s.Put(cctx, newPaste(domain.Unprotected{Data: []byte("x")})))
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, open(t).Ping(ctx))
	})
}

func runSweepContract(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()
	s := open(t)
	now := time.Now()

	expired := newPaste(domain.Unprotected{Data: []byte("old")})
	expired.ExpiresAt = now.Add(-time.Minute)
	boundary := newPaste(domain.Unprotected{Data: []byte("edge")})
	boundary.ExpiresAt = now
	live := newPaste(domain.Unprotected{Data: []byte("new")})
	live.ExpiresAt = now.Add(time.Hour)
	forever := newPaste(domain.Unprotected{Data: []byte("forever")})
	for _, p := range []*domain.Paste{expired, boundary, live, forever} {
		require.NoError(t, s.Put(ctx, p))
	}

	n, err := s.Sweep(ctx, now)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 2)

	for _, p := range []*domain.Paste{expired, boundary} {
		_, err := s.Get(ctx, p.ID)
		assert.True(t, errors.Is(err, domain.ErrNotFound), "%s should be swept", p.ID)
	}
	for _, p := range []*domain.Paste{live, forever} {
		_, err := s.Get(ctx, p.ID)
		assert.NoError(t, err, "%s should survive the sweep", p.ID)
	}
}

func openMemory(t *testing.T) Store {
	s := NewMemory()
	t.Cleanup(func() { s.Close() })
	return s
}

func openSQLite(t *testing.T) Store {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "cinder.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, openMemory)
	t.Run("Sweep", func(t *testing.T) { runSweepContract(t, openMemory) })
}

func TestMemoryStoreIsolatesCallers(t *testing.T) {
	s := NewMemory()
	p := newPaste(domain.Unprotected{Data: []byte("abc")})
	require.NoError(t, s.Put(context.Background(), p))
	p.Content.(domain.Unprotected).Data[0] = 'X'

	got, err := s.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got.Content.(domain.Unprotected).Data)
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, openSQLite)
	t.Run("Sweep", func(t *testing.T) { runSweepContract(t, openSQLite) })
}

func TestSQLiteCorruptRow(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "cinder.db"))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.DB().Exec(`INSERT INTO pastes (id, kind, data, created_at) VALUES ('corrupt0001', 2, x'00', 1)`)
	require.NoError(t, err)
	_, err = s.Get(context.Background(), "corrupt0001")
	assert.True(t, errors.Is(err, domain.ErrCryptoFailure), "got %v", err)
}

func TestSQLiteCircuitBreaker(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "cinder.db"))
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < maxFailures; i++ {
		s.recordError(errors.New("disk I/O error"))
	}
	_, err = s.Get(context.Background(), "aaaaaaaaaaa")
	assert.True(t, errors.Is(err, domain.ErrStorageUnavailable))
	assert.True(t, errors.Is(err, ErrCircuitOpen))

	s.recordError(nil)
	_, err = s.Get(context.Background(), "aaaaaaaaaaa")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestSQLiteCheckpoint(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "cinder.db"))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Put(context.Background(), newPaste(domain.Unprotected{Data: []byte("x")})))
	assert.NoError(t, performWALCheckpoint(s.DB()))
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("CINDER_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("CINDER_TEST_POSTGRES_URL not set")
	}
	open := func(t *testing.T) Store {
		s, err := NewPostgres(context.Background(), url, 10, 5*time.Second)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	}
	runStoreContract(t, open)
	t.Run("Sweep", func(t *testing.T) { runSweepContract(t, open) })
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("CINDER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CINDER_TEST_REDIS_URL not set")
	}
	open := func(t *testing.T) Store {
		s, err := NewRedis(context.Background(), RedisOptions{URL: url})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	}
	runStoreContract(t, open)
}

// valuesRow feeds fixed column values to Scan the way a pgx row would.
type valuesRow []any

func (v valuesRow) Scan(dest ...any) error {
	if len(dest) != len(v) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(v))
	}
	for i, d := range dest {
		switch d := d.(type) {
		case *string:
			*d = v[i].(string)
		case *int16:
			*d = v[i].(int16)
		case *int64:
			*d = v[i].(int64)
		case *bool:
			*d = v[i].(bool)
		case *[]byte:
			*d = v[i].([]byte)
		case **int64:
			*d = v[i].(*int64)
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

func TestScanPgPaste(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expires := created.Add(time.Hour).UnixNano()

	p, err := scanPgPaste(valuesRow{
		"pgpaste0001", "rs", int16(domain.KindProtected),
		[]byte("ct"), []byte("salt"), []byte("nonce"), []byte(nil), "argon2id$m=64,t=1,p=1",
		true, created.UnixNano(), &expires,
	})
	require.NoError(t, err)
	assert.Equal(t, "pgpaste0001", p.ID)
	assert.Equal(t, "rs", p.Extension)
	assert.True(t, p.BurnAfterRead)
	assert.True(t, p.CreatedAt.Equal(created))
	assert.True(t, p.ExpiresAt.Equal(created.Add(time.Hour)))
	prot, ok := p.Content.(domain.Protected)
	require.True(t, ok, "got %T", p.Content)
	assert.Equal(t, []byte("ct"), prot.Ciphertext)
	assert.Equal(t, []byte("salt"), prot.Salt)

	p, err = scanPgPaste(valuesRow{
		"pgpaste0002", "", int16(domain.KindUnprotected),
		[]byte("plain"), []byte(nil), []byte(nil), []byte(nil), "",
		false, created.UnixNano(), (*int64)(nil),
	})
	require.NoError(t, err)
	assert.False(t, p.HasExpiry())
	assert.Equal(t, domain.Unprotected{Data: []byte("plain")}, p.Content)
}

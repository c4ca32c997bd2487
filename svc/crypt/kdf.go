package crypt

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"net/http"
	"runtime"
	"sync"
	"time"

	"cinder/metrics"
	"cinder/pkg/domain"
	"cinder/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

const (
	MaxPasswordLength = 1024
	queueSize         = 1024
)

var (
	ErrPasswordTooLong = domain.NewErr("PASSWORD_TOO_LONG", "password too long", http.StatusBadRequest)
	ErrKDFOverloaded   = domain.NewErr("KDF_OVERLOADED", "server busy, try again", http.StatusServiceUnavailable)
)

// Deriver runs argon2id on a fixed pool of workers so concurrent requests
// cannot schedule unbounded KDF work.
type Deriver struct {
	params   Params
	pepper   []byte
	mu       sync.RWMutex
	jobQueue chan deriveJob
	quit     chan struct{}
	wg       sync.WaitGroup
	started  bool
	startMu  sync.Mutex
	stopOnce sync.Once
}

type deriveJob struct {
	ctx      context.Context
	password []byte
	salt     []byte
	params   Params
	resp     chan deriveResult
}

type deriveResult struct {
	key []byte
	err error
}

// NewDeriver validates params. A nil pepper derives from the raw
// password; otherwise the password is first keyed through HMAC-SHA256.
func NewDeriver(params Params, pepper []byte) (*Deriver, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if len(pepper) > 0 && len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	var pepperCopy []byte
	if len(pepper) > 0 {
		pepperCopy = make([]byte, len(pepper))
		copy(pepperCopy, pepper)
	}
	return &Deriver{
		params:   params,
		pepper:   pepperCopy,
		jobQueue: make(chan deriveJob, queueSize),
		quit:     make(chan struct{}),
	}, nil
}

// Params are the settings new pastes are derived with.
func (d *Deriver) Params() Params {
	return d.params
}

func (d *Deriver) Start(workers int) error {
	d.startMu.Lock()
	defer d.startMu.Unlock()
	if d.started {
		return errors.New("deriver already started")
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	d.started = true
	return nil
}

func (d *Deriver) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
		d.wg.Wait()
		d.mu.Lock()
		util.Wipe(d.pepper)
		d.pepper = nil
		d.mu.Unlock()
	})
}

func (d *Deriver) worker() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.jobQueue:
			// Callers that gave up while queued are skipped.
			if err := job.ctx.Err(); err != nil {
				util.Wipe(job.password)
				job.resp <- deriveResult{err: err}
				continue
			}
			key := d.derive(job.password, job.salt, job.params)
			util.Wipe(job.password)
			job.resp <- deriveResult{key: key}
		case <-d.quit:
			return
		}
	}
}

// Derive returns a KeyLen key for password and salt under params. It
// blocks until a worker is free, ctx ends, or the pool shuts down.
func (d *Deriver) Derive(ctx context.Context, password string, salt []byte, params Params) ([]byte, error) {
	d.startMu.Lock()
	started := d.started
	d.startMu.Unlock()
	if !started {
		return nil, errors.New("deriver not started - call Start() first")
	}
	if len(password) > MaxPasswordLength {
		return nil, ErrPasswordTooLong
	}
	if err := params.validate(); err != nil {
		return nil, errors.Wrap(domain.ErrCryptoFailure, err.Error())
	}

	start := time.Now()
	defer func() { metrics.KDFDuration.Observe(time.Since(start).Seconds()) }()

	respChan := make(chan deriveResult, 1)
	job := deriveJob{ctx: ctx, password: []byte(password), salt: salt, params: params, resp: respChan}

	select {
	case d.jobQueue <- job:
	case <-ctx.Done():
		return nil, errors.Wrap(ErrKDFOverloaded, ctx.Err().Error())
	case <-d.quit:
		return nil, domain.ErrShuttingDown
	}
	select {
	case res := <-respChan:
		return res.key, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.quit:
		return nil, domain.ErrShuttingDown
	}
}

// DummyDerive performs a derivation with throwaway inputs at the current
// cost so a request for an absent paste costs what a real one does.
func (d *Deriver) DummyDerive(ctx context.Context) {
	salt := make([]byte, SaltLen)
	key, err := d.Derive(ctx, "cinder-dummy-password", salt, d.params)
	if err == nil {
		util.Wipe(key)
	}
}

func (d *Deriver) derive(password, salt []byte, p Params) []byte {
	input, peppered := d.applyPepper(password)
	if peppered {
		defer util.Wipe(input)
	}
	return argon2.IDKey(input, salt, p.Iterations, p.Memory, p.Parallelism, KeyLen)
}

func (d *Deriver) applyPepper(password []byte) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.pepper) == 0 {
		return password, false
	}
	mac := hmac.New(sha256.New, d.pepper)
	mac.Write(password)
	return mac.Sum(nil), true
}

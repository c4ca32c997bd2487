package svc

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cinder/metrics"
	"cinder/pkg/domain"
	"cinder/pkg/kms"
	"cinder/svc/crypt"
	"cinder/svc/db"
	"cinder/svc/render"
	"cinder/svc/util"

	"github.com/pkg/errors"
)

// KeyWrapper seals per-paste data keys under a server-held key. Wrapped
// keys are bound to the paste id.
type KeyWrapper interface {
	WrapKey(ctx context.Context, dek []byte, pasteID string) ([]byte, error)
	UnwrapKey(ctx context.Context, wrapped []byte, pasteID string) ([]byte, error)
}

type Deps struct {
	Store    db.Store
	IDs      util.IDSource
	Deriver  *crypt.Deriver
	Tokens   *util.DeletionTokens
	Renderer render.Renderer
	// Keys enables at-rest encryption of pastes created without a
	// password. Nil stores them as submitted.
	Keys KeyWrapper
	// Now is the clock expiry is judged against. Defaults to time.Now.
	Now              func() time.Time
	MaxPasteSize     int
	MaxIDAttempts    int
	ReadFailureFloor time.Duration
}

// Paste runs the create, read and delete flows over an injected store. It
// holds no locks around store calls; burn exclusivity is Store.Take's.
type Paste struct {
	store    db.Store
	ids      util.IDSource
	deriver  *crypt.Deriver
	tokens   *util.DeletionTokens
	renderer render.Renderer
	keys     KeyWrapper
	now      func() time.Time

	maxPasteSize  int
	maxIDAttempts int
	failureFloor  time.Duration

	shutdown atomic.Bool
	opWg     sync.WaitGroup
}

func NewPaste(d Deps) *Paste {
	if d.Store == nil || d.IDs == nil || d.Deriver == nil || d.Tokens == nil || d.Renderer == nil {
		panic("paste service: nil dependency (store, ids, deriver, tokens, or renderer)")
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.MaxIDAttempts <= 0 {
		d.MaxIDAttempts = 5
	}
	if d.MaxPasteSize <= 0 {
		d.MaxPasteSize = 1 << 20
	}
	return &Paste{
		store:         d.Store,
		ids:           d.IDs,
		deriver:       d.Deriver,
		tokens:        d.Tokens,
		renderer:      d.Renderer,
		keys:          d.Keys,
		now:           d.Now,
		maxPasteSize:  d.MaxPasteSize,
		maxIDAttempts: d.MaxIDAttempts,
		failureFloor:  d.ReadFailureFloor,
	}
}

// Shutdown refuses new operations and waits for in-flight ones.
func (p *Paste) Shutdown() {
	p.shutdown.Store(true)
	done := make(chan struct{})
	go func() {
		p.opWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		util.Warn().Msg("paste operations didn't finish in time")
	}
	util.Debug().Msg("paste service shutdown complete")
}

func (p *Paste) begin() error {
	if p.shutdown.Load() {
		return domain.ErrShuttingDown
	}
	p.opWg.Add(1)
	return nil
}

func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.Created, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()

	if len(params.Content) == 0 {
		return nil, domain.ErrContentRequired
	}
	if len(params.Content) > p.maxPasteSize {
		return nil, domain.ErrPasteTooLarge
	}
	if len(params.Password) > crypt.MaxPasswordLength {
		return nil, crypt.ErrPasswordTooLong
	}
	ext, err := NormalizeExtension(params.Extension)
	if err != nil {
		return nil, err
	}

	now := p.now().UTC()
	paste := &domain.Paste{
		Extension:     ext,
		CreatedAt:     now,
		BurnAfterRead: params.Expiry.BurnAfterRead,
	}
	if params.Expiry.TTL > 0 {
		paste.ExpiresAt = now.Add(params.Expiry.TTL)
	}

	var pw *passwordKey
	if params.Password != "" {
		pw, err = p.newPasswordKey(ctx, params.Password)
		if err != nil {
			return nil, err
		}
		defer util.Wipe(pw.key)
	}

	for attempt := 1; attempt <= p.maxIDAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "create paste")
		}
		id, err := p.ids.NewID()
		if err != nil {
			return nil, errors.Wrap(err, "gen id")
		}
		paste.ID = id
		paste.Content, err = p.seal(ctx, paste, params.Content, pw)
		if err != nil {
			return nil, err
		}
		err = p.store.Put(ctx, paste)
		if errors.Is(err, domain.ErrConflict) {
			metrics.IDCollisions.Inc()
			util.Debug().Int("attempt", attempt).Msg("id collision, regenerating")
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "put paste")
		}

		token, err := p.tokens.Issue(id)
		if err != nil {
			// Nobody holds the id yet, so the orphan can go.
			if derr := p.store.Delete(context.WithoutCancel(ctx), id); derr != nil {
				util.Warn().Err(derr).Str("id", util.RedactID(id)).Msg("failed to remove paste after token failure")
			}
			return nil, errors.Wrap(err, "issue deletion token")
		}
		metrics.PasteCreated.Inc()
		util.Info().
			Str("id", util.RedactID(id)).
			Str("kind", paste.Content.Kind().String()).
			Bool("burn", paste.BurnAfterRead).
			Bool("expires", paste.HasExpiry()).
			Msg("paste created")
		return &domain.Created{
			ID:            id,
			ExpiresAt:     paste.ExpiresAt,
			BurnAfterRead: paste.BurnAfterRead,
			DeletionToken: token,
		}, nil
	}
	util.Error().Int("attempts", p.maxIDAttempts).Msg("id space exhausted")
	return nil, domain.ErrIDSpaceExhausted
}

type passwordKey struct {
	key  []byte
	salt []byte
	kdf  string
}

// newPasswordKey derives once per create; the key is reused across id
// retries since only the nonce and AAD depend on the id.
func (p *Paste) newPasswordKey(ctx context.Context, password string) (*passwordKey, error) {
	salt, err := crypt.NewSalt()
	if err != nil {
		return nil, errors.Wrap(err, "gen salt")
	}
	params := p.deriver.Params()
	key, err := p.deriver.Derive(ctx, password, salt, params)
	if err != nil {
		return nil, errors.Wrap(err, "derive key")
	}
	return &passwordKey{key: key, salt: salt, kdf: params.String()}, nil
}

func (p *Paste) seal(ctx context.Context, paste *domain.Paste, plaintext []byte, pw *passwordKey) (domain.Content, error) {
	switch {
	case pw != nil:
		nonce, err := crypt.NewNonce()
		if err != nil {
			return nil, errors.Wrap(err, "gen nonce")
		}
		ct, err := crypt.Seal(pw.key, nonce, plaintext, paste.AAD())
		if err != nil {
			return nil, err
		}
		return domain.Protected{Ciphertext: ct, Salt: pw.salt, Nonce: nonce, KDF: pw.kdf}, nil
	case p.keys != nil:
		dek, err := kms.GenerateDEK()
		if err != nil {
			return nil, errors.Wrap(err, "generate dek")
		}
		defer util.Wipe(dek)
		wrapped, err := p.keys.WrapKey(ctx, dek, paste.ID)
		if err != nil {
			return nil, keyServiceErr("wrap", err)
		}
		nonce, err := crypt.NewNonce()
		if err != nil {
			return nil, errors.Wrap(err, "gen nonce")
		}
		ct, err := crypt.Seal(dek, nonce, plaintext, paste.AAD())
		if err != nil {
			return nil, err
		}
		return domain.Sealed{Ciphertext: ct, Nonce: nonce, WrappedKey: wrapped}, nil
	default:
		data := make([]byte, len(plaintext))
		copy(data, plaintext)
		return domain.Unprotected{Data: data}, nil
	}
}

// Open returns a paste's plaintext once every lifecycle check passes. A
// burn paste is consumed only after its password has been verified.
func (p *Paste) Open(ctx context.Context, id, password string) (*domain.Opened, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()

	start := time.Now()
	opened, outcome, err := p.open(ctx, id, password)
	metrics.PasteRead.WithLabelValues(outcome).Inc()
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrAuthentication) {
			p.padFailure(ctx, start)
		} else {
			util.Error().Err(err).Str("id", util.RedactID(id)).Msg("paste read failed")
		}
		return nil, err
	}
	return opened, nil
}

func (p *Paste) open(ctx context.Context, id, password string) (*domain.Opened, string, error) {
	if !util.ValidID(id) {
		p.absent(ctx, password)
		return nil, metrics.OutcomeNotFound, domain.ErrNotFound
	}
	rec, err := p.store.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		p.absent(ctx, password)
		return nil, metrics.OutcomeNotFound, domain.ErrNotFound
	}
	if err != nil {
		return nil, metrics.OutcomeError, err
	}
	if rec.ExpiredAt(p.now()) {
		p.expire(ctx, id)
		return nil, metrics.OutcomeExpired, domain.ErrNotFound
	}

	plaintext, err := p.decrypt(ctx, rec, password)
	if err != nil {
		if errors.Is(err, domain.ErrAuthentication) {
			return nil, metrics.OutcomeAuth, err
		}
		return nil, metrics.OutcomeError, err
	}

	if rec.BurnAfterRead {
		taken, err := p.store.Take(ctx, id)
		if err != nil {
			util.Wipe(plaintext)
			if errors.Is(err, domain.ErrNotFound) {
				return nil, metrics.OutcomeNotFound, domain.ErrNotFound
			}
			return nil, metrics.OutcomeError, err
		}
		if taken.ExpiredAt(p.now()) {
			util.Wipe(plaintext)
			return nil, metrics.OutcomeExpired, domain.ErrNotFound
		}
		// The id may have been freed and reused between Get and Take.
		if !sameRecord(rec, taken) {
			util.Wipe(plaintext)
			if plaintext, err = p.decrypt(ctx, taken, password); err != nil {
				return nil, metrics.OutcomeError, errors.Wrap(err, "taken record changed")
			}
			rec = taken
		}
		metrics.PasteBurned.Inc()
		util.Info().Str("id", util.RedactID(id)).Msg("paste burned")
	}

	return &domain.Opened{
		ID:            rec.ID,
		Extension:     rec.Extension,
		CreatedAt:     rec.CreatedAt,
		ExpiresAt:     rec.ExpiresAt,
		BurnAfterRead: rec.BurnAfterRead,
		Plaintext:     plaintext,
	}, metrics.OutcomeServed, nil
}

// absent spends a derivation when a password was offered so guessing
// against a missing id costs the same as against a real one.
func (p *Paste) absent(ctx context.Context, password string) {
	if password != "" {
		p.deriver.DummyDerive(ctx)
	}
}

func (p *Paste) expire(ctx context.Context, id string) {
	if err := p.store.Delete(context.WithoutCancel(ctx), id); err != nil {
		util.Warn().Err(err).Str("id", util.RedactID(id)).Msg("failed to remove expired paste")
	}
}

func (p *Paste) decrypt(ctx context.Context, rec *domain.Paste, password string) ([]byte, error) {
	switch c := rec.Content.(type) {
	case domain.Unprotected:
		out := make([]byte, len(c.Data))
		copy(out, c.Data)
		return out, nil
	case domain.Protected:
		if password == "" {
			return nil, domain.ErrAuthentication
		}
		params, err := crypt.ParseParams(c.KDF)
		if err != nil {
			return nil, err
		}
		key, err := p.deriver.Derive(ctx, password, c.Salt, params)
		if err != nil {
			return nil, errors.Wrap(err, "derive key")
		}
		defer util.Wipe(key)
		return crypt.Open(key, c.Nonce, c.Ciphertext, rec.AAD())
	case domain.Sealed:
		if p.keys == nil {
			return nil, errors.Wrap(domain.ErrCryptoFailure, "sealed paste but no key service configured")
		}
		dek, err := p.keys.UnwrapKey(ctx, c.WrappedKey, rec.ID)
		if err != nil {
			return nil, keyServiceErr("unwrap", err)
		}
		defer util.Wipe(dek)
		plaintext, err := crypt.Open(dek, c.Nonce, c.Ciphertext, rec.AAD())
		if errors.Is(err, domain.ErrAuthentication) {
			// No password is involved, so a failed open is corruption.
			return nil, errors.Wrap(domain.ErrCryptoFailure, "sealed paste failed authentication")
		}
		return plaintext, err
	}
	return nil, domain.ErrCryptoFailure
}

// keyServiceErr treats a rejected wrapped key as corruption. Anything else
// from the key service is an outage and worth retrying.
func keyServiceErr(op string, err error) error {
	if errors.Is(err, kms.ErrDecryptionFailed) {
		return errors.Wrap(domain.ErrCryptoFailure, "kms "+op+": "+err.Error())
	}
	return domain.Unavailable("kms "+op, err)
}

func sameRecord(a, b *domain.Paste) bool {
	ea, eb := domain.Flatten(a.Content), domain.Flatten(b.Content)
	return a.ExpiresAt.Equal(b.ExpiresAt) &&
		a.BurnAfterRead == b.BurnAfterRead &&
		ea.Kind == eb.Kind &&
		bytes.Equal(ea.Data, eb.Data) &&
		bytes.Equal(ea.Nonce, eb.Nonce) &&
		bytes.Equal(ea.Salt, eb.Salt) &&
		bytes.Equal(ea.WrappedKey, eb.WrappedKey)
}

// padFailure holds not-found and wrong-password answers to a common floor
// plus jitter.
func (p *Paste) padFailure(ctx context.Context, start time.Time) {
	if p.failureFloor <= 0 {
		return
	}
	target := p.failureFloor + util.RandomDuration(p.failureFloor/5)
	wait := target - time.Since(start)
	if wait <= 0 {
		return
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Read opens the paste and renders it. ext, when set, overrides the
// stored extension for this response only.
func (p *Paste) Read(ctx context.Context, id, password, ext string) (*domain.Rendered, error) {
	override, err := NormalizeExtension(ext)
	if err != nil {
		return nil, err
	}
	opened, err := p.Open(ctx, id, password)
	if err != nil {
		return nil, err
	}
	defer util.Wipe(opened.Plaintext)
	if override == "" {
		override = opened.Extension
	}
	markup, err := p.renderer.Render(opened.Plaintext, override)
	if err != nil {
		return nil, errors.Wrap(err, "render paste")
	}
	return &domain.Rendered{
		ID:            opened.ID,
		Extension:     override,
		BurnAfterRead: opened.BurnAfterRead,
		Markup:        markup,
	}, nil
}

// Delete removes a paste for the holder of its deletion token. Deleting
// an already absent paste with a valid token succeeds.
func (p *Paste) Delete(ctx context.Context, id, token string) error {
	if err := p.begin(); err != nil {
		return err
	}
	defer p.opWg.Done()

	if !util.ValidID(id) || token == "" {
		return domain.ErrUnauthorized
	}
	if err := p.tokens.Verify(token, id); err != nil {
		util.Warn().
			Str("id", util.RedactID(id)).
			Str("token", util.RedactToken(token)).
			Str("reason", err.Error()).
			Msg("deletion token rejected")
		return errors.Wrap(domain.ErrUnauthorized, err.Error())
	}
	if err := p.store.Delete(ctx, id); err != nil {
		return errors.Wrap(err, "delete paste")
	}
	metrics.PasteDeleted.Inc()
	util.Info().Str("id", util.RedactID(id)).Msg("paste deleted via token")
	return nil
}

package kms

import (
	"context"
	"crypto/rand"
)

func GenerateDEK() ([]byte, error) {
	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return nil, err
	}
	return dek, nil
}

// Envelope wraps per-paste data keys under the server key and unwraps
// them through the cache.
type Envelope struct {
	adapter *Adapter
	cache   *KEKCache
}

func NewEnvelope(adapter *Adapter, cache *KEKCache) *Envelope {
	return &Envelope{adapter: adapter, cache: cache}
}

func (e *Envelope) WrapKey(ctx context.Context, dek []byte, pasteID string) ([]byte, error) {
	return e.adapter.EncryptWithContext(ctx, dek, PasteContext(pasteID))
}

func (e *Envelope) UnwrapKey(ctx context.Context, wrapped []byte, pasteID string) ([]byte, error) {
	return e.cache.Unwrap(ctx, wrapped, PasteContext(pasteID))
}

func (e *Envelope) GetSecret(ctx context.Context, key string) (string, error) {
	return e.adapter.GetSecret(ctx, key)
}

func (e *Envelope) Stop() {
	e.cache.Stop()
}

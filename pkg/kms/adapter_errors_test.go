package kms

import (
	"context"
	"errors"
	"testing"
)

var errDial = errors.New("dial tcp 10.0.0.5:8200: connect: connection refused")

type downProvider struct{ mockProvider }

func (d *downProvider) EncryptWithContext(ctx context.Context, plaintext []byte, encContext []byte) ([]byte, error) {
	return nil, errDial
}

func TestAdapterClassifiesProviderErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("Unreachable primary on encrypt", func(t *testing.T) {
		a := &Adapter{primary: &downProvider{}, failClosed: true}
		_, err := a.EncryptWithContext(ctx, []byte("dek"), PasteContext("abc"))
		if !errors.Is(err, ErrProviderUnavailable) {
			t.Fatalf("expected ErrProviderUnavailable, got %v", err)
		}
		if !errors.Is(err, errDial) {
			t.Errorf("cause lost: %v", err)
		}
		if errors.Is(err, ErrDecryptionFailed) {
			t.Errorf("outage reported as bad ciphertext: %v", err)
		}
	})

	t.Run("Unreachable primary on decrypt", func(t *testing.T) {
		mp := &mockProvider{decryptFunc: func(context.Context, []byte) ([]byte, error) { return nil, errDial }}
		a := &Adapter{primary: mp, failClosed: true}
		_, err := a.DecryptWithContext(ctx, []byte("wrapped"), PasteContext("abc"))
		if !errors.Is(err, ErrProviderUnavailable) {
			t.Fatalf("expected ErrProviderUnavailable, got %v", err)
		}
	})

	t.Run("Rejected ciphertext stays a decryption failure", func(t *testing.T) {
		mp := &mockProvider{decryptFunc: func(context.Context, []byte) ([]byte, error) { return nil, ErrDecryptionFailed }}
		a := &Adapter{primary: mp, failClosed: true}
		_, err := a.DecryptWithContext(ctx, []byte("wrapped"), PasteContext("abc"))
		if !errors.Is(err, ErrDecryptionFailed) {
			t.Fatalf("expected ErrDecryptionFailed, got %v", err)
		}
		if errors.Is(err, ErrProviderUnavailable) {
			t.Errorf("bad ciphertext reported as outage: %v", err)
		}
	})

	t.Run("Local key rejects short ciphertext as bad data", func(t *testing.T) {
		lp, err := newLocalProvider("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
		if err != nil {
			t.Fatal(err)
		}
		a := &Adapter{fallback: lp}
		_, err = a.DecryptWithContext(ctx, []byte{1, 2}, nil)
		if !errors.Is(err, ErrDecryptionFailed) {
			t.Fatalf("expected ErrDecryptionFailed, got %v", err)
		}
	})
}

package kms

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cinder/svc/util"
)

var (
	ErrProviderUnavailable = errors.New("kms provider unavailable")
	ErrDecryptionFailed    = errors.New("decryption failed")
)

const opTimeout = 10 * time.Second

// EncryptionContext is bound into every wrap as additional data. The same
// context must be presented to unwrap.
type EncryptionContext map[string]string

// PasteContext binds a wrapped data key to the paste that owns it.
func PasteContext(pasteID string) EncryptionContext {
	return EncryptionContext{"paste_id": pasteID}
}

type Provider interface {
	Name() string
	EncryptWithContext(ctx context.Context, plaintext []byte, encContext []byte) ([]byte, error)
	DecryptWithContext(ctx context.Context, ciphertext []byte, encContext []byte) ([]byte, error)
	GetSecret(ctx context.Context, key string) (string, error)
}

type Options struct {
	VaultAddr       string
	VaultToken      string
	VaultTokenFile  string
	VaultMountPath  string
	VaultKeyID      string
	VaultSecretPath string
	AWSRegion       string
	AWSKeyID        string
	LocalKey        string
	// RequirePrimary refuses to run on the local key alone.
	RequirePrimary bool
	// FailClosed stops a failed primary call from falling through to the
	// local key.
	FailClosed bool
}

type Adapter struct {
	primary        Provider
	fallback       Provider
	failClosed     bool
	requirePrimary bool
}

// NewAdapter probes Vault, then AWS KMS, and keeps the local key as a
// fallback unless a primary is required.
func NewAdapter(ctx context.Context, opts Options) (*Adapter, error) {
	var primary, fallback Provider
	if opts.VaultAddr != "" {
		vp, err := newVaultProvider(ctx, opts)
		if err != nil {
			util.Warn().Err(err).Msg("vault provider unavailable")
		} else {
			primary = vp
		}
	}
	if primary == nil && opts.AWSRegion != "" {
		ap, err := newAWSProvider(ctx, opts)
		if err != nil {
			util.Warn().Err(err).Msg("aws kms provider unavailable")
		} else {
			primary = ap
		}
	}
	if !opts.RequirePrimary && opts.LocalKey != "" {
		lp, err := newLocalProvider(opts.LocalKey)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize local provider: %w", err)
		}
		fallback = lp
	}
	if primary == nil && fallback == nil {
		if opts.RequirePrimary {
			return nil, fmt.Errorf("KMS_REQUIRE_PRIMARY=true but no primary provider available (checked Vault, AWS KMS)")
		}
		return nil, fmt.Errorf("no KMS providers available (checked Vault, AWS KMS, local key)")
	}
	a := &Adapter{
		primary:        primary,
		fallback:       fallback,
		failClosed:     opts.FailClosed,
		requirePrimary: opts.RequirePrimary,
	}
	util.Info().Str("provider", a.Name()).Bool("fail_closed", a.failClosed).Msg("kms adapter ready")
	return a, nil
}

func (a *Adapter) Name() string {
	if a.primary != nil {
		return a.primary.Name()
	}
	if a.fallback != nil {
		return a.fallback.Name()
	}
	return "none"
}

func (a *Adapter) EncryptWithContext(ctx context.Context, plaintext []byte, encContext EncryptionContext) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	contextBytes := serializeEncryptionContext(encContext)
	if a.primary != nil {
		ciphertext, err := a.primary.EncryptWithContext(ctx, plaintext, contextBytes)
		if err == nil {
			return ciphertext, nil
		}
		if a.requirePrimary || a.failClosed || a.fallback == nil {
			return nil, providerErr(a.primary.Name(), "encrypt", err)
		}
		util.Warn().Err(err).Str("provider", a.primary.Name()).Msg("kms encrypt falling back to local key")
	}
	if a.fallback != nil {
		ciphertext, err := a.fallback.EncryptWithContext(ctx, plaintext, contextBytes)
		if err != nil {
			return nil, providerErr(a.fallback.Name(), "encrypt", err)
		}
		return ciphertext, nil
	}
	return nil, ErrProviderUnavailable
}

func (a *Adapter) DecryptWithContext(ctx context.Context, ciphertext []byte, encContext EncryptionContext) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	contextBytes := serializeEncryptionContext(encContext)
	if a.primary != nil {
		plaintext, err := a.primary.DecryptWithContext(ctx, ciphertext, contextBytes)
		if err == nil {
			return plaintext, nil
		}
		if a.requirePrimary || a.failClosed || a.fallback == nil {
			return nil, providerErr(a.primary.Name(), "decrypt", err)
		}
	}
	if a.fallback != nil {
		plaintext, err := a.fallback.DecryptWithContext(ctx, ciphertext, contextBytes)
		if err != nil {
			return nil, providerErr(a.fallback.Name(), "decrypt", err)
		}
		return plaintext, nil
	}
	return nil, ErrProviderUnavailable
}

// providerErr keeps a rejected ciphertext apart from a provider that could
// not be reached or refused the call. Only the former means the wrapped key
// is bad.
func providerErr(name, op string, err error) error {
	if errors.Is(err, ErrDecryptionFailed) {
		return fmt.Errorf("%s %s failed: %w", name, op, err)
	}
	return fmt.Errorf("%s %s failed: %w: %w", name, op, ErrProviderUnavailable, err)
}

func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if a.primary != nil {
		val, err := a.primary.GetSecret(ctx, key)
		if err == nil && val != "" {
			return val, nil
		}
		if a.requirePrimary || a.failClosed || a.fallback == nil {
			return "", fmt.Errorf("get secret %s failed: %w", key, err)
		}
	}
	if a.fallback != nil {
		return a.fallback.GetSecret(ctx, key)
	}
	return "", ErrProviderUnavailable
}

func serializeEncryptionContext(ctx EncryptionContext) []byte {
	if len(ctx) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(ctx[k])
		buf.WriteByte(';')
	}
	return buf.Bytes()
}

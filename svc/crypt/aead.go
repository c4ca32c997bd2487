package crypt

import (
	"crypto/rand"

	"cinder/metrics"
	"cinder/pkg/domain"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

const NonceLen = chacha20poly1305.NonceSizeX

func NewSalt() ([]byte, error) {
	return randomBytes(SaltLen)
}

func NewNonce() ([]byte, error) {
	return randomBytes(NonceLen)
}

func NewKey() ([]byte, error) {
	return randomBytes(KeyLen)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, errors.Wrap(err, "rand fail")
	}
	return b, nil
}

// Seal encrypts plaintext with XChaCha20-Poly1305 bound to aad.
func Seal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(domain.ErrCryptoFailure, err.Error())
	}
	if len(nonce) != aead.NonceSize() {
		return nil, errors.Wrap(domain.ErrCryptoFailure, "nonce size")
	}
	metrics.EncryptionOps.WithLabelValues("seal").Inc()
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open reverses Seal. A wrong key, altered ciphertext or different aad
// all report ErrAuthentication.
func Open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(domain.ErrCryptoFailure, err.Error())
	}
	if len(nonce) != aead.NonceSize() {
		return nil, errors.Wrap(domain.ErrCryptoFailure, "nonce size")
	}
	metrics.EncryptionOps.WithLabelValues("open").Inc()
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, domain.ErrAuthentication
	}
	return plaintext, nil
}

package util

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"math/big"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrTokenExpired   = errors.New("deletion token expired")
	ErrTokenForged    = errors.New("deletion token signature invalid")
	ErrTokenMalformed = errors.New("deletion token malformed")
)

const tokenMACLen = sha256.Size

// DeletionTokens issues and verifies the capability that authorizes
// explicit deletion of one paste. A token is expiry|id|HMAC sealed with
// XChaCha20-Poly1305, so its contents are opaque to the holder.
type DeletionTokens struct {
	macKey   []byte
	encKey   []byte
	validFor time.Duration
	// Floor pads Issue and Verify so they take a uniform minimum time.
	Floor time.Duration
	Now   func() time.Time
}

// NewDeletionTokens derives independent MAC and encryption keys from
// secret. An empty secret yields a random per-process key, which means
// tokens do not survive a restart.
func NewDeletionTokens(secret []byte, validFor time.Duration) (*DeletionTokens, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, errors.Wrap(err, "generate token key")
		}
		Warn().Msg("DELETION_TOKEN_SECRET not set, deletion tokens will not survive restart")
	} else if err := validateKeyEntropy(secret); err != nil {
		return nil, err
	}
	return &DeletionTokens{
		macKey:   subkey(secret, "cinder/token/mac"),
		encKey:   subkey(secret, "cinder/token/enc"),
		validFor: validFor,
		Floor:    30 * time.Millisecond,
		Now:      time.Now,
	}, nil
}

func subkey(secret []byte, label string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(label))
	return mac.Sum(nil)
}

func validateKeyEntropy(secret []byte) error {
	if len(secret) < 32 {
		return errors.New("deletion token key must be at least 32 bytes")
	}
	unique := make(map[byte]struct{})
	for _, b := range secret {
		unique[b] = struct{}{}
	}
	if len(unique) < 16 {
		return errors.New("deletion token key has insufficient entropy (too many repeating bytes)")
	}
	return nil
}

func (d *DeletionTokens) Issue(pasteID string) (string, error) {
	start := time.Now()
	defer d.normalizeTiming(start)

	expiry := d.Now().Add(d.validFor).Unix()
	payload := make([]byte, 8, 8+len(pasteID)+tokenMACLen)
	binary.BigEndian.PutUint64(payload, uint64(expiry))
	payload = append(payload, pasteID...)
	payload = append(payload, d.sign(pasteID, payload[:8])...)

	aead, err := chacha20poly1305.NewX(d.encKey)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(aead.Seal(nonce, nonce, payload, nil)), nil
}

// Verify checks that token was issued for pasteID and has not expired.
// Every failure path does the same amount of work before returning.
func (d *DeletionTokens) Verify(token, pasteID string) error {
	start := time.Now()
	defer d.normalizeTiming(start)

	valid := true
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(decoded) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		valid = false
		decoded = randomBytes(chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead + 8 + tokenMACLen)
	}
	aead, err := chacha20poly1305.NewX(d.encKey)
	if err != nil {
		return err
	}
	nonce, sealed := decoded[:aead.NonceSize()], decoded[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil || len(plaintext) < 8+tokenMACLen {
		valid = false
		plaintext = randomBytes(8 + len(pasteID) + tokenMACLen)
	}

	expiryBytes := plaintext[:8]
	extractedID := string(plaintext[8 : len(plaintext)-tokenMACLen])
	providedMAC := plaintext[len(plaintext)-tokenMACLen:]
	expectedMAC := d.sign(extractedID, expiryBytes)

	macMatch := subtle.ConstantTimeCompare(providedMAC, expectedMAC) == 1
	idMatch := subtle.ConstantTimeCompare([]byte(extractedID), []byte(pasteID)) == 1
	notExpired := d.Now().Unix() <= int64(binary.BigEndian.Uint64(expiryBytes))

	if !valid {
		return ErrTokenMalformed
	}
	if !macMatch || !idMatch {
		return ErrTokenForged
	}
	if !notExpired {
		return ErrTokenExpired
	}
	return nil
}

func (d *DeletionTokens) sign(pasteID string, expiry []byte) []byte {
	mac := hmac.New(sha256.New, d.macKey)
	mac.Write([]byte(pasteID))
	mac.Write(expiry)
	return mac.Sum(nil)
}

func (d *DeletionTokens) normalizeTiming(start time.Time) {
	if d.Floor <= 0 {
		return
	}
	target := d.Floor + RandomDuration(d.Floor)
	if elapsed := time.Since(start); elapsed < target {
		time.Sleep(target - elapsed)
	}
}

// Wipe zeroes the derived keys. The value is unusable afterwards.
func (d *DeletionTokens) Wipe() {
	Wipe(d.macKey)
	Wipe(d.encKey)
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

// RandomDuration returns a uniformly random duration in [0, max).
func RandomDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}

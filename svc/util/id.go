package util

import (
	"crypto/rand"
	"io"
	"math/big"
	"regexp"

	"github.com/pkg/errors"
)

const (
	base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	IDLen       = 11
	idBytes     = 8
)

var idPattern = regexp.MustCompile(`^[0-9A-Za-z]{11}$`)

// IDSource produces candidate paste ids. Candidates are not unique by
// construction; the store reports collisions and the caller retries.
type IDSource interface {
	NewID() (string, error)
}

// Base62 draws 64 random bits and encodes them as a fixed-width base62
// string. Rand defaults to crypto/rand.
type Base62 struct {
	Rand io.Reader
}

func (b Base62) NewID() (string, error) {
	r := b.Rand
	if r == nil {
		r = rand.Reader
	}
	buf := make([]byte, idBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", errors.Wrap(err, "rand fail")
	}
	return toBase62(new(big.Int).SetBytes(buf)), nil
}

// ValidID reports whether id has the shape Base62 produces.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

func toBase62(num *big.Int) string {
	base := big.NewInt(62)
	result := make([]byte, 0, IDLen)
	temp := new(big.Int).Set(num)
	mod := new(big.Int)
	for temp.Sign() > 0 {
		temp.DivMod(temp, base, mod)
		result = append(result, base62Chars[mod.Int64()])
	}
	for len(result) < IDLen {
		result = append(result, base62Chars[0])
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return string(result)
}

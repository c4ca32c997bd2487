package crypt

import (
	"fmt"

	"cinder/pkg/domain"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

const (
	KeyLen  = 32
	SaltLen = 16

	maxMemory      = 2 * 1024 * 1024
	minMemory      = 8
	maxIterations  = 100
	maxParallelism = 128
)

// Params are the argon2id cost settings. They are stored with every
// protected paste so that changing the configured cost never orphans
// existing pastes.
type Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
}

func (p Params) String() string {
	return fmt.Sprintf("argon2id$v=%d$m=%d,t=%d,p=%d", argon2.Version, p.Memory, p.Iterations, p.Parallelism)
}

func (p Params) validate() error {
	if p.Iterations == 0 || p.Iterations > maxIterations {
		return errors.New("iterations must be between 1 and 100")
	}
	if p.Memory < minMemory || p.Memory > maxMemory {
		return errors.New("memory must be between 8 and 2097152 KiB")
	}
	if p.Parallelism == 0 || p.Parallelism > maxParallelism {
		return errors.New("parallelism must be between 1 and 128")
	}
	return nil
}

// ParseParams decodes the stored form. Anything malformed or outside the
// accepted bounds is a corrupt record.
func ParseParams(s string) (Params, error) {
	var (
		version int
		p       Params
	)
	n, err := fmt.Sscanf(s, "argon2id$v=%d$m=%d,t=%d,p=%d", &version, &p.Memory, &p.Iterations, &p.Parallelism)
	if err != nil || n != 4 || version != argon2.Version {
		return Params{}, errors.Wrap(domain.ErrCryptoFailure, "kdf params")
	}
	if p.String() != s {
		return Params{}, errors.Wrap(domain.ErrCryptoFailure, "kdf params")
	}
	if err := p.validate(); err != nil {
		return Params{}, errors.Wrap(domain.ErrCryptoFailure, err.Error())
	}
	return p, nil
}

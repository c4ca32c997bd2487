package domain

import (
	"strconv"
	"strings"
	"time"
)

// Paste is the stored record. It is never modified after Put; the only
// transition a stored paste goes through is removal.
type Paste struct {
	ID            string
	Extension     string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	BurnAfterRead bool
	Content       Content
}

func (p *Paste) HasPassword() bool {
	_, ok := p.Content.(Protected)
	return ok
}

func (p *Paste) HasExpiry() bool {
	return !p.ExpiresAt.IsZero()
}

// ExpiredAt reports whether the paste must no longer be served at now.
// The expiry instant itself already counts as expired.
func (p *Paste) ExpiredAt(now time.Time) bool {
	return p.HasExpiry() && !now.Before(p.ExpiresAt)
}

// AAD is the additional data every sealed payload of this paste is bound to.
func (p *Paste) AAD() []byte {
	var exp int64
	if p.HasExpiry() {
		exp = p.ExpiresAt.UnixNano()
	}
	return []byte("cinder/v1|" + p.ID + "|" + strconv.FormatBool(p.BurnAfterRead) + "|" + strconv.FormatInt(exp, 10))
}

// Clone returns a deep copy so stores can hand out records without
// sharing byte slices with their own state.
func (p *Paste) Clone() *Paste {
	c := *p
	c.Content = cloneContent(p.Content)
	return &c
}

const BurnSentinel = "burn"

type ExpiryPolicy struct {
	TTL           time.Duration
	BurnAfterRead bool
}

func (e ExpiryPolicy) Never() bool {
	return e.TTL == 0 && !e.BurnAfterRead
}

// ParseExpiry reads the creation form's expires field: empty or "0" never
// expires, "burn" burns after the first read, a positive integer is a
// lifetime in seconds.
func ParseExpiry(s string) (ExpiryPolicy, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "", "0":
		return ExpiryPolicy{}, nil
	case BurnSentinel:
		return ExpiryPolicy{BurnAfterRead: true}, nil
	}
	secs, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return ExpiryPolicy{}, ErrInvalidExpiry
	}
	return ExpiryPolicy{TTL: time.Duration(secs) * time.Second}, nil
}

type CreateParams struct {
	Content   []byte
	Extension string
	Password  string
	Expiry    ExpiryPolicy
}

type Created struct {
	ID            string
	ExpiresAt     time.Time
	BurnAfterRead bool
	DeletionToken string
}

// Opened is a paste after every lifecycle check passed.
type Opened struct {
	ID            string
	Extension     string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	BurnAfterRead bool
	Plaintext     []byte
}

type Rendered struct {
	ID            string
	Extension     string
	BurnAfterRead bool
	Markup        string
}

package domain

type ContentKind int

const (
	KindUnprotected ContentKind = iota
	KindSealed
	KindProtected
)

func (k ContentKind) String() string {
	switch k {
	case KindUnprotected:
		return "unprotected"
	case KindSealed:
		return "sealed"
	case KindProtected:
		return "protected"
	}
	return "unknown"
}

// Content is the payload of a paste: exactly one of Unprotected, Sealed
// or Protected.
type Content interface {
	Kind() ContentKind
}

// Unprotected holds plaintext as submitted.
type Unprotected struct {
	Data []byte
}

// Sealed holds plaintext encrypted under a per-paste data key that is
// itself wrapped by the server-held key. Readers need no password.
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
	WrappedKey []byte
}

// Protected holds plaintext encrypted under a key derived from the
// creator's password. KDF names the derivation parameters used.
type Protected struct {
	Ciphertext []byte
	Salt       []byte
	Nonce      []byte
	KDF        string
}

func (Unprotected) Kind() ContentKind { return KindUnprotected }
func (Sealed) Kind() ContentKind      { return KindSealed }
func (Protected) Kind() ContentKind   { return KindProtected }

// Envelope is the flat storage form of Content.
type Envelope struct {
	Kind       ContentKind `json:"kind"`
	Data       []byte      `json:"data"`
	Salt       []byte      `json:"salt,omitempty"`
	Nonce      []byte      `json:"nonce,omitempty"`
	WrappedKey []byte      `json:"wrapped_key,omitempty"`
	KDF        string      `json:"kdf,omitempty"`
}

func Flatten(c Content) Envelope {
	switch v := c.(type) {
	case Unprotected:
		return Envelope{Kind: KindUnprotected, Data: v.Data}
	case Sealed:
		return Envelope{Kind: KindSealed, Data: v.Ciphertext, Nonce: v.Nonce, WrappedKey: v.WrappedKey}
	case Protected:
		return Envelope{Kind: KindProtected, Data: v.Ciphertext, Salt: v.Salt, Nonce: v.Nonce, KDF: v.KDF}
	}
	return Envelope{Kind: -1}
}

// Content rebuilds the variant. Records whose crypto parameters are
// missing for their kind are reported as ErrCryptoFailure.
func (e Envelope) Content() (Content, error) {
	switch e.Kind {
	case KindUnprotected:
		if e.Data == nil {
			return Unprotected{Data: []byte{}}, nil
		}
		return Unprotected{Data: e.Data}, nil
	case KindSealed:
		if len(e.Nonce) == 0 || len(e.WrappedKey) == 0 {
			return nil, ErrCryptoFailure
		}
		return Sealed{Ciphertext: e.Data, Nonce: e.Nonce, WrappedKey: e.WrappedKey}, nil
	case KindProtected:
		if len(e.Salt) == 0 || len(e.Nonce) == 0 || e.KDF == "" {
			return nil, ErrCryptoFailure
		}
		return Protected{Ciphertext: e.Data, Salt: e.Salt, Nonce: e.Nonce, KDF: e.KDF}, nil
	}
	return nil, ErrCryptoFailure
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneContent(c Content) Content {
	switch v := c.(type) {
	case Unprotected:
		return Unprotected{Data: cloneBytes(v.Data)}
	case Sealed:
		return Sealed{Ciphertext: cloneBytes(v.Ciphertext), Nonce: cloneBytes(v.Nonce), WrappedKey: cloneBytes(v.WrappedKey)}
	case Protected:
		return Protected{Ciphertext: cloneBytes(v.Ciphertext), Salt: cloneBytes(v.Salt), Nonce: cloneBytes(v.Nonce), KDF: v.KDF}
	}
	return c
}

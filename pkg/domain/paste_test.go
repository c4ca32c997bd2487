package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"
)

func TestParseExpiry(t *testing.T) {
	tests := []struct {
		in      string
		want    ExpiryPolicy
		wantErr bool
	}{
		{"", ExpiryPolicy{}, false},
		{"0", ExpiryPolicy{}, false},
		{"burn", ExpiryPolicy{BurnAfterRead: true}, false},
		{"600", ExpiryPolicy{TTL: 10 * time.Minute}, false},
		{" 60 ", ExpiryPolicy{TTL: time.Minute}, false},
		{"-5", ExpiryPolicy{}, true},
		{"1h", ExpiryPolicy{}, true},
		{"BURN", ExpiryPolicy{}, true},
	}
	for _, tt := range tests {
		got, err := ParseExpiry(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidExpiry) {
				t.Errorf("ParseExpiry(%q) err = %v, want ErrInvalidExpiry", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseExpiry(%q) unexpected err: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseExpiry(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestExpiredAt(t *testing.T) {
	now := time.Now()
	p := &Paste{ID: "x", ExpiresAt: now.Add(time.Second)}
	if p.ExpiredAt(now) {
		t.Error("paste reported expired before its expiry")
	}
	if !p.ExpiredAt(now.Add(time.Second)) {
		t.Error("paste must be expired at the expiry instant")
	}
	never := &Paste{ID: "y"}
	if never.ExpiredAt(now.Add(100 * 365 * 24 * time.Hour)) {
		t.Error("paste without expiry reported expired")
	}
}

func TestAADBindsMetadata(t *testing.T) {
	exp := time.Unix(1700000000, 0)
	a := &Paste{ID: "abc", ExpiresAt: exp}
	b := &Paste{ID: "abc", ExpiresAt: exp, BurnAfterRead: true}
	c := &Paste{ID: "abd", ExpiresAt: exp}
	if string(a.AAD()) == string(b.AAD()) {
		t.Error("burn flag not bound into AAD")
	}
	if string(a.AAD()) == string(c.AAD()) {
		t.Error("id not bound into AAD")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	contents := []Content{
		Unprotected{Data: []byte("a\x00b")},
		Sealed{Ciphertext: []byte{1}, Nonce: []byte{2}, WrappedKey: []byte{3}},
		Protected{Ciphertext: []byte{1}, Salt: []byte{2}, Nonce: []byte{3}, KDF: "argon2id$v=19$m=8,t=1,p=1"},
	}
	for _, c := range contents {
		got, err := Flatten(c).Content()
		if err != nil {
			t.Fatalf("%s: %v", c.Kind(), err)
		}
		if got.Kind() != c.Kind() {
			t.Errorf("kind = %s, want %s", got.Kind(), c.Kind())
		}
	}
}

func TestEnvelopeMissingParams(t *testing.T) {
	bad := []Envelope{
		{Kind: KindProtected, Data: []byte{1}, Nonce: []byte{1}, KDF: "x"},
		{Kind: KindSealed, Data: []byte{1}, Nonce: []byte{1}},
		{Kind: ContentKind(42)},
	}
	for _, e := range bad {
		if _, err := e.Content(); !errors.Is(err, ErrCryptoFailure) {
			t.Errorf("envelope %+v: err = %v, want ErrCryptoFailure", e, err)
		}
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	p := &Paste{ID: "x", Content: Unprotected{Data: []byte("hello")}}
	c := p.Clone()
	c.Content.(Unprotected).Data[0] = 'j'
	if string(p.Content.(Unprotected).Data) != "hello" {
		t.Error("clone shares content bytes with the original")
	}
}

func TestStatusMapping(t *testing.T) {
	wrapped := pkgerrors.Wrap(ErrNotFound, "get paste")
	if Status(wrapped) != http.StatusNotFound {
		t.Errorf("Status(wrapped not found) = %d", Status(wrapped))
	}
	storage := Unavailable("put", fmt.Errorf("disk on fire"))
	if !errors.Is(storage, ErrStorageUnavailable) {
		t.Error("StorageError must match ErrStorageUnavailable")
	}
	if Status(storage) != http.StatusServiceUnavailable {
		t.Errorf("Status(storage) = %d", Status(storage))
	}
	if ToResp(ErrAuthentication).Error.Msg != ToResp(ErrNotFound).Error.Msg {
		t.Error("authentication failure must present like not found")
	}
	if Status(fmt.Errorf("boom")) != http.StatusInternalServerError {
		t.Error("unknown errors must map to 500")
	}
}

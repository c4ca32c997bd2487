package util

import (
	"bytes"
	"strings"
	"testing"
)

func TestBase62Width(t *testing.T) {
	zero := Base62{Rand: bytes.NewReader(make([]byte, 8))}
	id, err := zero.NewID()
	if err != nil {
		t.Fatal(err)
	}
	if id != strings.Repeat("0", IDLen) {
		t.Errorf("all-zero bits = %q", id)
	}

	max := Base62{Rand: bytes.NewReader(bytes.Repeat([]byte{0xff}, 8))}
	id, err = max.NewID()
	if err != nil {
		t.Fatal(err)
	}
	if len(id) != IDLen || !ValidID(id) {
		t.Errorf("all-one bits = %q", id)
	}
}

func TestBase62Unique(t *testing.T) {
	seen := make(map[string]struct{}, 10000)
	var src Base62
	for i := 0; i < 10000; i++ {
		id, err := src.NewID()
		if err != nil {
			t.Fatal(err)
		}
		if !ValidID(id) {
			t.Fatalf("malformed id %q", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q after %d draws", id, i)
		}
		seen[id] = struct{}{}
	}
}

func TestBase62ShortRead(t *testing.T) {
	src := Base62{Rand: bytes.NewReader([]byte{1, 2, 3})}
	if _, err := src.NewID(); err == nil {
		t.Fatal("expected error on short entropy read")
	}
}

func TestValidID(t *testing.T) {
	for _, id := range []string{"", "abc", "0123456789AB", "0123456789-", "../../etc/p", "0123456789a"[:10] + "é"} {
		if ValidID(id) {
			t.Errorf("ValidID(%q) = true", id)
		}
	}
	if !ValidID("aZ09aZ09aZ0") {
		t.Error("well-formed id rejected")
	}
}

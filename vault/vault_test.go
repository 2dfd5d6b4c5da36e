package vault

import (
	"bytes"
	"errors"
	"testing"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestNew_RejectsShortKey(t *testing.T) {
	if _, err := New([]byte("too-short")); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestSealOpen_RoundTrip(t *testing.T) {
	v, err := New(testKey())
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}

	plaintext := []byte(`{"login":"acct","password":"hunter2"}`)
	blob, err := v.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(blob, []byte("hunter2")) {
		t.Fatal("sealed blob leaks plaintext")
	}

	got, err := v.Open(blob)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q", got)
	}
}

func TestSeal_FreshNoncePerCall(t *testing.T) {
	v, _ := New(testKey())

	a, err := v.Seal([]byte("same payload"))
	if err != nil {
		t.Fatalf("seal a: %v", err)
	}
	b, err := v.Seal([]byte("same payload"))
	if err != nil {
		t.Fatalf("seal b: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("two seals of the same payload produced identical blobs")
	}
}

func TestOpen_TamperedBlob(t *testing.T) {
	v, _ := New(testKey())

	blob, err := v.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	blob[len(blob)-1] ^= 0xff

	if _, err := v.Open(blob); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption, got %v", err)
	}
}

func TestOpen_TruncatedBlob(t *testing.T) {
	v, _ := New(testKey())

	for _, n := range []int{0, 1, 23} {
		if _, err := v.Open(make([]byte, n)); !errors.Is(err, ErrDecryption) {
			t.Fatalf("len %d: expected ErrDecryption, got %v", n, err)
		}
	}
}

func TestOpen_WrongKey(t *testing.T) {
	v1, _ := New(testKey())
	other := testKey()
	other[0] ^= 0xff
	v2, _ := New(other)

	blob, err := v1.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := v2.Open(blob); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption, got %v", err)
	}
}

package backupseal

import (
	"bytes"
	"errors"
	"testing"
)

func TestSealOpen(t *testing.T) {
	t.Parallel()

	pt := []byte(`{"users":[]}`)
	sealed, err := Seal("correct horse", pt)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !IsSealed(sealed) || bytes.Contains(sealed, pt) {
		t.Fatalf("sealed output leaks plaintext or lacks header")
	}

	got, err := Open("correct horse", sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, pt) {
		t.Fatalf("round trip mismatch: %q", got)
	}

	if _, err := Open("battery staple", sealed); !errors.Is(err, ErrWrongPassphrase) {
		t.Fatalf("want ErrWrongPassphrase, got %v", err)
	}

	sealed[len(sealed)-1] ^= 0xff
	if _, err := Open("correct horse", sealed); !errors.Is(err, ErrWrongPassphrase) {
		t.Fatalf("tampered ciphertext: want ErrWrongPassphrase, got %v", err)
	}
}

func TestOpen_NotSealed(t *testing.T) {
	t.Parallel()

	if _, err := Open("x", []byte(`{"plain":true}`)); !errors.Is(err, ErrNotSealed) {
		t.Fatalf("want ErrNotSealed, got %v", err)
	}
	if _, err := Seal("", []byte("x")); err == nil {
		t.Fatalf("empty passphrase must be rejected")
	}
}

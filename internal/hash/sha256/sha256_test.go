// Package sha256 includes tests for the truncated content hasher.
package sha256

import "testing"

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	// First 16 hex chars of sha256("hello world").
	want := "b94d27b9934d3e08"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	again, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() repeat error = %v", err)
	}
	if again != got {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
}

// TestHasherHashLength checks the digest is truncated to DigestLen characters.
func TestHasherHashLength(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("careers page body"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if len(got) != DigestLen {
		t.Fatalf("expected %d hex chars, got %d (%s)", DigestLen, len(got), got)
	}
}

// TestHasherHashDistinguishesContent verifies different bytes hash differently.
func TestHasherHashDistinguishesContent(t *testing.T) {
	t.Parallel()

	h := New()
	a, err := h.Hash([]byte("<html>a</html>"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	b, err := h.Hash([]byte("<html>b</html>"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct digests, both were %s", a)
	}
}

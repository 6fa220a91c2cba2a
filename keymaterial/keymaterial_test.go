// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keymaterial

import (
	"bytes"
	"testing"
)

func TestWipeZeroesAndShrinks(t *testing.T) {
	s := NewSecret(32)
	err := s.With(func(b []byte) {
		for i := range b {
			b[i] = 0xff
		}
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}

	s.Wipe()

	if !s.IsWiped() {
		t.Fatal("expected IsWiped true after Wipe")
	}
	if s.Len() != 0 {
		t.Fatalf("Len after wipe = %v, want 0", s.Len())
	}
	if err := s.With(func(b []byte) {}); err != ErrWiped {
		t.Fatalf("With after wipe = %v, want ErrWiped", err)
	}
}

func TestWipeIdempotent(t *testing.T) {
	s := NewSecret(16)
	s.Wipe()
	s.Wipe() // must not panic or double-decrement the live counter
}

func TestEqualConstantTime(t *testing.T) {
	a := WrapSecret([]byte("the quick brown fox"))
	b := WrapSecret([]byte("the quick brown fox"))
	c := WrapSecret([]byte("the quick brown dog"))

	if !a.Equal(b) {
		t.Fatal("expected equal secrets to compare equal")
	}
	if a.Equal(c) {
		t.Fatal("expected differing secrets to compare unequal")
	}

	b.Wipe()
	if a.Equal(b) {
		t.Fatal("a wiped secret must not equal anything")
	}
	if b.Equal(b) {
		t.Fatal("a wiped secret must not equal itself")
	}
}

func TestLiveSecretsAccounting(t *testing.T) {
	before := DebugLiveSecrets()

	s1 := NewSecret(8)
	s2 := NewSecret(8)
	if got := DebugLiveSecrets(); got != before+2 {
		t.Fatalf("DebugLiveSecrets = %v, want %v", got, before+2)
	}

	s1.Wipe()
	if got := DebugLiveSecrets(); got != before+1 {
		t.Fatalf("DebugLiveSecrets after one wipe = %v, want %v", got, before+1)
	}

	s2.Wipe()
	if got := DebugLiveSecrets(); got != before {
		t.Fatalf("DebugLiveSecrets after both wiped = %v, want %v", got, before)
	}
}

func TestSecureWipe(t *testing.T) {
	b := []byte("super secret nonce material!!!!")
	SecureWipe(b)
	if !bytes.Equal(b, make([]byte, len(b))) {
		t.Fatal("SecureWipe left non-zero bytes")
	}
}

func TestWrapSecretOwnership(t *testing.T) {
	raw := make([]byte, 4)
	s := WrapSecret(raw)
	raw[0] = 1
	err := s.With(func(b []byte) {
		if b[0] != 1 {
			t.Fatal("WrapSecret did not take ownership of the underlying array")
		}
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}
}

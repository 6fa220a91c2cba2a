// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package handshake implements the cryptographic exchanges of spec.md
// §4.2: the join handshake and per-client rekey. Every function here is
// pure: it takes the previous state and an inbound message and returns
// the next state plus an outbound message or error. Nothing in this
// package touches a transport; room.Session supplies the wire glue.
package handshake

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/curve25519"

	"github.com/keniprimo/secretroom/keymaterial"
	"github.com/keniprimo/secretroom/roomerr"
)

// EphemeralKeyPair is a short-lived X25519 key pair minted for one join or
// one rekey step.
type EphemeralKeyPair struct {
	Priv *keymaterial.Secret // 32 bytes
	Pub  [32]byte
}

// GenerateEphemeralKeyPair mints a fresh X25519 pair from crypto/rand.
func GenerateEphemeralKeyPair() (*EphemeralKeyPair, error) {
	priv, err := keymaterial.NewRandomSecret(32)
	if err != nil {
		return nil, roomerr.Wrap(roomerr.KindCryptographic, "generate ephemeral private key", err)
	}

	var pub [32]byte
	var scalarMultErr error
	err = priv.With(func(b []byte) {
		p, e := curve25519.X25519(b, curve25519.Basepoint)
		if e != nil {
			scalarMultErr = e
			return
		}
		copy(pub[:], p)
	})
	if err != nil {
		return nil, err
	}
	if scalarMultErr != nil {
		priv.Wipe()
		return nil, roomerr.Wrap(roomerr.KindCryptographic, "derive ephemeral public key", scalarMultErr)
	}

	return &EphemeralKeyPair{Priv: priv, Pub: pub}, nil
}

// Wipe destroys the private half. The public half is not sensitive.
func (kp *EphemeralKeyPair) Wipe() {
	if kp == nil || kp.Priv == nil {
		return
	}
	kp.Priv.Wipe()
}

// dh computes the X25519 shared secret between priv and pub. The result
// is raw DH output, not yet a derived key; callers must run it through
// HKDF and wipe it promptly.
func dh(priv *keymaterial.Secret, pub [32]byte) ([]byte, error) {
	var shared []byte
	var mulErr error
	err := priv.With(func(b []byte) {
		s, e := curve25519.X25519(b, pub[:])
		if e != nil {
			mulErr = e
			return
		}
		shared = s
	})
	if err != nil {
		return nil, roomerr.Wrap(roomerr.KindPrecondition, "private key unavailable for dh", err)
	}
	if mulErr != nil {
		return nil, roomerr.Wrap(roomerr.KindCryptographic, "x25519 scalar multiplication failed", mulErr)
	}
	return shared, nil
}

// generateParticipantId mints a random 128-bit participant identifier.
func generateParticipantId() ([16]byte, error) {
	var id [16]byte
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return id, roomerr.Wrap(roomerr.KindCryptographic, "generate participant id", err)
	}
	return id, nil
}

// generateNonce16 mints a random 128-bit nonce, used as the rekey
// confirmNonce.
func generateNonce16() ([16]byte, error) {
	var n [16]byte
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return n, roomerr.Wrap(roomerr.KindCryptographic, "generate confirm nonce", err)
	}
	return n, nil
}

// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package handshake

import (
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/keniprimo/secretroom/roomerr"
)

// zeroNonce is safe to reuse here because every key this package seals
// under (sessionKey, wrap_k) is single-use: derived fresh from a unique DH
// exchange and consumed for exactly one Seal call before being discarded.
var zeroNonce [chacha20poly1305.NonceSize]byte

// sealOnce encrypts plaintext under a single-use 32-byte key with the
// fixed nonce, associating no additional data.
func sealOnce(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, roomerr.Wrap(roomerr.KindCryptographic, "construct aead", err)
	}
	return aead.Seal(nil, zeroNonce[:], plaintext, nil), nil
}

// openOnce decrypts ciphertext produced by sealOnce under the same
// single-use key.
func openOnce(key, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, roomerr.Wrap(roomerr.KindCryptographic, "construct aead", err)
	}
	plaintext, err := aead.Open(nil, zeroNonce[:], ciphertext, nil)
	if err != nil {
		return nil, roomerr.Wrap(roomerr.KindCryptographic, "aead open failed", err)
	}
	return plaintext, nil
}

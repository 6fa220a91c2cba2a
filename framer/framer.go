// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package framer implements the sealed wire unit exchanged between room
// participants: a fixed header, a ChaCha20-Poly1305 ciphertext over a
// bucket-padded plaintext, and an authentication tag. The relay only ever
// sees the bytes this package produces.
package framer

import (
	"crypto/sha256"
	"encoding/binary"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/keniprimo/secretroom/keymaterial"
	"github.com/keniprimo/secretroom/roomerr"
)

// Content types, carried as the first byte of the (unpadded) plaintext.
const (
	ContentText         byte = 0x01
	ContentImage        byte = 0x02
	ContentVideo        byte = 0x03
	ContentSystem       byte = 0x04
	ContentRekeyConfirm byte = 0x05

	// ContentRekeyDirect tags the inner plaintext of the host's
	// double-wrapped per-client rekey payload (spec.md §4.2(b)): the
	// marshaled handshake.PerClientRekeyPayload, sealed under the
	// outgoing epoch's message key before the REKEY_DIRECT transport hop
	// so the relay sees bytes indistinguishable from an ordinary frame.
	ContentRekeyDirect byte = 0x06
)

const (
	// Version is the only frame layout version this package produces or
	// accepts.
	Version byte = 0x01

	versionOff  = 0
	epochOff    = 1
	sequenceOff = 5
	senderOff   = 13
	nonceOff    = 29

	// HeaderSize is the length, in bytes, of the fixed frame header
	// (version through nonce, inclusive) that also serves as the AEAD
	// associated data.
	HeaderSize = 41

	// TagSize is the length of the ChaCha20-Poly1305 authentication tag.
	TagSize = chacha20poly1305.Overhead

	// NonceSize is the length of the constructed per-message nonce.
	NonceSize = chacha20poly1305.NonceSize // 12

	// SenderIDSize is the length of the UUID carried in every frame.
	SenderIDSize = 16

	// DefaultMaxFrameSize bounds the total wire size of an inbound
	// frame (header + ciphertext + tag).
	DefaultMaxFrameSize = 50 * 1024 * 1024

	// DefaultMaxPlaintextSize bounds the raw, unpadded plaintext a
	// caller may ask Seal to encrypt.
	DefaultMaxPlaintextSize = 40 * 1024 * 1024
)

// Frame is a parsed sealed unit.
type Frame struct {
	Version    byte
	Epoch      uint32
	Sequence   uint64
	SenderID   [SenderIDSize]byte
	Nonce      [NonceSize]byte
	Ciphertext []byte // includes the trailing AEAD tag
}

// ConstructNonce builds the deterministic 12-byte nonce
// epoch_be(4) || senderId_prefix(4) || sequence_be(4). Uniqueness follows
// from uniqueness of (senderId, sequence) within an epoch.
func ConstructNonce(epoch uint32, senderID [SenderIDSize]byte, sequence uint64) [NonceSize]byte {
	var n [NonceSize]byte
	binary.BigEndian.PutUint32(n[0:4], epoch)
	copy(n[4:8], senderID[0:4])
	binary.BigEndian.PutUint32(n[8:12], uint32(sequence))
	return n
}

// header returns the fixed-size associated-data header for f. f.Ciphertext
// is not included.
func (f *Frame) header() []byte {
	h := make([]byte, HeaderSize)
	h[versionOff] = f.Version
	binary.BigEndian.PutUint32(h[epochOff:epochOff+4], f.Epoch)
	binary.BigEndian.PutUint64(h[sequenceOff:sequenceOff+8], f.Sequence)
	copy(h[senderOff:senderOff+SenderIDSize], f.SenderID[:])
	copy(h[nonceOff:nonceOff+NonceSize], f.Nonce[:])
	return h
}

// Marshal renders f as the bytes handed to the transport.
func (f *Frame) Marshal() []byte {
	h := f.header()
	out := make([]byte, 0, len(h)+len(f.Ciphertext))
	out = append(out, h...)
	out = append(out, f.Ciphertext...)
	return out
}

// ParseHeader parses the fixed header from data and returns a Frame whose
// Ciphertext is the remainder of data. It enforces maxFrameSize (0 means
// DefaultMaxFrameSize) and the minimum viable frame size, but performs no
// cryptographic verification.
func ParseHeader(data []byte, maxFrameSize int) (*Frame, error) {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if len(data) > maxFrameSize {
		return nil, roomerr.New(roomerr.KindValidation, "frame exceeds maximum size")
	}
	if len(data) < HeaderSize+TagSize {
		return nil, roomerr.New(roomerr.KindValidation, "frame shorter than header+tag")
	}

	f := &Frame{
		Version: data[versionOff],
	}
	if f.Version != Version {
		return nil, roomerr.New(roomerr.KindValidation, "unsupported frame version")
	}
	f.Epoch = binary.BigEndian.Uint32(data[epochOff : epochOff+4])
	f.Sequence = binary.BigEndian.Uint64(data[sequenceOff : sequenceOff+8])
	copy(f.SenderID[:], data[senderOff:senderOff+SenderIDSize])
	copy(f.Nonce[:], data[nonceOff:nonceOff+NonceSize])
	f.Ciphertext = append([]byte(nil), data[HeaderSize:]...)

	return f, nil
}

// deriveMessageKey derives the per-message AEAD key from the master key,
// epoch, and sequence. It is computed immediately before use by Seal/Open
// and is never retained.
func deriveMessageKey(master *keymaterial.Secret, epoch uint32, sequence uint64) ([]byte, error) {
	var salt [12]byte
	binary.BigEndian.PutUint32(salt[0:4], epoch)
	binary.BigEndian.PutUint64(salt[4:12], sequence)

	var key []byte
	err := master.With(func(mk []byte) {
		r := hkdf.New(sha256.New, mk, salt[:], []byte("msg"))
		key = make([]byte, chacha20poly1305.KeySize)
		_, err := r.Read(key)
		if err != nil {
			panic(err) // hkdf.Read over a correctly sized reader cannot fail
		}
	})
	if err != nil {
		return nil, roomerr.Wrap(roomerr.KindPrecondition, "master key unavailable", err)
	}
	return key, nil
}

// SealOptions controls padding behavior. The zero value uses the default
// bucket ladder with no high-security shift and the default size limits.
type SealOptions struct {
	HighSecurity     bool
	MaxPlaintextSize int // 0 means DefaultMaxPlaintextSize
	randSource       func([]byte) error
}

// Seal pads, then encrypts, contentType||payload under a key derived from
// master for (epoch, sequence), producing a ready-to-send Frame.
func Seal(master *keymaterial.Secret, epoch uint32, sequence uint64, senderID [SenderIDSize]byte, contentType byte, payload []byte, opts SealOptions) (*Frame, error) {
	maxPlain := opts.MaxPlaintextSize
	if maxPlain <= 0 {
		maxPlain = DefaultMaxPlaintextSize
	}
	plaintext := make([]byte, 0, 1+len(payload))
	plaintext = append(plaintext, contentType)
	plaintext = append(plaintext, payload...)
	if len(plaintext) > maxPlain {
		return nil, roomerr.New(roomerr.KindValidation, "plaintext exceeds maximum size")
	}

	padded, err := pad(plaintext, opts.HighSecurity, opts.randSource)
	if err != nil {
		return nil, err
	}

	key, err := deriveMessageKey(master, epoch, sequence)
	if err != nil {
		return nil, err
	}
	defer keymaterial.SecureWipe(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, roomerr.Wrap(roomerr.KindCryptographic, "construct aead", err)
	}

	f := &Frame{
		Version:  Version,
		Epoch:    epoch,
		Sequence: sequence,
		SenderID: senderID,
		Nonce:    ConstructNonce(epoch, senderID, sequence),
	}
	f.Ciphertext = aead.Seal(nil, f.Nonce[:], padded, f.header())

	return f, nil
}

// Open decrypts f under a key derived from master for f's declared
// (epoch, sequence), unpads the result, and returns the content type and
// payload. A tag mismatch yields a *roomerr.Error of KindCryptographic.
func Open(master *keymaterial.Secret, f *Frame) (contentType byte, payload []byte, err error) {
	key, err := deriveMessageKey(master, f.Epoch, f.Sequence)
	if err != nil {
		return 0, nil, err
	}
	defer keymaterial.SecureWipe(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return 0, nil, roomerr.Wrap(roomerr.KindCryptographic, "construct aead", err)
	}

	plaintext, err := aead.Open(nil, f.Nonce[:], f.Ciphertext, f.header())
	if err != nil {
		return 0, nil, roomerr.Wrap(roomerr.KindCryptographic, "aead open failed", err)
	}

	raw, err := unpad(plaintext)
	if err != nil {
		return 0, nil, err
	}
	if len(raw) < 1 {
		return 0, nil, roomerr.New(roomerr.KindValidation, "empty plaintext")
	}
	return raw[0], raw[1:], nil
}

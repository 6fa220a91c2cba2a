// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package roomid implements RoomId: the immutable, 32-byte identifier of a
// live room, renderable as a URL-safe, unpadded base32 string and
// recoverable from that string.
package roomid

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"io"
)

// Size is the length in bytes of a RoomId.
const Size = 32

var (
	// ErrBadLength is returned when parsing a string that does not
	// decode to exactly Size bytes.
	ErrBadLength = errors.New("roomid: decoded length is not 32 bytes")

	enc = base32.StdEncoding.WithPadding(base32.NoPadding)
)

// RoomId is the ephemeral group context identifier. It is immutable for
// the lifetime of the room it names.
type RoomId [Size]byte

// New generates a fresh, random RoomId.
func New() (RoomId, error) {
	var id RoomId
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return RoomId{}, err
	}
	return id, nil
}

// FromPassphrase derives a RoomId deterministically from a user-supplied
// string, e.g. a shared password read out over a side channel. Two callers
// who supply the same passphrase end up with the same RoomId.
func FromPassphrase(passphrase string) RoomId {
	return RoomId(sha256.Sum256([]byte(passphrase)))
}

// String renders the RoomId as unpadded, URL-safe base32.
func (r RoomId) String() string {
	return enc.EncodeToString(r[:])
}

// Parse recovers a RoomId from its string form as produced by String.
func Parse(s string) (RoomId, error) {
	b, err := enc.DecodeString(s)
	if err != nil {
		return RoomId{}, err
	}
	if len(b) != Size {
		return RoomId{}, ErrBadLength
	}
	var id RoomId
	copy(id[:], b)
	return id, nil
}

// Equal reports whether two RoomIds name the same room. RoomId is not
// secret material (it is handed out to every participant and, in the
// passphrase-derived case, only as strong as the passphrase), so this is a
// plain comparison rather than a constant-time one.
func (r RoomId) Equal(other RoomId) bool {
	return r == other
}

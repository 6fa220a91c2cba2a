// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package framer

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/keniprimo/secretroom/roomerr"
)

// buckets is the fixed padding ladder. The last entry equals
// DefaultMaxFrameSize: no larger bucket is ever chosen, though pad's
// jitter can add up to ceil(10%) of the bucket on top of it.
var buckets = []int{256, 1024, 8192, 65536, 524288, 4194304, 52428800}

// lengthPrefixSize is the size, in bytes, of the big-endian original-length
// prefix written inside the padded region.
const lengthPrefixSize = 4

// bucketsFor returns the padding ladder to use, shifting the floor up one
// rung in high-security mode as spec'd.
func bucketsFor(highSecurity bool) []int {
	if highSecurity && len(buckets) > 1 {
		return buckets[1:]
	}
	return buckets
}

// pad pads plaintext up to the smallest bucket that fits
// lengthPrefixSize+len(plaintext), then adds up to +10% random jitter on
// top of the bucket boundary, filling the slack with random bytes.
func pad(plaintext []byte, highSecurity bool, randSource func([]byte) error) ([]byte, error) {
	if randSource == nil {
		randSource = func(b []byte) error {
			_, err := rand.Read(b)
			return err
		}
	}

	needed := lengthPrefixSize + len(plaintext)
	ladder := bucketsFor(highSecurity)

	var bucket int
	found := false
	for _, b := range ladder {
		if b >= needed {
			bucket = b
			found = true
			break
		}
	}
	if !found {
		return nil, roomerr.New(roomerr.KindValidation, "plaintext too large for padding ladder")
	}

	jitterMax := (bucket + 9) / 10 // ceil(0.1 * bucket)
	var jitter int
	if jitterMax > 0 {
		var jb [4]byte
		if err := randSource(jb[:]); err != nil {
			return nil, roomerr.Wrap(roomerr.KindCryptographic, "generate padding jitter", err)
		}
		jitter = int(binary.BigEndian.Uint32(jb[:]) % uint32(jitterMax+1))
	}

	total := bucket + jitter
	out := make([]byte, total)
	if err := randSource(out); err != nil {
		return nil, roomerr.Wrap(roomerr.KindCryptographic, "generate padding filler", err)
	}
	binary.BigEndian.PutUint32(out[0:lengthPrefixSize], uint32(len(plaintext)))
	copy(out[lengthPrefixSize:], plaintext)

	return out, nil
}

// unpad recovers the original plaintext from a padded buffer using the
// length prefix written by pad.
func unpad(padded []byte) ([]byte, error) {
	if len(padded) < lengthPrefixSize {
		return nil, roomerr.New(roomerr.KindValidation, "padded buffer shorter than length prefix")
	}
	n := binary.BigEndian.Uint32(padded[0:lengthPrefixSize])
	if int(n) > len(padded)-lengthPrefixSize {
		return nil, roomerr.New(roomerr.KindValidation, "padded length prefix out of range")
	}
	return padded[lengthPrefixSize : lengthPrefixSize+int(n)], nil
}

// bucketFor reports the bucket that a plaintext of n bytes (including the
// length prefix) would land in under the given mode, and whether the
// request fits the ladder at all. Used by tests that check invariant 3
// (padded length falls within [b, b+ceil(0.1b)]).
func bucketFor(n int, highSecurity bool) (bucket int, ok bool) {
	for _, b := range bucketsFor(highSecurity) {
		if b >= n {
			return b, true
		}
	}
	return 0, false
}

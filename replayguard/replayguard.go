// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package replayguard implements the per-sender sliding-window sequence
// tracker that gates every inbound application message: one instance per
// Session, enforcing at-most-once delivery without reordering.
package replayguard

import (
	"sync"

	"github.com/keniprimo/secretroom/framer"
)

// WindowBits is the recommended window size W from spec.md §4.4: the W
// most recent sequence numbers below the high-water mark are tracked in a
// bitmap.
const WindowBits = 1024

const windowWords = WindowBits / 64

// senderState is the high-water mark and sliding bitmap for one sender.
// The bitmap is indexed by sequence modulo WindowBits (the classic
// RFC 6479-style anti-replay window): slot i holds the "seen" bit for
// whichever sequence number congruent to i mod WindowBits was most
// recently observed.
type senderState struct {
	highWater uint64
	hasHigh   bool
	bitmap    [windowWords]uint64
}

func (s *senderState) testBit(seq uint64) bool {
	idx := seq % WindowBits
	return s.bitmap[idx/64]&(1<<(idx%64)) != 0
}

func (s *senderState) setBit(seq uint64) {
	idx := seq % WindowBits
	s.bitmap[idx/64] |= 1 << (idx % 64)
}

func (s *senderState) clearBit(seq uint64) {
	idx := seq % WindowBits
	s.bitmap[idx/64] &^= 1 << (idx % 64)
}

// Guard is the replay tracker for one Session. It is safe for concurrent
// use.
type Guard struct {
	mu      sync.Mutex
	senders map[[framer.SenderIDSize]byte]*senderState
}

// New returns an empty Guard.
func New() *Guard {
	return &Guard{senders: make(map[[framer.SenderIDSize]byte]*senderState)}
}

// Accept implements the four-part rule from spec.md §4.4. nonce and epoch
// are the values carried in the inbound frame; Accept first verifies that
// nonce matches the nonce this guard expects to see for
// (senderID, sequence, epoch) before applying the sliding-window logic, as
// defense-in-depth against mis-constructed frames.
func (g *Guard) Accept(senderID [framer.SenderIDSize]byte, sequence uint64, nonce [framer.NonceSize]byte, epoch uint32) bool {
	expected := framer.ConstructNonce(epoch, senderID, sequence)
	if expected != nonce {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.senders[senderID]
	if !ok {
		st = &senderState{}
		g.senders[senderID] = st
	}

	if !st.hasHigh {
		st.hasHigh = true
		st.highWater = sequence
		st.setBit(sequence)
		return true
	}

	switch {
	case sequence > st.highWater:
		diff := sequence - st.highWater
		if diff >= WindowBits {
			st.bitmap = [windowWords]uint64{}
		} else {
			// Clear the slots about to be reused as the window
			// floor slides forward, so a stale "seen" bit from
			// WindowBits sequences ago can't masquerade as having
			// already seen a sequence number in the new window.
			for i := st.highWater + 1; i < sequence; i++ {
				st.clearBit(i)
			}
		}
		st.highWater = sequence
		st.setBit(sequence)
		return true

	case sequence == st.highWater:
		if st.testBit(sequence) {
			return false
		}
		st.setBit(sequence)
		return true

	default: // sequence < st.highWater
		if st.highWater-sequence >= WindowBits {
			return false // too old, below the window
		}
		if st.testBit(sequence) {
			return false // exact replay
		}
		st.setBit(sequence)
		return true
	}
}

// Wipe clears all per-sender state. Called on every rekey and on
// participant removal.
func (g *Guard) Wipe() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.senders = make(map[[framer.SenderIDSize]byte]*senderState)
}

// ForgetSender drops tracking state for a single departed participant
// without disturbing any other sender's window.
func (g *Guard) ForgetSender(senderID [framer.SenderIDSize]byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.senders, senderID)
}

// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package replayguard

import (
	"testing"

	"github.com/keniprimo/secretroom/framer"
)

func testSenderID(b byte) [framer.SenderIDSize]byte {
	var id [framer.SenderIDSize]byte
	for i := range id {
		id[i] = b
	}
	return id
}

func nonceFor(epoch uint32, sender [framer.SenderIDSize]byte, seq uint64) [framer.NonceSize]byte {
	return framer.ConstructNonce(epoch, sender, seq)
}

func TestAcceptsEachSequenceOnce(t *testing.T) {
	g := New()
	sender := testSenderID(0x01)

	for seq := uint64(0); seq < 20; seq++ {
		if !g.Accept(sender, seq, nonceFor(1, sender, seq), 1) {
			t.Fatalf("sequence %d should be accepted on first delivery", seq)
		}
	}
}

func TestRejectsExactReplay(t *testing.T) {
	g := New()
	sender := testSenderID(0x02)

	if !g.Accept(sender, 5, nonceFor(1, sender, 5), 1) {
		t.Fatal("first delivery of sequence 5 should be accepted")
	}
	if g.Accept(sender, 5, nonceFor(1, sender, 5), 1) {
		t.Fatal("replay of sequence 5 should be rejected")
	}
}

func TestOutOfOrderWithinWindowAccepted(t *testing.T) {
	g := New()
	sender := testSenderID(0x03)

	if !g.Accept(sender, 10, nonceFor(1, sender, 10), 1) {
		t.Fatal("sequence 10 should be accepted")
	}
	if !g.Accept(sender, 3, nonceFor(1, sender, 3), 1) {
		t.Fatal("sequence 3, arriving late but within window, should be accepted")
	}
	if g.Accept(sender, 3, nonceFor(1, sender, 3), 1) {
		t.Fatal("replay of sequence 3 should be rejected")
	}
}

func TestTooOldBelowWindowRejected(t *testing.T) {
	g := New()
	sender := testSenderID(0x04)

	if !g.Accept(sender, WindowBits+100, nonceFor(1, sender, WindowBits+100), 1) {
		t.Fatal("initial high sequence should be accepted")
	}
	if g.Accept(sender, 5, nonceFor(1, sender, 5), 1) {
		t.Fatal("sequence far below the window floor should be rejected")
	}
}

func TestWindowSlidesAndOldSlotsDoNotFalselyReject(t *testing.T) {
	g := New()
	sender := testSenderID(0x05)

	// Fill three full windows' worth of strictly increasing sequences. If
	// vacated slots were never cleared, a later sequence aliasing the same
	// modular slot as an earlier one could be falsely rejected as a replay.
	for seq := uint64(0); seq < uint64(3*WindowBits); seq++ {
		if !g.Accept(sender, seq, nonceFor(1, sender, seq), 1) {
			t.Fatalf("sequence %d should be accepted as the window advances", seq)
		}
	}
}

func TestNonceMismatchRejected(t *testing.T) {
	g := New()
	sender := testSenderID(0x06)

	badNonce := nonceFor(1, sender, 999) // nonce encodes the wrong sequence
	if g.Accept(sender, 1, badNonce, 1) {
		t.Fatal("a nonce that doesn't match (sender, sequence, epoch) should be rejected")
	}
}

func TestIndependentSendersDoNotInterfere(t *testing.T) {
	g := New()
	a := testSenderID(0x07)
	b := testSenderID(0x08)

	if !g.Accept(a, 1, nonceFor(1, a, 1), 1) {
		t.Fatal("sender a sequence 1 should be accepted")
	}
	if !g.Accept(b, 1, nonceFor(1, b, 1), 1) {
		t.Fatal("sender b sequence 1 should be accepted independently of sender a")
	}
}

func TestWipeResetsAllSenders(t *testing.T) {
	g := New()
	sender := testSenderID(0x09)

	g.Accept(sender, 1, nonceFor(1, sender, 1), 1)
	g.Wipe()
	if !g.Accept(sender, 1, nonceFor(1, sender, 1), 1) {
		t.Fatal("after Wipe, a previously seen sequence should be accepted again")
	}
}

func TestForgetSenderIsPerSender(t *testing.T) {
	g := New()
	a := testSenderID(0x0a)
	b := testSenderID(0x0b)

	g.Accept(a, 1, nonceFor(1, a, 1), 1)
	g.Accept(b, 1, nonceFor(1, b, 1), 1)

	g.ForgetSender(a)

	if !g.Accept(a, 1, nonceFor(1, a, 1), 1) {
		t.Fatal("after ForgetSender(a), sequence 1 should be accepted again for a")
	}
	if g.Accept(b, 1, nonceFor(1, b, 1), 1) {
		t.Fatal("ForgetSender(a) should not affect sender b's window")
	}
}

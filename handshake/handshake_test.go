// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package handshake

import (
	"bytes"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/keniprimo/secretroom/keymaterial"
	"github.com/keniprimo/secretroom/roomid"
	"github.com/keniprimo/secretroom/wire"
)

func TestJoinRoundTrip(t *testing.T) {
	room, err := roomid.New()
	if err != nil {
		t.Fatalf("roomid.New: %v", err)
	}

	host, err := GenerateEphemeralKeyPair()
	if err != nil {
		t.Fatalf("host keypair: %v", err)
	}
	client, err := GenerateEphemeralKeyPair()
	if err != nil {
		t.Fatalf("client keypair: %v", err)
	}

	master, err := keymaterial.NewRandomSecret(32)
	if err != nil {
		t.Fatalf("new master: %v", err)
	}
	const epoch = uint32(1)

	req := wire.JoinRequest{ClientPublicKey: client.Pub[:]}
	pending, approval, err := HostApprove(host.Priv, host.Pub, room, req, master, epoch)
	if err != nil {
		t.Fatalf("HostApprove: %v", err)
	}

	gotMaster, gotEpoch, confirm, err := ClientProcessApproval(client.Priv, client.Pub, room, approval)
	if err != nil {
		t.Fatalf("ClientProcessApproval: %v", err)
	}
	if gotEpoch != epoch {
		t.Fatalf("epoch = %d, want %d", gotEpoch, epoch)
	}
	var masterBytes, gotMasterBytes []byte
	master.With(func(b []byte) { masterBytes = append([]byte(nil), b...) })
	gotMaster.With(func(b []byte) { gotMasterBytes = append([]byte(nil), b...) })
	if !bytes.Equal(masterBytes, gotMasterBytes) {
		t.Fatal("client did not recover the host's master key")
	}

	if !HostVerifyConfirm(pending, host.Pub, confirm) {
		t.Fatal("HostVerifyConfirm should accept a correctly derived confirm")
	}
}

func TestJoinConfirmWithWrongMacRejected(t *testing.T) {
	room, _ := roomid.New()
	host, _ := GenerateEphemeralKeyPair()
	client, _ := GenerateEphemeralKeyPair()
	master, _ := keymaterial.NewRandomSecret(32)

	req := wire.JoinRequest{ClientPublicKey: client.Pub[:]}
	pending, _, err := HostApprove(host.Priv, host.Pub, room, req, master, 1)
	if err != nil {
		t.Fatalf("HostApprove: %v", err)
	}

	bogus := wire.JoinConfirm{Mac: bytes.Repeat([]byte{0xff}, 32)}
	if HostVerifyConfirm(pending, host.Pub, bogus) {
		t.Fatal("HostVerifyConfirm should reject a forged mac")
	}
}

func TestJoinApprovalFromWrongClientRejected(t *testing.T) {
	room, _ := roomid.New()
	host, _ := GenerateEphemeralKeyPair()
	client, _ := GenerateEphemeralKeyPair()
	impostor, _ := GenerateEphemeralKeyPair()
	master, _ := keymaterial.NewRandomSecret(32)

	req := wire.JoinRequest{ClientPublicKey: client.Pub[:]}
	_, approval, err := HostApprove(host.Priv, host.Pub, room, req, master, 1)
	if err != nil {
		t.Fatalf("HostApprove: %v", err)
	}

	// The impostor doesn't hold the client's private key, so it derives a
	// different session key and cannot unwrap the approval.
	if _, _, _, err := ClientProcessApproval(impostor.Priv, client.Pub, room, approval); err == nil {
		t.Fatal("ClientProcessApproval should fail for a peer lacking the client's private key")
	}
}

func TestPerClientRekeyRoundTrip(t *testing.T) {
	room, _ := roomid.New()

	clientEph, err := GenerateEphemeralKeyPair()
	if err != nil {
		t.Fatalf("client ephemeral: %v", err)
	}
	var participantId [16]byte
	participantId[0] = 0x42

	targets := []RekeyTarget{{ParticipantId: participantId, PublicKey: clientEph.Pub}}
	state, payloads, nonces, err := BeginRekey(room, 2, targets)
	if err != nil {
		t.Fatalf("BeginRekey: %v", err)
	}
	defer state.Close()

	payload := payloads[participantId]
	confirmNonce := nonces[participantId]
	if payload.ConfirmNonce != confirmNonce {
		t.Fatal("payload confirm nonce should match the returned nonce map")
	}

	wire := payload.Marshal()
	parsed, err := UnmarshalPerClientRekeyPayload(wire)
	if err != nil {
		t.Fatalf("UnmarshalPerClientRekeyPayload: %v", err)
	}

	newMaster, err := ClientApplyRekey(clientEph.Priv, room, parsed)
	if err != nil {
		t.Fatalf("ClientApplyRekey: %v", err)
	}

	var wantMaster, gotMaster []byte
	state.NewMaster.With(func(b []byte) { wantMaster = append([]byte(nil), b...) })
	newMaster.With(func(b []byte) { gotMaster = append([]byte(nil), b...) })
	if !bytes.Equal(wantMaster, gotMaster) {
		t.Fatal("client did not recover the host's new master key")
	}

	newClientEph, err := GenerateEphemeralKeyPair()
	if err != nil {
		t.Fatalf("new client ephemeral: %v", err)
	}
	confirm, err := ClientBuildRekeyConfirm(newMaster, parsed.NewEpoch, newClientEph.Pub, parsed.ConfirmNonce, parsed.HostEphPub, room)
	if err != nil {
		t.Fatalf("ClientBuildRekeyConfirm: %v", err)
	}

	pending := PendingConfirm{
		ParticipantId: participantId,
		ConfirmNonce:  confirmNonce,
		Epoch:         2,
		HostEphPub:    payload.HostEphPub,
	}
	if !AcceptConfirm(pending, confirm, state.NewMaster, room) {
		t.Fatal("AcceptConfirm should accept a correctly derived confirm")
	}

	confirmWire := confirm.Marshal()
	parsedConfirm, err := UnmarshalRekeyConfirm(confirmWire)
	if err != nil {
		t.Fatalf("UnmarshalRekeyConfirm: %v", err)
	}
	if !AcceptConfirm(pending, parsedConfirm, state.NewMaster, room) {
		t.Fatal("AcceptConfirm should accept the confirm after a marshal round trip")
	}
}

func TestAcceptConfirmRejectsWrongEpoch(t *testing.T) {
	room, _ := roomid.New()
	clientEph, _ := GenerateEphemeralKeyPair()
	var participantId [16]byte
	targets := []RekeyTarget{{ParticipantId: participantId, PublicKey: clientEph.Pub}}

	state, payloads, nonces, err := BeginRekey(room, 5, targets)
	if err != nil {
		t.Fatalf("BeginRekey: %v", err)
	}
	defer state.Close()

	payload := payloads[participantId]
	confirm, err := ClientBuildRekeyConfirm(state.NewMaster, 5, clientEph.Pub, nonces[participantId], payload.HostEphPub, room)
	if err != nil {
		t.Fatalf("ClientBuildRekeyConfirm: %v", err)
	}

	pending := PendingConfirm{
		ParticipantId: participantId,
		ConfirmNonce:  nonces[participantId],
		Epoch:         6, // wrong epoch
		HostEphPub:    payload.HostEphPub,
	}
	if AcceptConfirm(pending, confirm, state.NewMaster, room) {
		t.Fatal("AcceptConfirm should reject a confirm whose epoch doesn't match the pending entry")
	}
}

func TestAcceptConfirmRejectsUnknownNonce(t *testing.T) {
	room, _ := roomid.New()
	clientEph, _ := GenerateEphemeralKeyPair()
	var participantId [16]byte
	targets := []RekeyTarget{{ParticipantId: participantId, PublicKey: clientEph.Pub}}

	state, payloads, nonces, err := BeginRekey(room, 3, targets)
	if err != nil {
		t.Fatalf("BeginRekey: %v", err)
	}
	defer state.Close()

	payload := payloads[participantId]
	confirm, err := ClientBuildRekeyConfirm(state.NewMaster, 3, clientEph.Pub, nonces[participantId], payload.HostEphPub, room)
	if err != nil {
		t.Fatalf("ClientBuildRekeyConfirm: %v", err)
	}

	var wrongNonce [16]byte
	wrongNonce[0] = 0xff
	pending := PendingConfirm{
		ParticipantId: participantId,
		ConfirmNonce:  wrongNonce,
		Epoch:         3,
		HostEphPub:    payload.HostEphPub,
	}
	if AcceptConfirm(pending, confirm, state.NewMaster, room) {
		t.Fatal("AcceptConfirm should reject a confirm whose nonce doesn't match the pending entry")
	}
}

// TestPerClientRekeyConcurrentApply applies every participant's rekey
// payload in parallel, as independent clients each handling their own
// REKEY_DIRECT would, and checks that every one recovers the same new
// master.
func TestPerClientRekeyConcurrentApply(t *testing.T) {
	room, _ := roomid.New()

	const n = 8
	var targets []RekeyTarget
	ephs := make(map[[16]byte]*EphemeralKeyPair, n)
	for i := 0; i < n; i++ {
		eph, err := GenerateEphemeralKeyPair()
		if err != nil {
			t.Fatalf("ephemeral %d: %v", i, err)
		}
		var id [16]byte
		id[0] = byte(i)
		targets = append(targets, RekeyTarget{ParticipantId: id, PublicKey: eph.Pub})
		ephs[id] = eph
	}

	state, payloads, _, err := BeginRekey(room, 9, targets)
	if err != nil {
		t.Fatalf("BeginRekey: %v", err)
	}
	defer state.Close()

	var wantMaster []byte
	state.NewMaster.With(func(b []byte) { wantMaster = append([]byte(nil), b...) })

	var g errgroup.Group
	for id, payload := range payloads {
		id, payload := id, payload
		g.Go(func() error {
			eph := ephs[id]
			newMaster, err := ClientApplyRekey(eph.Priv, room, payload)
			if err != nil {
				return err
			}
			var gotMaster []byte
			newMaster.With(func(b []byte) { gotMaster = append([]byte(nil), b...) })
			if !bytes.Equal(wantMaster, gotMaster) {
				t.Errorf("participant %x recovered the wrong master key", id)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent ClientApplyRekey: %v", err)
	}
}

func TestParticipantIdRoundTrip(t *testing.T) {
	var id [16]byte
	for i := range id {
		id[i] = byte(i)
	}
	s := FormatParticipantId(id)
	got, err := ParseParticipantId(s)
	if err != nil {
		t.Fatalf("ParseParticipantId: %v", err)
	}
	if got != id {
		t.Fatalf("got %x, want %x", got, id)
	}
}

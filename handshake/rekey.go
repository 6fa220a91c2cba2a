// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package handshake

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"github.com/keniprimo/secretroom/keymaterial"
	"github.com/keniprimo/secretroom/roomerr"
	"github.com/keniprimo/secretroom/roomid"
)

// RekeyTarget is the minimal shape handshake needs from a participant to
// mint its per-client rekey payload: an id for routing and its current
// ephemeral public key for the DH step. room.Session adapts its
// participant table to this shape; handshake never imports participant,
// keeping the exchange pure.
type RekeyTarget struct {
	ParticipantId [16]byte
	PublicKey     [32]byte
}

// PerClientRekeyPayload is the payload the host seals once under wrap_k
// per participant, then hands to room.Session to be sealed a second time
// as an ordinary application frame (the double-wrap from spec.md
// §4.2(b)).
type PerClientRekeyPayload struct {
	NewEpoch     uint32
	HostEphPub   [32]byte
	ConfirmNonce [16]byte
	Ciphertext   []byte
}

// Marshal renders the payload for the outer Seal call.
func (p *PerClientRekeyPayload) Marshal() []byte {
	out := make([]byte, 0, 4+32+16+len(p.Ciphertext))
	var epochBuf [4]byte
	binary.BigEndian.PutUint32(epochBuf[:], p.NewEpoch)
	out = append(out, epochBuf[:]...)
	out = append(out, p.HostEphPub[:]...)
	out = append(out, p.ConfirmNonce[:]...)
	out = append(out, p.Ciphertext...)
	return out
}

// UnmarshalPerClientRekeyPayload parses the bytes produced by Marshal.
func UnmarshalPerClientRekeyPayload(b []byte) (*PerClientRekeyPayload, error) {
	if len(b) < 4+32+16 {
		return nil, roomerr.New(roomerr.KindValidation, "rekey payload too short")
	}
	p := &PerClientRekeyPayload{}
	p.NewEpoch = binary.BigEndian.Uint32(b[0:4])
	copy(p.HostEphPub[:], b[4:36])
	copy(p.ConfirmNonce[:], b[36:52])
	p.Ciphertext = append([]byte(nil), b[52:]...)
	return p, nil
}

func rekeyWrapInfo(epoch uint32, confirmNonce [16]byte) []byte {
	var epochBuf [4]byte
	binary.BigEndian.PutUint32(epochBuf[:], epoch)
	return concat([]byte("rekey"), epochBuf[:], confirmNonce[:])
}

// HostRekeyState holds the host's in-flight rekey material: the new
// master key and a fresh host-ephemeral pair, both single-use for this
// rekey round.
type HostRekeyState struct {
	NewMaster   *keymaterial.Secret
	NewEpoch    uint32
	HostEphPair *EphemeralKeyPair
}

// BeginRekey mints a new master key and host-ephemeral pair, then builds
// one PerClientRekeyPayload plus a fresh confirm nonce for each target.
// The returned map is keyed by ParticipantId. Callers install NewMaster
// as the session's live master immediately (spec.md scenario 3: sends
// under the new epoch succeed before any client has confirmed) and must
// call HostRekeyState.WipeEphemeral once every payload has been sent, to
// destroy the host-ephemeral private half for forward secrecy.
func BeginRekey(room roomid.RoomId, newEpoch uint32, targets []RekeyTarget) (*HostRekeyState, map[[16]byte]*PerClientRekeyPayload, map[[16]byte][16]byte, error) {
	newMaster, err := keymaterial.NewRandomSecret(32)
	if err != nil {
		return nil, nil, nil, roomerr.Wrap(roomerr.KindCryptographic, "generate new master key", err)
	}
	ephPair, err := GenerateEphemeralKeyPair()
	if err != nil {
		newMaster.Wipe()
		return nil, nil, nil, err
	}

	state := &HostRekeyState{NewMaster: newMaster, NewEpoch: newEpoch, HostEphPair: ephPair}
	payloads := make(map[[16]byte]*PerClientRekeyPayload, len(targets))
	nonces := make(map[[16]byte][16]byte, len(targets))

	for _, target := range targets {
		payload, nonce, err := state.wrapFor(room, target.PublicKey)
		if err != nil {
			state.Close()
			return nil, nil, nil, err
		}
		payloads[target.ParticipantId] = payload
		nonces[target.ParticipantId] = nonce
	}

	return state, payloads, nonces, nil
}

func (s *HostRekeyState) wrapFor(room roomid.RoomId, participantPub [32]byte) (*PerClientRekeyPayload, [16]byte, error) {
	var zero [16]byte
	confirmNonce, err := generateNonce16()
	if err != nil {
		return nil, zero, err
	}

	dhOut, err := dh(s.HostEphPair.Priv, participantPub)
	if err != nil {
		return nil, zero, err
	}
	wrapKey, err := hkdfBytes(dhOut, room[:], rekeyWrapInfo(s.NewEpoch, confirmNonce), 32)
	keymaterial.SecureWipe(dhOut)
	if err != nil {
		return nil, zero, err
	}
	defer keymaterial.SecureWipe(wrapKey)

	var plaintext []byte
	if err := s.NewMaster.With(func(mk []byte) { plaintext = append([]byte(nil), mk...) }); err != nil {
		return nil, zero, roomerr.Wrap(roomerr.KindPrecondition, "new master unavailable", err)
	}
	ciphertext, err := sealOnce(wrapKey, plaintext)
	keymaterial.SecureWipe(plaintext)
	if err != nil {
		return nil, zero, err
	}

	return &PerClientRekeyPayload{
		NewEpoch:     s.NewEpoch,
		HostEphPub:   s.HostEphPair.Pub,
		ConfirmNonce: confirmNonce,
		Ciphertext:   ciphertext,
	}, confirmNonce, nil
}

// WipeEphemeral destroys the host-ephemeral private half once all
// payloads for this rekey round have been dispatched.
func (s *HostRekeyState) WipeEphemeral() {
	if s == nil || s.HostEphPair == nil {
		return
	}
	s.HostEphPair.Wipe()
}

// Close wipes every secret this state holds; used on the error paths of
// BeginRekey and on session teardown.
func (s *HostRekeyState) Close() {
	if s == nil {
		return
	}
	if s.NewMaster != nil {
		s.NewMaster.Wipe()
	}
	s.WipeEphemeral()
}

// ClientApplyRekey unwraps a PerClientRekeyPayload addressed to this
// client using its current rekey-step ephemeral private key.
func ClientApplyRekey(clientEphPriv *keymaterial.Secret, room roomid.RoomId, payload *PerClientRekeyPayload) (*keymaterial.Secret, error) {
	dhOut, err := dh(clientEphPriv, payload.HostEphPub)
	if err != nil {
		return nil, err
	}
	wrapKey, err := hkdfBytes(dhOut, room[:], rekeyWrapInfo(payload.NewEpoch, payload.ConfirmNonce), 32)
	keymaterial.SecureWipe(dhOut)
	if err != nil {
		return nil, err
	}
	defer keymaterial.SecureWipe(wrapKey)

	plaintext, err := openOnce(wrapKey, payload.Ciphertext)
	if err != nil {
		return nil, err
	}
	if len(plaintext) != 32 {
		keymaterial.SecureWipe(plaintext)
		return nil, roomerr.New(roomerr.KindValidation, "unwrapped rekey master has wrong length")
	}
	return keymaterial.WrapSecret(plaintext), nil
}

// RekeyConfirm is the plaintext content of a REKEY_CONFIRM application
// message.
type RekeyConfirm struct {
	Epoch           uint32
	NewClientEphPub [32]byte
	ConfirmNonce    [16]byte
	Mac             [32]byte
}

// Marshal renders a RekeyConfirm for framing as an application message.
func (r *RekeyConfirm) Marshal() []byte {
	out := make([]byte, 4+32+16+32)
	binary.BigEndian.PutUint32(out[0:4], r.Epoch)
	copy(out[4:36], r.NewClientEphPub[:])
	copy(out[36:52], r.ConfirmNonce[:])
	copy(out[52:84], r.Mac[:])
	return out
}

// UnmarshalRekeyConfirm parses the bytes produced by Marshal.
func UnmarshalRekeyConfirm(b []byte) (*RekeyConfirm, error) {
	if len(b) != 4+32+16+32 {
		return nil, roomerr.New(roomerr.KindValidation, "rekey confirm has wrong length")
	}
	r := &RekeyConfirm{}
	r.Epoch = binary.BigEndian.Uint32(b[0:4])
	copy(r.NewClientEphPub[:], b[4:36])
	copy(r.ConfirmNonce[:], b[36:52])
	copy(r.Mac[:], b[52:84])
	return r, nil
}

func confirmKeyInfo(epoch uint32, confirmNonce [16]byte) []byte {
	var epochBuf [4]byte
	binary.BigEndian.PutUint32(epochBuf[:], epoch)
	return concat([]byte("confirm"), epochBuf[:], confirmNonce[:])
}

func confirmMac(confirmKey []byte, epoch uint32, newClientEphPub [32]byte, confirmNonce [16]byte, hostEphPub [32]byte, room roomid.RoomId) []byte {
	var epochBuf [4]byte
	binary.BigEndian.PutUint32(epochBuf[:], epoch)
	h := hmac.New(sha256.New, confirmKey)
	h.Write(epochBuf[:])
	h.Write(newClientEphPub[:])
	h.Write(confirmNonce[:])
	h.Write(hostEphPub[:])
	h.Write(room[:])
	return h.Sum(nil)
}

// ClientBuildRekeyConfirm derives the confirm key from the freshly
// installed master and builds the authenticated RekeyConfirm.
func ClientBuildRekeyConfirm(newMaster *keymaterial.Secret, epoch uint32, newClientEphPub [32]byte, confirmNonce [16]byte, hostEphPub [32]byte, room roomid.RoomId) (*RekeyConfirm, error) {
	var masterBytes []byte
	if err := newMaster.With(func(mk []byte) { masterBytes = append([]byte(nil), mk...) }); err != nil {
		return nil, roomerr.Wrap(roomerr.KindPrecondition, "new master unavailable", err)
	}
	confirmKey, err := hkdfBytes(masterBytes, nil, confirmKeyInfo(epoch, confirmNonce), 32)
	keymaterial.SecureWipe(masterBytes)
	if err != nil {
		return nil, err
	}
	defer keymaterial.SecureWipe(confirmKey)

	mac := confirmMac(confirmKey, epoch, newClientEphPub, confirmNonce, hostEphPub, room)
	r := &RekeyConfirm{Epoch: epoch, NewClientEphPub: newClientEphPub, ConfirmNonce: confirmNonce}
	copy(r.Mac[:], mac)
	return r, nil
}

// PendingConfirm is the host's bookkeeping entry for one outstanding
// rekey confirm, keyed externally by RelayClientId.
type PendingConfirm struct {
	ParticipantId [16]byte
	ConfirmNonce  [16]byte
	Epoch         uint32
	HostEphPub    [32]byte
}

// AcceptConfirm implements the four-part acceptance rule of spec.md
// §4.2(b): the pending entry must exist (checked by the caller before
// calling this), the declared epoch and nonce must match, and the MAC
// must verify under a confirm key derived from the new master. Any
// mismatch returns false; the caller drops the confirmation without
// mutating state.
func AcceptConfirm(pending PendingConfirm, confirm *RekeyConfirm, newMaster *keymaterial.Secret, room roomid.RoomId) bool {
	if pending.Epoch != confirm.Epoch {
		return false
	}
	if pending.ConfirmNonce != confirm.ConfirmNonce {
		return false
	}

	var masterBytes []byte
	if err := newMaster.With(func(mk []byte) { masterBytes = append([]byte(nil), mk...) }); err != nil {
		return false
	}
	confirmKey, err := hkdfBytes(masterBytes, nil, confirmKeyInfo(confirm.Epoch, confirm.ConfirmNonce), 32)
	keymaterial.SecureWipe(masterBytes)
	if err != nil {
		return false
	}
	defer keymaterial.SecureWipe(confirmKey)

	expected := confirmMac(confirmKey, confirm.Epoch, confirm.NewClientEphPub, confirm.ConfirmNonce, pending.HostEphPub, room)
	return hmac.Equal(expected, confirm.Mac[:])
}

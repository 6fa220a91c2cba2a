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
	"github.com/keniprimo/secretroom/wire"
)

// PendingJoin is the host's in-flight state for one join request, kept
// until a matching JoinConfirm arrives or a duplicate request from the
// same RelayClientId replaces it.
type PendingJoin struct {
	ClientPublicKey [32]byte
	ParticipantId   [16]byte
	SessionKey      *keymaterial.Secret
}

// Wipe destroys the pairwise session key once the join either succeeds or
// is abandoned.
func (p *PendingJoin) Wipe() {
	if p == nil || p.SessionKey == nil {
		return
	}
	p.SessionKey.Wipe()
}

func sessionKeyInfo(hostPub, clientPub [32]byte) []byte {
	return concat([]byte("session"), hostPub[:], clientPub[:])
}

func deriveSessionKey(dhOut []byte, room roomid.RoomId, hostPub, clientPub [32]byte) (*keymaterial.Secret, error) {
	raw, err := hkdfBytes(dhOut, room[:], sessionKeyInfo(hostPub, clientPub), 32)
	if err != nil {
		return nil, err
	}
	return keymaterial.WrapSecret(raw), nil
}

// HostApprove processes an inbound JoinRequest: it derives the pairwise
// session key, mints a participant id, and wraps the current master key
// and epoch for the client. The returned PendingJoin must be stored by
// the caller (keyed on the request's RelayClientId) until JoinConfirm
// arrives; a duplicate JoinRequest from the same RelayClientId should
// simply discard the old PendingJoin and call HostApprove again.
func HostApprove(hostPriv *keymaterial.Secret, hostPub [32]byte, room roomid.RoomId, req wire.JoinRequest, master *keymaterial.Secret, epoch uint32) (*PendingJoin, wire.Approval, error) {
	if len(req.ClientPublicKey) != 32 {
		return nil, wire.Approval{}, roomerr.New(roomerr.KindValidation, "join request public key has wrong length")
	}
	var clientPub [32]byte
	copy(clientPub[:], req.ClientPublicKey)

	dhOut, err := dh(hostPriv, clientPub)
	if err != nil {
		return nil, wire.Approval{}, err
	}
	sessionKey, err := deriveSessionKey(dhOut, room, hostPub, clientPub)
	keymaterial.SecureWipe(dhOut)
	if err != nil {
		return nil, wire.Approval{}, err
	}

	participantId, err := generateParticipantId()
	if err != nil {
		sessionKey.Wipe()
		return nil, wire.Approval{}, err
	}

	plaintext := make([]byte, 4+32)
	binary.BigEndian.PutUint32(plaintext[0:4], epoch)
	if err := master.With(func(mk []byte) { copy(plaintext[4:], mk) }); err != nil {
		sessionKey.Wipe()
		return nil, wire.Approval{}, roomerr.Wrap(roomerr.KindPrecondition, "master key unavailable", err)
	}

	var wrapped []byte
	var sealErr error
	err = sessionKey.With(func(sk []byte) {
		wrapped, sealErr = sealOnce(sk, plaintext)
	})
	keymaterial.SecureWipe(plaintext)
	if err != nil {
		sessionKey.Wipe()
		return nil, wire.Approval{}, roomerr.Wrap(roomerr.KindPrecondition, "session key unavailable while wrapping master", err)
	}
	if sealErr != nil {
		sessionKey.Wipe()
		return nil, wire.Approval{}, sealErr
	}

	pending := &PendingJoin{
		ClientPublicKey: clientPub,
		ParticipantId:   participantId,
		SessionKey:      sessionKey,
	}
	approval := wire.Approval{
		HostPublicKey: append([]byte(nil), hostPub[:]...),
		WrappedMaster: wrapped,
		Epoch:         epoch,
		ParticipantId: participantIdString(participantId),
	}
	return pending, approval, nil
}

// HostVerifyConfirm checks a JoinConfirm against the pending join it was
// issued for; it does not modify pending. On success, the caller inserts
// the participant into the live table and wipes pending's session key; on
// failure the caller drops the confirm and wipes pending as well, so the
// pending slot is cleared whether or not verification succeeds (spec.md
// §4.2(a)), since a failed confirm is not retried.
func HostVerifyConfirm(pending *PendingJoin, hostPub [32]byte, confirm wire.JoinConfirm) bool {
	if pending == nil || pending.SessionKey == nil {
		return false
	}
	expected := expectedJoinMac(pending.SessionKey, pending.ClientPublicKey, hostPub)
	if expected == nil {
		return false
	}
	return hmac.Equal(expected, confirm.Mac)
}

func expectedJoinMac(sessionKey *keymaterial.Secret, clientPub, hostPub [32]byte) []byte {
	var mac []byte
	err := sessionKey.With(func(sk []byte) {
		h := hmac.New(sha256.New, sk)
		h.Write(clientPub[:])
		h.Write(hostPub[:])
		mac = h.Sum(nil)
	})
	if err != nil {
		return nil
	}
	return mac
}

// ClientProcessApproval derives the pairwise session key, unwraps the
// master key and epoch from approval, and builds the JoinConfirm MAC.
// The returned session key is wiped internally before return; callers
// only receive the derived master key and confirm message.
func ClientProcessApproval(clientPriv *keymaterial.Secret, clientPub [32]byte, room roomid.RoomId, approval wire.Approval) (master *keymaterial.Secret, epoch uint32, confirm wire.JoinConfirm, err error) {
	if len(approval.HostPublicKey) != 32 {
		return nil, 0, wire.JoinConfirm{}, roomerr.New(roomerr.KindValidation, "approval host public key has wrong length")
	}
	var hostPub [32]byte
	copy(hostPub[:], approval.HostPublicKey)

	dhOut, err := dh(clientPriv, hostPub)
	if err != nil {
		return nil, 0, wire.JoinConfirm{}, err
	}
	sessionKey, err := deriveSessionKey(dhOut, room, hostPub, clientPub)
	keymaterial.SecureWipe(dhOut)
	if err != nil {
		return nil, 0, wire.JoinConfirm{}, err
	}
	defer sessionKey.Wipe()

	var plaintext []byte
	var openErr error
	err = sessionKey.With(func(sk []byte) {
		plaintext, openErr = openOnce(sk, approval.WrappedMaster)
	})
	if err != nil {
		return nil, 0, wire.JoinConfirm{}, roomerr.Wrap(roomerr.KindPrecondition, "session key unavailable while unwrapping approval", err)
	}
	if openErr != nil {
		return nil, 0, wire.JoinConfirm{}, openErr
	}
	if len(plaintext) != 4+32 {
		return nil, 0, wire.JoinConfirm{}, roomerr.New(roomerr.KindValidation, "unwrapped approval has wrong length")
	}

	epoch = binary.BigEndian.Uint32(plaintext[0:4])
	master = keymaterial.WrapSecret(append([]byte(nil), plaintext[4:]...))
	keymaterial.SecureWipe(plaintext)

	mac := expectedJoinMac(sessionKey, clientPub, hostPub)
	if mac == nil {
		master.Wipe()
		return nil, 0, wire.JoinConfirm{}, roomerr.New(roomerr.KindPrecondition, "session key unavailable while building confirm mac")
	}
	return master, epoch, wire.JoinConfirm{Mac: mac}, nil
}

// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package room

import (
	"encoding/json"

	"github.com/keniprimo/secretroom/framer"
	"github.com/keniprimo/secretroom/handshake"
	"github.com/keniprimo/secretroom/roomerr"
	"github.com/keniprimo/secretroom/roomid"
	"github.com/keniprimo/secretroom/wire"
)

func (s *Session) handleRoomCreated(env wire.Envelope) {
	var created wire.RoomCreated
	if err := json.Unmarshal(env.Payload, &created); err != nil {
		s.log.Warn(LogSubsystem, "client: malformed room created: %v", err)
		return
	}
	id, err := roomid.Parse(created.RoomId)
	if err != nil {
		s.log.Warn(LogSubsystem, "client: bad room id: %v", err)
		return
	}
	s.mu.Lock()
	s.roomID = id
	s.mu.Unlock()
}

func (s *Session) handleRoomOpen(env wire.Envelope) {
	var open wire.RoomOpen
	if err := json.Unmarshal(env.Payload, &open); err != nil {
		s.log.Warn(LogSubsystem, "client: malformed room open: %v", err)
		return
	}
	if len(open.HostPublicKey) != 32 {
		s.log.Warn(LogSubsystem, "client: room open host key has wrong length")
		return
	}
	s.mu.Lock()
	copy(s.hostPub[:], open.HostPublicKey)
	s.mu.Unlock()
	s.setState(StateOpen)
}

// Join sends a JOIN_REQUEST addressed to the host learned from ROOM_OPEN.
// Only valid once the session is Open.
func (s *Session) Join(displayName string) error {
	if s.role != RoleClient {
		return roomerr.New(roomerr.KindPrecondition, "Join is client-only")
	}
	s.mu.Lock()
	if s.state != StateOpen {
		state := s.state
		s.mu.Unlock()
		return roomerr.New(roomerr.KindPrecondition, "Join not permitted in state "+state.String())
	}
	s.mu.Unlock()

	kp, err := handshake.GenerateEphemeralKeyPair()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.currentEphPriv = kp.Priv
	s.selfPub = kp.Pub
	s.clientDisplay = displayName
	s.mu.Unlock()

	body, err := json.Marshal(wire.JoinRequest{ClientPublicKey: append([]byte(nil), kp.Pub[:]...), DisplayName: displayName})
	if err != nil {
		return roomerr.Wrap(roomerr.KindValidation, "marshal join request", err)
	}
	return s.enqueueEnvelope(wire.Envelope{Type: wire.TypeJoinRequest, Payload: body})
}

func (s *Session) handleJoinApproved(env wire.Envelope) {
	var approved wire.JoinApproved
	if err := json.Unmarshal(env.Payload, &approved); err != nil {
		s.log.Warn(LogSubsystem, "client: malformed join approved: %v", err)
		return
	}

	s.mu.Lock()
	clientPriv := s.currentEphPriv
	clientPub := s.selfPub
	room := s.roomID
	s.mu.Unlock()
	if clientPriv == nil {
		return // approval addressed to a join we never sent
	}

	master, epoch, confirm, err := handshake.ClientProcessApproval(clientPriv, clientPub, room, approved.Approval)
	if err != nil {
		s.recordCryptoFailure()
		s.log.Warn(LogSubsystem, "client: approval processing failed: %v", err)
		return
	}
	participantID, err := handshake.ParseParticipantId(approved.Approval.ParticipantId)
	if err != nil {
		master.Wipe()
		s.log.Warn(LogSubsystem, "client: malformed participant id: %v", err)
		return
	}

	s.mu.Lock()
	s.master = master
	s.epoch = epoch
	s.selfID = participantID
	s.selfSeq = 0
	s.mu.Unlock()
	s.resetCryptoFailures()

	body, err := json.Marshal(confirm)
	if err != nil {
		s.log.Error(LogSubsystem, "client: marshal join confirm: %v", err)
		return
	}
	s.enqueueEnvelope(wire.Envelope{Type: wire.TypeJoinConfirm, Payload: body})
	s.setState(StateActive)
}

func (s *Session) handleJoinRejected(env wire.Envelope) {
	s.destroy(wire.ReasonJoinRejected)
}

func (s *Session) handleBroadcast(env wire.Envelope) {
	var b wire.Broadcast
	if err := json.Unmarshal(env.Payload, &b); err != nil {
		s.log.Warn(LogSubsystem, "client: malformed broadcast: %v", err)
		return
	}
	senderID, contentType, payload, err := s.openInbound(b.Payload)
	if err != nil {
		if roomerr.Is(err, roomerr.KindCryptographic) {
			s.recordCryptoFailure()
		}
		s.log.Warn(LogSubsystem, "client: frame rejected: %v", err)
		return
	}
	s.resetCryptoFailures()
	s.deliverLocal(senderID, contentType, payload)
}

// handleRekeyDirect opens the REKEY_DIRECT envelope's EncryptedPayload
// through the same shared frame path as an ordinary application message
// (spec.md §4.2(b)'s double-wrap: the host seals the marshaled
// PerClientRekeyPayload again under the current epoch's message key, so
// the relay sees bytes indistinguishable from an ordinary frame).
func (s *Session) handleRekeyDirect(env wire.Envelope) {
	var direct wire.RekeyDirect
	if err := json.Unmarshal(env.Payload, &direct); err != nil {
		s.log.Warn(LogSubsystem, "client: malformed rekey direct: %v", err)
		return
	}
	_, contentType, inner, err := s.openInbound(direct.EncryptedPayload)
	if err != nil {
		if roomerr.Is(err, roomerr.KindCryptographic) {
			s.recordCryptoFailure()
		}
		s.log.Warn(LogSubsystem, "client: rekey direct frame rejected: %v", err)
		return
	}
	if contentType != framer.ContentRekeyDirect {
		s.log.Warn(LogSubsystem, "client: rekey direct has unexpected content type %d", contentType)
		return
	}
	s.resetCryptoFailures()

	payload, err := handshake.UnmarshalPerClientRekeyPayload(inner)
	if err != nil {
		s.log.Warn(LogSubsystem, "client: malformed rekey payload: %v", err)
		return
	}

	s.mu.Lock()
	ephPriv := s.currentEphPriv
	room := s.roomID
	s.mu.Unlock()

	newMaster, err := handshake.ClientApplyRekey(ephPriv, room, payload)
	if err != nil {
		s.recordCryptoFailure()
		s.log.Warn(LogSubsystem, "client: rekey unwrap failed: %v", err)
		return
	}
	newEphPair, err := handshake.GenerateEphemeralKeyPair()
	if err != nil {
		newMaster.Wipe()
		s.log.Error(LogSubsystem, "client: mint next rekey key: %v", err)
		return
	}
	confirm, err := handshake.ClientBuildRekeyConfirm(newMaster, payload.NewEpoch, newEphPair.Pub, payload.ConfirmNonce, payload.HostEphPub, room)
	if err != nil {
		newMaster.Wipe()
		newEphPair.Wipe()
		s.log.Error(LogSubsystem, "client: build rekey confirm: %v", err)
		return
	}

	s.mu.Lock()
	oldMaster := s.master
	oldEph := s.currentEphPriv
	s.master = newMaster
	s.epoch = payload.NewEpoch
	s.currentEphPriv = newEphPair.Priv
	s.selfPub = newEphPair.Pub
	s.selfSeq = 0
	s.mu.Unlock()
	if oldMaster != nil {
		oldMaster.Wipe()
	}
	if oldEph != nil {
		oldEph.Wipe()
	}
	s.replay.Wipe() // sequence counters restart under the new epoch, per spec.md §4.2(b)/§4.4
	s.resetCryptoFailures()

	if err := s.Send(framer.ContentRekeyConfirm, confirm.Marshal()); err != nil {
		s.log.Error(LogSubsystem, "client: send rekey confirm: %v", err)
	}
}

func (s *Session) handleRoomDestroyed(env wire.Envelope) {
	var destroyed wire.RoomDestroyed
	reason := wire.ReasonHostClosed
	if err := json.Unmarshal(env.Payload, &destroyed); err == nil {
		if candidate := wire.DestroyReason(destroyed.Reason); candidate.Valid() {
			reason = candidate
		}
	}
	s.destroy(reason)
}

// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package room

import (
	"crypto/rand"
	"encoding/json"
	"io"
	"time"

	"github.com/keniprimo/secretroom/framer"
	"github.com/keniprimo/secretroom/handshake"
	"github.com/keniprimo/secretroom/keymaterial"
	"github.com/keniprimo/secretroom/participant"
	"github.com/keniprimo/secretroom/roomerr"
	"github.com/keniprimo/secretroom/wire"
)

// Open mints the room's first master key and epoch, announces the room to
// the relay, and transitions Created -> Open. Only valid for a host.
func (s *Session) Open() error {
	if s.role != RoleHost {
		return roomerr.New(roomerr.KindPrecondition, "Open is host-only")
	}
	s.mu.Lock()
	if s.state != StateCreated {
		state := s.state
		s.mu.Unlock()
		return roomerr.New(roomerr.KindPrecondition, "Open not permitted in state "+state.String())
	}
	hostKeyPair, err := handshake.GenerateEphemeralKeyPair()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	master, err := keymaterial.NewRandomSecret(32)
	if err != nil {
		s.mu.Unlock()
		hostKeyPair.Wipe()
		return roomerr.Wrap(roomerr.KindCryptographic, "generate room master key", err)
	}
	var id [16]byte
	if err := randomID(id[:]); err != nil {
		s.mu.Unlock()
		hostKeyPair.Wipe()
		master.Wipe()
		return err
	}

	s.hostKeyPair = hostKeyPair
	s.master = master
	s.epoch = 1
	s.selfID = id
	s.selfSeq = 0
	s.lastRekeyAt = time.Now()
	s.mu.Unlock()

	createdBody, err := json.Marshal(wire.RoomCreated{RoomId: s.roomID.String()})
	if err != nil {
		return roomerr.Wrap(roomerr.KindValidation, "marshal room created", err)
	}
	if err := s.enqueueEnvelope(wire.Envelope{Type: wire.TypeRoomCreated, Payload: createdBody}); err != nil {
		return err
	}
	openBody, err := json.Marshal(wire.RoomOpen{HostPublicKey: append([]byte(nil), hostKeyPair.Pub[:]...)})
	if err != nil {
		return roomerr.Wrap(roomerr.KindValidation, "marshal room open", err)
	}
	if err := s.enqueueEnvelope(wire.Envelope{Type: wire.TypeRoomOpen, Payload: openBody}); err != nil {
		return err
	}

	s.setState(StateOpen)
	go s.rekeyTriggerLoop()
	go s.confirmExpiryLoop()
	return nil
}

func (s *Session) handleJoinRequest(env wire.Envelope) {
	var req wire.JoinRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		s.log.Warn(LogSubsystem, "host: malformed join request: %v", err)
		return
	}

	s.mu.Lock()
	state := s.state
	hostPriv := s.hostKeyPair.Priv
	hostPub := s.hostKeyPair.Pub
	room := s.roomID
	master := s.master
	epoch := s.epoch
	s.mu.Unlock()
	if state != StateOpen && state != StateActive && state != StateRekeying {
		return
	}

	pending, approval, err := handshake.HostApprove(hostPriv, hostPub, room, req, master, epoch)
	if err != nil {
		s.log.Warn(LogSubsystem, "host: join approval failed: %v", err)
		s.sendJoinRejected(env.ClientId, "approval_failed")
		return
	}
	s.pendingJoins.Put(env.ClientId, pending)
	s.mu.Lock()
	s.pendingDisplayNames[env.ClientId] = req.DisplayName
	s.mu.Unlock()

	body, err := json.Marshal(wire.JoinApproved{ClientId: env.ClientId, Approval: approval})
	if err != nil {
		s.log.Error(LogSubsystem, "host: marshal join approved: %v", err)
		return
	}
	s.enqueueEnvelope(wire.Envelope{Type: wire.TypeJoinApproved, ClientId: env.ClientId, Payload: body})
}

func (s *Session) sendJoinRejected(relayClientID, reason string) {
	body, err := json.Marshal(wire.JoinRejected{ClientId: relayClientID, Reason: reason})
	if err != nil {
		return
	}
	s.enqueueEnvelope(wire.Envelope{Type: wire.TypeJoinRejected, ClientId: relayClientID, Payload: body})
}

func (s *Session) handleJoinConfirm(env wire.Envelope) {
	var confirm wire.JoinConfirm
	if err := json.Unmarshal(env.Payload, &confirm); err != nil {
		s.log.Warn(LogSubsystem, "host: malformed join confirm: %v", err)
		return
	}

	pending, ok := s.pendingJoins.Take(env.ClientId)
	if !ok {
		return
	}
	s.mu.Lock()
	hostPub := s.hostKeyPair.Pub
	displayName := s.pendingDisplayNames[env.ClientId]
	delete(s.pendingDisplayNames, env.ClientId)
	s.mu.Unlock()

	if !handshake.HostVerifyConfirm(pending, hostPub, confirm) {
		pending.Wipe()
		s.log.Warn(LogSubsystem, "host: join confirm MAC mismatch for %s", env.ClientId)
		return
	}

	p := &participant.Participant{
		ID:            pending.ParticipantId,
		PublicKey:     pending.ClientPublicKey,
		DisplayName:   displayName,
		JoinedAt:      time.Now(),
		RelayClientId: env.ClientId,
	}
	s.participants.Insert(p)
	pending.Wipe()

	s.mu.Lock()
	first := s.state == StateOpen
	s.mu.Unlock()
	if first {
		s.setState(StateActive)
	}
	s.observer.OnParticipantJoined(*p)
}

func (s *Session) handleClientLeft(env wire.Envelope) {
	var left wire.ClientLeft
	if err := json.Unmarshal(env.Payload, &left); err != nil {
		return
	}
	p, ok := s.participants.ByRelayClientId(left.ClientId)
	if !ok {
		return
	}
	s.removeParticipant(p.ID)
}

func (s *Session) removeParticipant(id [16]byte) {
	p, ok := s.participants.Remove(id)
	if !ok {
		return
	}
	s.replay.ForgetSender(id)
	s.observer.OnParticipantLeft(id)
	s.beginRekey()
	_ = p
}

// Kick removes id from the room, tells the relay to sever its connection,
// and rekeys the remaining membership.
func (s *Session) Kick(id [16]byte) error {
	if s.role != RoleHost {
		return roomerr.New(roomerr.KindPrecondition, "Kick is host-only")
	}
	p, ok := s.participants.Get(id)
	if !ok {
		return roomerr.New(roomerr.KindValidation, "unknown participant")
	}
	rci := p.RelayClientId
	s.removeParticipant(id)

	body, err := json.Marshal(wire.Kick{ClientId: rci})
	if err != nil {
		return roomerr.Wrap(roomerr.KindValidation, "marshal kick", err)
	}
	return s.enqueueEnvelope(wire.Envelope{Type: wire.TypeKick, ClientId: rci, Payload: body})
}

// beginRekey mints a new epoch for the current membership and dispatches a
// REKEY_DIRECT to every remaining participant. A room with zero
// participants has nothing to rekey.
func (s *Session) beginRekey() {
	s.mu.Lock()
	if s.state == StateRekeying {
		s.mu.Unlock()
		return // a rekey in progress absorbs the trigger, per spec.md §4.2(c)
	}
	s.mu.Unlock()

	targets := s.participants.RekeyTargets()
	if len(targets) == 0 {
		s.mu.Lock()
		s.lastRekeyAt = time.Now()
		s.msgsSinceRekey = 0
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	room := s.roomID
	newEpoch := s.epoch + 1
	oldMaster := s.master
	oldEpoch := s.epoch
	selfID := s.selfID
	oldSeqBase := s.selfSeq
	s.selfSeq += uint64(len(targets)) // reserve a block of old-epoch sequence numbers for the outer seals below
	s.mu.Unlock()

	state, payloads, _, err := handshake.BeginRekey(room, newEpoch, targets)
	if err != nil {
		s.log.Error(LogSubsystem, "host: begin rekey: %v", err)
		return
	}

	s.mu.Lock()
	s.previousMaster = oldMaster
	s.previousEpoch = oldEpoch
	s.master = state.NewMaster
	s.epoch = newEpoch
	s.selfSeq = 0
	s.rekeyState = state
	s.lastRekeyAt = time.Now()
	s.msgsSinceRekey = 0
	s.outstandingConfirms = len(targets)
	s.mu.Unlock()

	s.pendingConfirms.Clear()
	deadline := time.Now().Add(s.cfg.PendingConfirmLifetime)
	opts := framer.SealOptions{HighSecurity: s.cfg.HighSecurity, MaxPlaintextSize: s.cfg.MaxPlaintextSize}
	seq := oldSeqBase
	for _, target := range targets {
		p, ok := s.participants.Get(target.ParticipantId)
		if !ok {
			continue
		}
		payload, ok := payloads[target.ParticipantId]
		if !ok {
			continue
		}
		// Double-wrap (spec.md §4.2(b)): seal the marshaled PerClientRekeyPayload
		// under the OLD epoch's message key, since the client only still holds
		// the old master at receipt time. The relay sees bytes indistinguishable
		// from an ordinary application frame.
		outer, sealErr := framer.Seal(oldMaster, oldEpoch, seq, selfID, framer.ContentRekeyDirect, payload.Marshal(), opts)
		seq++
		if sealErr != nil {
			s.log.Error(LogSubsystem, "host: seal rekey direct for %s: %v", p.RelayClientId, sealErr)
			continue
		}
		body, err := json.Marshal(wire.RekeyDirect{ClientId: p.RelayClientId, EncryptedPayload: outer.Marshal()})
		if err != nil {
			continue
		}
		s.pendingConfirms.Put(p.RelayClientId, participant.PendingConfirmEntry{
			PendingConfirm: handshake.PendingConfirm{
				ParticipantId: target.ParticipantId,
				ConfirmNonce:  payload.ConfirmNonce,
				Epoch:         newEpoch,
				HostEphPub:    payload.HostEphPub,
			},
			Deadline: deadline,
		})
		s.enqueueEnvelope(wire.Envelope{Type: wire.TypeRekeyDirect, ClientId: p.RelayClientId, Payload: body})
	}
	state.WipeEphemeral()
	s.replay.Wipe() // every sender's sequence counter restarts under the new epoch, per spec.md §4.4
	s.setState(StateRekeying)
}

func (s *Session) handleHostMessage(env wire.Envelope) {
	var msg wire.Message
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		s.log.Warn(LogSubsystem, "host: malformed message: %v", err)
		return
	}
	p, ok := s.participants.ByRelayClientId(env.ClientId)
	if !ok {
		return
	}

	senderID, contentType, payload, err := s.openInbound(msg.Payload)
	if err != nil {
		if roomerr.Is(err, roomerr.KindCryptographic) {
			s.recordCryptoFailure()
		}
		s.log.Warn(LogSubsystem, "host: frame from %s rejected: %v", env.ClientId, err)
		return
	}
	if senderID != p.ID {
		s.recordCryptoFailure()
		s.log.Warn(LogSubsystem, "host: sender id mismatch for %s", env.ClientId)
		return
	}
	s.resetCryptoFailures()

	if contentType == framer.ContentRekeyConfirm {
		s.handleRekeyConfirm(env.ClientId, payload)
		return
	}

	s.deliverLocal(senderID, contentType, payload)
	if !isHeartbeat(contentType, payload) {
		s.relayToOthers(msg.Payload, env.ClientId)
		s.bumpRekeyTrigger()
	}
}

func (s *Session) relayToOthers(raw []byte, exclude string) {
	body, err := json.Marshal(wire.Broadcast{Payload: raw})
	if err != nil {
		return
	}
	s.enqueueEnvelope(wire.Envelope{Type: wire.TypeBroadcast, ExcludeClientId: exclude, Payload: body})
}

func (s *Session) bumpRekeyTrigger() {
	s.mu.Lock()
	s.msgsSinceRekey++
	n := s.msgsSinceRekey
	limit := s.cfg.RekeyMessageThreshold
	s.mu.Unlock()
	if limit > 0 && n >= limit {
		s.beginRekey()
	}
}

func (s *Session) handleRekeyConfirm(relayClientID string, payload []byte) {
	confirm, err := handshake.UnmarshalRekeyConfirm(payload)
	if err != nil {
		s.log.Warn(LogSubsystem, "host: malformed rekey confirm from %s: %v", relayClientID, err)
		return
	}
	entry, ok := s.pendingConfirms.Get(relayClientID)
	if !ok {
		return // late or duplicate confirm, dropped per spec.md scenario 5
	}

	s.mu.Lock()
	master := s.master
	room := s.roomID
	s.mu.Unlock()

	if !handshake.AcceptConfirm(entry.PendingConfirm, confirm, master, room) {
		s.log.Warn(LogSubsystem, "host: rekey confirm rejected from %s", relayClientID)
		return
	}
	s.pendingConfirms.Delete(relayClientID)
	s.participants.UpdatePublicKey(entry.ParticipantId, confirm.NewClientEphPub)
	s.markConfirmResolved()
}

// markConfirmResolved decrements the outstanding-confirm counter for the
// rekey round in flight and, once every target has either confirmed or
// expired, drops the superseded master and returns to Active.
func (s *Session) markConfirmResolved() {
	s.mu.Lock()
	s.outstandingConfirms--
	done := s.outstandingConfirms <= 0
	s.mu.Unlock()
	if !done {
		return
	}
	s.mu.Lock()
	if s.previousMaster != nil {
		s.previousMaster.Wipe()
		s.previousMaster = nil
	}
	s.rekeyState = nil
	s.mu.Unlock()
	s.setState(StateActive)
}

// expirePendingConfirms drops any rekey-confirm slot past its deadline; a
// subsequent confirmation for it is then treated as late and ignored, per
// spec.md scenario 5.
func (s *Session) expirePendingConfirms() {
	purged := s.pendingConfirms.PurgeExpired(time.Now())
	for range purged {
		s.markConfirmResolved()
	}
}

// rekeyTriggerLoop periodically checks the time-based rekey threshold.
func (s *Session) rekeyTriggerLoop() {
	interval := s.cfg.RekeyTimeThreshold / 4
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.mu.Lock()
			due := s.cfg.RekeyTimeThreshold > 0 && time.Since(s.lastRekeyAt) >= s.cfg.RekeyTimeThreshold
			s.mu.Unlock()
			if due {
				s.beginRekey()
			}
		}
	}
}

// confirmExpiryLoop sweeps rekey-confirm slots past their deadline so a
// rekey round that's missing one unresponsive client still eventually
// returns to Active.
func (s *Session) confirmExpiryLoop() {
	interval := s.cfg.PendingConfirmLifetime / 2
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.expirePendingConfirms()
		}
	}
}

func randomID(b []byte) error {
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return roomerr.Wrap(roomerr.KindCryptographic, "generate participant id", err)
	}
	return nil
}

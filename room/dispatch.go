// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package room

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/keniprimo/secretroom/framer"
	"github.com/keniprimo/secretroom/roomerr"
	"github.com/keniprimo/secretroom/wire"
)

var heartbeatPayload = []byte("heartbeat")

// OnReceiveText implements transport.EventHandler: every wire message this
// protocol exchanges is JSON text, so this is the sole inbound path.
func (s *Session) OnReceiveText(msg string) {
	var env wire.Envelope
	if err := json.Unmarshal([]byte(msg), &env); err != nil {
		s.log.Warn(LogSubsystem, "%v: malformed envelope: %v", s.role, err)
		return
	}
	s.route(env)
}

// OnReceiveBinary implements transport.EventHandler. This protocol never
// sends binary frames; an inbound one indicates a misbehaving peer.
func (s *Session) OnReceiveBinary(msg []byte) {
	s.log.Warn(LogSubsystem, "%v: unexpected binary frame (%d bytes) ignored", s.role, len(msg))
}

func (s *Session) route(env wire.Envelope) {
	switch env.Type {
	case wire.TypeRoomCreated:
		if s.role == RoleClient {
			s.handleRoomCreated(env)
		}
	case wire.TypeRoomOpen:
		if s.role == RoleClient {
			s.handleRoomOpen(env)
		}
	case wire.TypeJoinRequest:
		if s.role == RoleHost {
			s.handleJoinRequest(env)
		}
	case wire.TypeJoinConfirm:
		if s.role == RoleHost {
			s.handleJoinConfirm(env)
		}
	case wire.TypeJoinApproved:
		if s.role == RoleClient {
			s.handleJoinApproved(env)
		}
	case wire.TypeJoinRejected:
		if s.role == RoleClient {
			s.handleJoinRejected(env)
		}
	case wire.TypeMessage:
		if s.role == RoleHost {
			s.handleHostMessage(env)
		}
	case wire.TypeBroadcast:
		if s.role == RoleClient {
			s.handleBroadcast(env)
		}
	case wire.TypeRekeyDirect:
		if s.role == RoleClient {
			s.handleRekeyDirect(env)
		}
	case wire.TypeClientLeft:
		if s.role == RoleHost {
			s.handleClientLeft(env)
		}
	case wire.TypeKicked:
		if s.role == RoleClient {
			s.destroy(wire.ReasonKicked)
		}
	case wire.TypeRoomDestroyed:
		if s.role == RoleClient {
			s.handleRoomDestroyed(env)
		}
	case wire.TypeConnected, wire.TypeHeartbeatAck, wire.TypeAuth:
		// relay-level bookkeeping; nothing for the session core to do.
	case wire.TypeError:
		s.log.Warn(LogSubsystem, "%v: relay reported an error: %s", s.role, env.Payload)
	default:
		s.log.Dbg(LogSubsystem, "%v: unhandled envelope type %q", s.role, env.Type)
	}
}

// sendHeartbeat emits a keepalive content frame, sealed and framed exactly
// like an application message, so the relay and the peer's read loop both
// see regular traffic even during a quiet room.
func (s *Session) sendHeartbeat() error {
	return s.Send(framer.ContentSystem, heartbeatPayload)
}

func isHeartbeat(contentType byte, payload []byte) bool {
	return contentType == framer.ContentSystem && bytes.Equal(payload, heartbeatPayload)
}

// Send seals payload as an application frame under the session's live
// master key and enqueues it for delivery. A Client's frame travels as a
// MESSAGE envelope to the host; a Host's frame travels as a BROADCAST
// envelope to every client.
func (s *Session) Send(contentType byte, payload []byte) error {
	if err := s.requireSendable(); err != nil {
		return err
	}

	s.mu.Lock()
	seq := s.selfSeq
	s.selfSeq++
	master := s.master
	epoch := s.epoch
	selfID := s.selfID
	role := s.role
	s.mu.Unlock()

	opts := framer.SealOptions{HighSecurity: s.cfg.HighSecurity, MaxPlaintextSize: s.cfg.MaxPlaintextSize}
	frame, err := framer.Seal(master, epoch, seq, selfID, contentType, payload, opts)
	if err != nil {
		return err
	}

	if !isHeartbeat(contentType, payload) {
		s.buffer.Append(BufferedMessage{SenderID: selfID, ContentType: contentType, Payload: payload, ReceivedAt: time.Now()})
		s.checkCapacity()
	}

	raw := frame.Marshal()
	var env wire.Envelope
	if role == RoleHost {
		body, err := json.Marshal(wire.Broadcast{Payload: raw})
		if err != nil {
			return roomerr.Wrap(roomerr.KindValidation, "marshal broadcast body", err)
		}
		env = wire.Envelope{Type: wire.TypeBroadcast, Payload: body}
	} else {
		body, err := json.Marshal(wire.Message{Payload: raw})
		if err != nil {
			return roomerr.Wrap(roomerr.KindValidation, "marshal message body", err)
		}
		env = wire.Envelope{Type: wire.TypeMessage, Payload: body}
	}
	return s.enqueueEnvelope(env)
}

func (s *Session) enqueueEnvelope(env wire.Envelope) error {
	text, err := json.Marshal(env)
	if err != nil {
		return roomerr.Wrap(roomerr.KindValidation, "marshal envelope", err)
	}
	s.enqueue(string(text))
	return nil
}

// deliverLocal records and surfaces one opened application message,
// silently dropping keepalive heartbeats.
func (s *Session) deliverLocal(senderID [16]byte, contentType byte, payload []byte) {
	if isHeartbeat(contentType, payload) {
		return
	}
	s.buffer.Append(BufferedMessage{SenderID: senderID, ContentType: contentType, Payload: payload, ReceivedAt: time.Now()})
	s.checkCapacity()
	s.observer.OnMessage(senderID, contentType, payload)
}

// checkCapacity consults the buffer's capacity monitor after every
// insertion and closes the session with ReasonCapacityExceeded the
// moment it reports exceeded, per spec.md §4.5.
func (s *Session) checkCapacity() {
	if s.buffer.Exceeded() {
		s.destroy(wire.ReasonCapacityExceeded)
	}
}

// openInbound parses and opens a sealed frame, falling back to the
// just-superseded master/epoch if the current one fails to verify, so
// messages already in flight under the old epoch when a rekey lands still
// open correctly. Per spec.md §4.5, the replay guard is only consulted
// after a successful decrypt: checking it against the bare header first
// would let a forged (sender, sequence, nonce) with a garbage tag mark a
// sequence number seen and get the genuine frame dropped as a replay.
func (s *Session) openInbound(raw []byte) (senderID [16]byte, contentType byte, payload []byte, err error) {
	frame, err := framer.ParseHeader(raw, s.cfg.MaxFrameSize)
	if err != nil {
		return senderID, 0, nil, err
	}

	s.mu.Lock()
	state := s.state
	master := s.master
	prevMaster := s.previousMaster
	prevEpoch := s.previousEpoch
	s.mu.Unlock()
	if !state.canReceive() {
		return frame.SenderID, 0, nil, roomerr.New(roomerr.KindPrecondition, "frame not accepted in state "+state.String())
	}

	contentType, payload, err = framer.Open(master, frame)
	if err != nil && prevMaster != nil && frame.Epoch == prevEpoch {
		contentType, payload, err = framer.Open(prevMaster, frame)
	}
	if err != nil {
		return frame.SenderID, 0, nil, err
	}

	if !s.replay.Accept(frame.SenderID, frame.Sequence, frame.Nonce, frame.Epoch) {
		return frame.SenderID, 0, nil, roomerr.New(roomerr.KindValidation, "replay rejected")
	}

	return frame.SenderID, contentType, payload, nil
}

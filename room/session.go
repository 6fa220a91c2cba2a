// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package room

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/keniprimo/secretroom/capacity"
	"github.com/keniprimo/secretroom/config"
	"github.com/keniprimo/secretroom/handshake"
	"github.com/keniprimo/secretroom/keymaterial"
	"github.com/keniprimo/secretroom/participant"
	"github.com/keniprimo/secretroom/relaylog"
	"github.com/keniprimo/secretroom/replayguard"
	"github.com/keniprimo/secretroom/roomerr"
	"github.com/keniprimo/secretroom/roomid"
	"github.com/keniprimo/secretroom/transport"
	"github.com/keniprimo/secretroom/wire"
)

// LogSubsystem is the relaylog subsystem id room.Session logs under.
// Callers register it once, typically alongside their own subsystems:
// logger.Register(room.LogSubsystem, "[ROOM]").
const LogSubsystem = 3

type outboundJob struct {
	text string
}

// Session is the single goroutine-safe owner of one room's live state:
// the state machine of spec.md §4.5, the membership table, the replay
// guard, and the message buffer. Construct one with NewHost or
// NewClient; every exported method is safe for concurrent use.
type Session struct {
	mu sync.Mutex

	role   Role
	state  State
	roomID roomid.RoomId
	cfg    config.SessionConfig

	selfID  [16]byte
	selfSeq uint64

	master *keymaterial.Secret
	epoch  uint32

	// previousMaster/previousEpoch stay live for the duration of a rekey
	// round so a message sent under the old epoch, already in flight when
	// REKEY_DIRECT went out, still opens correctly (spec.md §4.5).
	previousMaster *keymaterial.Secret
	previousEpoch  uint32

	// host-only
	hostKeyPair         *handshake.EphemeralKeyPair
	participants        *participant.Table
	pendingJoins        *participant.PendingJoins
	pendingConfirms     *participant.PendingConfirms
	pendingDisplayNames map[string]string
	rekeyState          *handshake.HostRekeyState
	lastRekeyAt         time.Time
	msgsSinceRekey      int
	outstandingConfirms int

	// client-only
	hostPub        [32]byte
	selfPub        [32]byte
	currentEphPriv *keymaterial.Secret
	clientDisplay  string

	replay *replayguard.Guard
	buffer *MessageBuffer

	consecutiveFailures int

	tr       transport.Transport
	observer Observer
	log      *relaylog.Logger

	outbox chan outboundJob
	quit   chan struct{}
	closed bool

	destroyReason wire.DestroyReason

	heartbeatStop chan struct{}
	purgeStop     chan struct{}
}

func newSession(role Role, cfg config.SessionConfig, tr transport.Transport, obs Observer, logger *relaylog.Logger) *Session {
	if logger == nil {
		logger = relaylog.New(io.Discard, "2006-01-02 15:04:05")
	}
	if obs == nil {
		obs = NopObserver{}
	}
	s := &Session{
		role:     role,
		state:    StateNone,
		cfg:      cfg,
		replay:   replayguard.New(),
		tr:       tr,
		observer: obs,
		log:      logger,
		outbox:   make(chan outboundJob, 64),
		quit:     make(chan struct{}),
	}
	var monitor capacity.Monitor = capacity.NewThresholds(cfg.MessageBufferMaxCount, cfg.MessageBufferMaxBytes)
	s.buffer = NewMessageBuffer(cfg.MessageBufferMaxCount, cfg.MessageBufferMaxBytes, cfg.MessageExpiry, monitor)
	if role == RoleHost {
		s.participants = participant.NewTable()
		s.pendingJoins = participant.NewPendingJoins()
		s.pendingConfirms = participant.NewPendingConfirms()
		s.pendingDisplayNames = make(map[string]string)
	}
	tr.SetHandler(s)
	go s.writePump()
	go s.purgeLoop()
	s.startHeartbeat()
	return s
}

// NewHost constructs a Session that will create and own roomID.
func NewHost(roomID roomid.RoomId, cfg config.SessionConfig, tr transport.Transport, obs Observer, logger *relaylog.Logger) *Session {
	s := newSession(RoleHost, cfg, tr, obs, logger)
	s.roomID = roomID
	return s
}

// NewClient constructs a Session that will join a room announced by a
// host. roomID is learned from the ROOM_CREATED message and stored by
// handleRoomCreated once received; construction itself does not require it.
func NewClient(cfg config.SessionConfig, tr transport.Transport, obs Observer, logger *relaylog.Logger) *Session {
	return newSession(RoleClient, cfg, tr, obs, logger)
}

// State returns the Session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RoomID returns the room identifier, valid once known (immediately for
// a host, after ROOM_CREATED for a client).
func (s *Session) RoomID() roomid.RoomId {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// setState transitions the state machine and notifies the observer
// outside the lock, per spec.md §5's locking rule.
func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		s.log.Dbg(LogSubsystem, "%v: %v -> %v", s.role, prev, next)
		s.observer.OnStateChange(prev, next)
	}
}

// Connect starts the Session's transport. Its state moves to Creating
// immediately and to Created once the transport signals OnConnect.
func (s *Session) Connect(ctx context.Context) error {
	s.setState(StateCreating)
	return s.tr.Connect(ctx)
}

// OnConnect implements transport.EventHandler.
func (s *Session) OnConnect() {
	s.setState(StateCreated)
}

// OnDisconnect implements transport.EventHandler: any transport loss is
// fatal to the session, per spec.md §4.5's failure semantics.
func (s *Session) OnDisconnect(err error) {
	if err == nil {
		return
	}
	s.destroy(wire.ReasonNetworkError)
}

// Close tears the session down with reason ReasonUserExit. It is
// idempotent and synchronous, per spec.md §5.
func (s *Session) Close() {
	s.destroy(wire.ReasonUserExit)
}

// destroy is the single path to Destroyed: it is idempotent, wipes all
// key material, stops background work, and notifies the observer
// exactly once.
func (s *Session) destroy(reason wire.DestroyReason) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.destroyReason = reason
	prev := s.state
	s.state = StateDestroyed

	if s.master != nil {
		s.master.Wipe()
	}
	if s.previousMaster != nil {
		s.previousMaster.Wipe()
	}
	if s.hostKeyPair != nil {
		s.hostKeyPair.Wipe()
	}
	if s.currentEphPriv != nil {
		s.currentEphPriv.Wipe()
	}
	if s.rekeyState != nil {
		s.rekeyState.Close()
	}
	if s.pendingConfirms != nil {
		s.pendingConfirms.Clear()
	}
	s.replay.Wipe()
	close(s.quit)
	s.mu.Unlock()

	s.tr.Disconnect()

	if prev != StateDestroyed {
		s.log.Info(LogSubsystem, "%v: destroyed: %v", s.role, reason)
		s.observer.OnStateChange(prev, StateDestroyed)
		s.observer.OnDestroyed(reason)
	}
}

// requireSendable checks the precondition for application sends/receive
// processing without holding the lock longer than necessary.
func (s *Session) requireSendable() error {
	s.mu.Lock()
	ok := s.state.canSend()
	state := s.state
	s.mu.Unlock()
	if !ok {
		return roomerr.New(roomerr.KindPrecondition, "send not permitted in state "+state.String())
	}
	return nil
}

// recordCryptoFailure increments the consecutive-failure counter and
// destroys the session once it reaches the configured limit.
func (s *Session) recordCryptoFailure() {
	s.mu.Lock()
	s.consecutiveFailures++
	limit := s.cfg.ConsecutiveFailureLimit
	n := s.consecutiveFailures
	s.mu.Unlock()
	if limit > 0 && n >= limit {
		s.destroy(wire.ReasonCryptoFailure)
	}
}

func (s *Session) resetCryptoFailures() {
	s.mu.Lock()
	s.consecutiveFailures = 0
	s.mu.Unlock()
}

func (s *Session) writePump() {
	for {
		select {
		case <-s.quit:
			return
		case job := <-s.outbox:
			jitter := randJitter(s.cfg.SendJitterMin, s.cfg.SendJitterMax)
			if jitter > 0 {
				time.Sleep(jitter)
			}
			if err := s.tr.SendText(job.text); err != nil {
				s.log.Error(LogSubsystem, "%v: send failed: %v", s.role, err)
			}
		}
	}
}

func (s *Session) enqueue(text string) {
	select {
	case s.outbox <- outboundJob{text: text}:
	case <-s.quit:
	}
}

func (s *Session) purgeLoop() {
	interval := s.cfg.BufferPurgeInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case now := <-ticker.C:
			s.buffer.Purge(now)
		}
	}
}

// OnCapacityExceeded is the "close-gracefully" trigger spec.md §1
// reserves for the external capacity-monitoring policy layer: it never
// inspects session state itself, it only tells the core to wind down.
func (s *Session) OnCapacityExceeded() {
	s.destroy(wire.ReasonCapacityExceeded)
}

// OnMemoryPressure is driven by the host platform. critical pressure
// destroys the session with MemoryPressure; non-critical pressure evicts
// the older half of the message buffer instead, per spec.md §4.5.
func (s *Session) OnMemoryPressure(critical bool) {
	if critical {
		s.destroy(wire.ReasonMemoryPressure)
		return
	}
	evicted := s.buffer.EvictOlderHalf()
	if evicted > 0 {
		s.log.Warn(LogSubsystem, "%v: evicted %d buffered messages under memory pressure", s.role, evicted)
	}
}

// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Send* once Disconnect has been called.
var ErrClosed = errors.New("transport: closed")

type memoryMessage struct {
	text   string
	binary []byte
	isText bool
}

// MemoryTransport is an in-memory Transport used by the room and
// transport package tests to connect endpoints in one process without a
// real relay. Construct a connected pair with NewMemoryPair.
type MemoryTransport struct {
	mu      sync.Mutex
	handler EventHandler
	peer    *MemoryTransport
	inbox   chan memoryMessage
	closed  bool
}

// NewMemoryPair returns two MemoryTransports, each other's peer: a
// message sent on one is delivered to the other's handler.
func NewMemoryPair() (*MemoryTransport, *MemoryTransport) {
	a := &MemoryTransport{inbox: make(chan memoryMessage, 64)}
	b := &MemoryTransport{inbox: make(chan memoryMessage, 64)}
	a.peer = b
	b.peer = a
	return a, b
}

// SetHandler implements Transport.
func (m *MemoryTransport) SetHandler(h EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Connect implements Transport: it starts the delivery pump and signals
// OnConnect to both ends.
func (m *MemoryTransport) Connect(ctx context.Context) error {
	go m.pump(ctx)
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h.OnConnect()
	}
	return nil
}

func (m *MemoryTransport) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-m.inbox:
			if !ok {
				return
			}
			m.mu.Lock()
			h := m.handler
			m.mu.Unlock()
			if h == nil {
				continue
			}
			if msg.isText {
				h.OnReceiveText(msg.text)
			} else {
				h.OnReceiveBinary(msg.binary)
			}
		}
	}
}

// SendText implements Transport.
func (m *MemoryTransport) SendText(s string) error {
	return m.send(memoryMessage{text: s, isText: true})
}

// SendBinary implements Transport.
func (m *MemoryTransport) SendBinary(b []byte) error {
	cp := append([]byte(nil), b...)
	return m.send(memoryMessage{binary: cp})
}

func (m *MemoryTransport) send(msg memoryMessage) error {
	m.mu.Lock()
	peer := m.peer
	closed := m.closed
	m.mu.Unlock()
	if closed || peer == nil {
		return ErrClosed
	}
	peer.mu.Lock()
	peerClosed := peer.closed
	peer.mu.Unlock()
	if peerClosed {
		return ErrClosed
	}
	peer.inbox <- msg
	return nil
}

// Disconnect implements Transport. It notifies this end's handler with a
// nil error (a clean, user-initiated close) and marks the transport
// closed; it does not touch the peer.
func (m *MemoryTransport) Disconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	h := m.handler
	m.mu.Unlock()
	close(m.inbox)
	if h != nil {
		h.OnDisconnect(nil)
	}
	return nil
}

// BreakConnection simulates a network failure: it closes both ends and
// reports a non-nil error to each handler, used by tests exercising
// room.Session's NetworkError destruction path.
func BreakConnection(a, b *MemoryTransport) {
	breakErr := errors.New("transport: connection broken")
	for _, t := range []*MemoryTransport{a, b} {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			continue
		}
		t.closed = true
		h := t.handler
		t.mu.Unlock()
		close(t.inbox)
		if h != nil {
			h.OnDisconnect(breakErr)
		}
	}
}

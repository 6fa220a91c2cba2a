// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package transport defines the narrow, full-duplex message-stream
// contract room.Session depends on, plus an in-memory test double and a
// TCP+TLS reference implementation. room.Session never reaches for
// net.Conn directly — every send, receive, and disconnect crosses this
// interface, so the state machine can be exercised without a socket.
package transport

import "context"

// EventHandler receives the signals a Transport delivers. Calls are
// serialized per Transport but must never be made while the caller holds
// any lock of its own — room.Session relies on this to dispatch
// observer callbacks outside its session lock.
type EventHandler interface {
	OnConnect()
	OnReceiveText(msg string)
	OnReceiveBinary(msg []byte)
	OnDisconnect(err error)
}

// Transport is the full-duplex message stream a Session is built on top
// of. Implementations may be backed by a real socket, an in-memory pipe
// for tests, or anything else that can move whole text and binary
// messages.
type Transport interface {
	// SetHandler installs the receiver of inbound events. It must be
	// called before Connect.
	SetHandler(h EventHandler)

	// Connect establishes the underlying stream. It blocks until the
	// stream is ready or ctx is done.
	Connect(ctx context.Context) error

	// SendText sends a whole UTF-8 text message (the JSON wire
	// envelopes of the wire package travel this way).
	SendText(msg string) error

	// SendBinary sends a whole binary blob.
	SendBinary(msg []byte) error

	// Disconnect tears down the stream. It is idempotent.
	Disconnect() error
}

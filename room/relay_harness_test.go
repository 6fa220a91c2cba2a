// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package room

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/keniprimo/secretroom/transport"
	"github.com/keniprimo/secretroom/wire"
)

// fakeRelay is a minimal, in-process stand-in for the real relay: it
// multiplexes one host connection against N client connections, routing
// strictly on Envelope.Type/ClientId/ExcludeClientId the way the real relay is required
// to (spec.md's "relay never reads Payload" rule). It exists only to give
// room package tests a multi-participant topology without depending on
// cmd/relayd.
type fakeRelay struct {
	mu      sync.Mutex
	host    transport.Transport
	clients map[string]transport.Transport
	nextID  int
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{clients: make(map[string]transport.Transport)}
}

// relayEndpoint adapts one MemoryTransport half into the relay's routing
// table; id is "" for the host side.
type relayEndpoint struct {
	relay *fakeRelay
	id    string
}

func (e *relayEndpoint) OnConnect()              {}
func (e *relayEndpoint) OnDisconnect(err error)   {}
func (e *relayEndpoint) OnReceiveBinary(b []byte) {}
func (e *relayEndpoint) OnReceiveText(msg string) { e.relay.route(e.id, msg) }

// attachHost wires tr as the relay's single link to the host.
func (r *fakeRelay) attachHost(tr transport.Transport) {
	r.host = tr
	tr.SetHandler(&relayEndpoint{relay: r})
}

// attachClient wires tr as the relay's link to a newly connecting client
// and returns the relayClientId assigned to it, mirroring how a real
// relay assigns an id per physical connection.
func (r *fakeRelay) attachClient(tr transport.Transport) string {
	r.mu.Lock()
	r.nextID++
	id := "c" + strconv.Itoa(r.nextID)
	r.clients[id] = tr
	r.mu.Unlock()
	tr.SetHandler(&relayEndpoint{relay: r, id: id})
	return id
}

// dropClient removes id from the routing table as if its connection had
// silently gone away: further host-addressed traffic for it is discarded
// instead of delivered.
func (r *fakeRelay) dropClient(id string) {
	r.mu.Lock()
	delete(r.clients, id)
	r.mu.Unlock()
}

func (r *fakeRelay) route(from string, msg string) {
	var env wire.Envelope
	if err := json.Unmarshal([]byte(msg), &env); err != nil {
		return
	}

	if from == "" {
		// Host -> relay. KICK severs the named client's connection and
		// tells it why, instead of being forwarded verbatim.
		if env.Type == wire.TypeKick {
			r.mu.Lock()
			target := r.clients[env.ClientId]
			delete(r.clients, env.ClientId)
			r.mu.Unlock()
			if target == nil {
				return
			}
			body, err := json.Marshal(wire.Kicked{Reason: string(wire.ReasonKicked)})
			if err != nil {
				return
			}
			text, err := json.Marshal(wire.Envelope{Type: wire.TypeKicked, Payload: body})
			if err != nil {
				return
			}
			target.SendText(string(text))
			return
		}

		// Envelope-level ClientId (when set) names the one client this
		// message is addressed to; otherwise it fans to all.
		if env.ClientId != "" {
			r.mu.Lock()
			target := r.clients[env.ClientId]
			r.mu.Unlock()
			if target != nil {
				target.SendText(msg)
			}
			return
		}
		r.mu.Lock()
		targets := make([]transport.Transport, 0, len(r.clients))
		for id, tr := range r.clients {
			if id == env.ExcludeClientId {
				continue
			}
			targets = append(targets, tr)
		}
		r.mu.Unlock()
		for _, tr := range targets {
			tr.SendText(msg)
		}
		return
	}

	// Client -> relay. The relay stamps the envelope with the sender's
	// assigned id before forwarding to the host; it never trusts a
	// client-supplied ClientId for this direction.
	env.ClientId = from
	stamped, err := json.Marshal(env)
	if err != nil {
		return
	}
	r.mu.Lock()
	host := r.host
	r.mu.Unlock()
	if host != nil {
		host.SendText(string(stamped))
	}
}

// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/keniprimo/secretroom/relaylog"
	"github.com/keniprimo/secretroom/tagstack"
	"github.com/keniprimo/secretroom/transport"
	"github.com/keniprimo/secretroom/wire"
)

// logSubsystem is relayd's relaylog registration id. room.LogSubsystem
// uses 3, so relayd picks the next free slot.
const logSubsystem = 4

// relay forwards envelopes between one host and its clients, reading
// only Type, ClientId, and ExcludeClientId. It hosts one room per
// process: the first accepted connection is the host, every later one a
// client, up to maxParticipants.
type relay struct {
	mu      sync.Mutex
	log     *relaylog.Logger
	tags    *tagstack.TagStack
	host    *relayEndpoint
	clients map[string]*relayEndpoint

	// cachedCreated/cachedOpen hold the raw ROOM_CREATED/ROOM_OPEN
	// envelope text so a client that connects after the host already
	// announced the room still learns the room id and host key.
	cachedCreated string
	cachedOpen    string
}

func newRelay(maxParticipants int, log *relaylog.Logger) *relay {
	return &relay{
		log:     log,
		tags:    tagstack.New(maxParticipants),
		clients: make(map[string]*relayEndpoint),
	}
}

// relayEndpoint is the transport.EventHandler for one accepted
// connection. id is "" for the host, otherwise the relay-assigned
// client id stamped onto every envelope that client authors.
type relayEndpoint struct {
	r  *relay
	id string
	tr transport.Transport
}

func (e *relayEndpoint) OnConnect() {}

func (e *relayEndpoint) OnReceiveText(msg string) {
	e.r.route(e.id, msg)
}

func (e *relayEndpoint) OnReceiveBinary(msg []byte) {
	e.r.log.Warn(logSubsystem, "unexpected binary frame (%d bytes) from %q, ignored", len(msg), e.id)
}

func (e *relayEndpoint) OnDisconnect(err error) {
	e.r.handleDisconnect(e.id)
}

func (r *relay) handleConn(conn net.Conn, tlsCfg *tls.Config) {
	t, err := transport.AcceptTCP(conn, tlsCfg)
	if err != nil {
		r.log.Warn(logSubsystem, "accept: %v", err)
		return
	}

	r.mu.Lock()
	isHost := r.host == nil
	var id string
	if !isHost {
		tag, err := r.tags.Pop()
		if err != nil {
			r.mu.Unlock()
			r.log.Warn(logSubsystem, "room full, rejecting connection: %v", err)
			t.Disconnect()
			return
		}
		id = "c" + strconv.FormatUint(uint64(tag), 10)
	}
	ep := &relayEndpoint{r: r, id: id, tr: t}
	if isHost {
		r.host = ep
	} else {
		r.clients[id] = ep
	}
	cachedCreated, cachedOpen := r.cachedCreated, r.cachedOpen
	r.mu.Unlock()

	t.SetHandler(ep)
	if err := t.Connect(context.Background()); err != nil {
		r.log.Warn(logSubsystem, "connect: %v", err)
		return
	}

	if isHost {
		r.log.Info(logSubsystem, "host connected")
		return
	}
	r.log.Info(logSubsystem, "client %s connected", id)
	if cachedCreated != "" {
		t.SendText(cachedCreated)
	}
	if cachedOpen != "" {
		t.SendText(cachedOpen)
	}
}

func (r *relay) route(from string, msg string) {
	var env wire.Envelope
	if err := json.Unmarshal([]byte(msg), &env); err != nil {
		r.log.Warn(logSubsystem, "malformed envelope from %q: %v", from, err)
		return
	}

	if from != "" {
		// Client-authored: the relay stamps the routing id and forwards
		// opaquely to the host. Only the host acts as a fan-out point.
		env.ClientId = from
		stamped, err := json.Marshal(env)
		if err != nil {
			return
		}
		r.mu.Lock()
		host := r.host
		r.mu.Unlock()
		if host != nil {
			host.tr.SendText(string(stamped))
		}
		return
	}

	switch env.Type {
	case wire.TypeRoomCreated:
		r.mu.Lock()
		r.cachedCreated = msg
		r.mu.Unlock()
	case wire.TypeRoomOpen:
		r.mu.Lock()
		r.cachedOpen = msg
		r.mu.Unlock()
	case wire.TypeKick:
		r.sever(env.ClientId, wire.ReasonKicked)
		return
	}

	if env.ClientId != "" {
		r.mu.Lock()
		target := r.clients[env.ClientId]
		r.mu.Unlock()
		if target != nil {
			target.tr.SendText(msg)
		}
		return
	}

	r.mu.Lock()
	targets := make([]*relayEndpoint, 0, len(r.clients))
	for id, ep := range r.clients {
		if id == env.ExcludeClientId {
			continue
		}
		targets = append(targets, ep)
	}
	r.mu.Unlock()
	for _, ep := range targets {
		ep.tr.SendText(msg)
	}
}

// sever tells the relay client id to disconnect with reason, removes it
// from the routing table, and returns its tag to the pool.
func (r *relay) sever(id string, reason wire.DestroyReason) {
	r.mu.Lock()
	target, ok := r.clients[id]
	delete(r.clients, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.freeTag(id)

	body, err := json.Marshal(wire.Kicked{Reason: string(reason)})
	if err == nil {
		text, err := json.Marshal(wire.Envelope{Type: wire.TypeKicked, Payload: body})
		if err == nil {
			target.tr.SendText(string(text))
		}
	}
	target.tr.Disconnect()
}

func (r *relay) handleDisconnect(id string) {
	if id == "" {
		r.handleHostGone()
		return
	}

	r.mu.Lock()
	_, ok := r.clients[id]
	delete(r.clients, id)
	host := r.host
	r.mu.Unlock()
	if !ok {
		return
	}
	r.freeTag(id)
	r.log.Info(logSubsystem, "client %s disconnected", id)

	if host == nil {
		return
	}
	body, err := json.Marshal(wire.ClientLeft{ClientId: id})
	if err != nil {
		return
	}
	text, err := json.Marshal(wire.Envelope{Type: wire.TypeClientLeft, Payload: body})
	if err != nil {
		return
	}
	host.tr.SendText(string(text))
}

func (r *relay) handleHostGone() {
	r.mu.Lock()
	r.host = nil
	clients := make([]*relayEndpoint, 0, len(r.clients))
	for _, ep := range r.clients {
		clients = append(clients, ep)
	}
	r.mu.Unlock()
	r.log.Warn(logSubsystem, "host disconnected, notifying %d client(s)", len(clients))

	body, err := json.Marshal(wire.RoomDestroyed{Reason: string(wire.ReasonHostDisconnected)})
	if err != nil {
		return
	}
	text, err := json.Marshal(wire.Envelope{Type: wire.TypeRoomDestroyed, Payload: body})
	if err != nil {
		return
	}
	for _, ep := range clients {
		ep.tr.SendText(string(text))
	}
}

func (r *relay) freeTag(id string) {
	n, err := strconv.ParseUint(strings.TrimPrefix(id, "c"), 10, 32)
	if err != nil {
		return
	}
	r.tags.Push(uint32(n))
}

// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/keniprimo/secretroom/relaylog"
	"github.com/keniprimo/secretroom/transport"
	"github.com/keniprimo/secretroom/wire"
)

type recordingEndpoint struct {
	texts chan string
}

func newRecordingEndpoint() *recordingEndpoint {
	return &recordingEndpoint{texts: make(chan string, 16)}
}

func (e *recordingEndpoint) OnConnect()              {}
func (e *recordingEndpoint) OnReceiveBinary([]byte)   {}
func (e *recordingEndpoint) OnDisconnect(err error)   {}
func (e *recordingEndpoint) OnReceiveText(msg string) { e.texts <- msg }

func (e *recordingEndpoint) await(t *testing.T) wire.Envelope {
	t.Helper()
	select {
	case text := <-e.texts:
		var env wire.Envelope
		if err := json.Unmarshal([]byte(text), &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return wire.Envelope{}
	}
}

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
}

// relayHarness starts one relay behind a loopback TLS listener and hands
// back a dial function for connecting more peers to it.
type relayHarness struct {
	r  *relay
	ln net.Listener
}

func newRelayHarness(t *testing.T, maxParticipants int) *relayHarness {
	t.Helper()
	cert := selfSignedCert(t)
	serverCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	ln, err := transport.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	log := relaylog.New(io.Discard, "2006-01-02 15:04:05")
	log.Register(logSubsystem, "[RLY]")
	r := newRelay(maxParticipants, log)
	go r.serve(ln, serverCfg)
	return &relayHarness{r: r, ln: ln}
}

func (h *relayHarness) dial(t *testing.T) (*transport.TCPTransport, *recordingEndpoint) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr, err := transport.DialTCP(ctx, h.ln.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ep := newRecordingEndpoint()
	tr.SetHandler(ep)
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return tr, ep
}

func sendEnvelope(t *testing.T, tr *transport.TCPTransport, env wire.Envelope) {
	t.Helper()
	text, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := tr.SendText(string(text)); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestRelayFirstConnectionIsHost(t *testing.T) {
	h := newRelayHarness(t, 4)
	hostTr, _ := h.dial(t)
	time.Sleep(50 * time.Millisecond)

	h.r.mu.Lock()
	isHost := h.r.host != nil
	h.r.mu.Unlock()
	if !isHost {
		t.Fatal("first connection was not registered as host")
	}
	hostTr.Disconnect()
}

func TestRelayCachesRoomAnnouncementsForLateJoiners(t *testing.T) {
	h := newRelayHarness(t, 4)
	hostTr, _ := h.dial(t)
	defer hostTr.Disconnect()

	createdBody, _ := json.Marshal(wire.RoomCreated{RoomId: "abc"})
	sendEnvelope(t, hostTr, wire.Envelope{Type: wire.TypeRoomCreated, Payload: createdBody})
	openBody, _ := json.Marshal(wire.RoomOpen{HostPublicKey: make([]byte, 32)})
	sendEnvelope(t, hostTr, wire.Envelope{Type: wire.TypeRoomOpen, Payload: openBody})
	time.Sleep(50 * time.Millisecond)

	clientTr, clientEp := h.dial(t)
	defer clientTr.Disconnect()

	env := clientEp.await(t)
	if env.Type != wire.TypeRoomCreated {
		t.Fatalf("first envelope to late joiner = %q, want ROOM_CREATED", env.Type)
	}
	env = clientEp.await(t)
	if env.Type != wire.TypeRoomOpen {
		t.Fatalf("second envelope to late joiner = %q, want ROOM_OPEN", env.Type)
	}
}

func TestRelayStampsClientIdOnForwardToHost(t *testing.T) {
	h := newRelayHarness(t, 4)
	hostTr, hostEp := h.dial(t)
	defer hostTr.Disconnect()
	clientTr, _ := h.dial(t)
	defer clientTr.Disconnect()

	msgBody, _ := json.Marshal(wire.Message{Payload: []byte("frame")})
	sendEnvelope(t, clientTr, wire.Envelope{Type: wire.TypeMessage, Payload: msgBody})

	env := hostEp.await(t)
	if env.Type != wire.TypeMessage {
		t.Fatalf("host got %q, want MESSAGE", env.Type)
	}
	if env.ClientId == "" {
		t.Fatal("relay did not stamp a ClientId on the client-authored envelope")
	}
}

func TestRelayBroadcastExcludesOriginalSender(t *testing.T) {
	h := newRelayHarness(t, 4)
	hostTr, hostEp := h.dial(t)
	defer hostTr.Disconnect()
	clientOneTr, clientOneEp := h.dial(t)
	defer clientOneTr.Disconnect()
	clientTwoTr, clientTwoEp := h.dial(t)
	defer clientTwoTr.Disconnect()

	msgBody, _ := json.Marshal(wire.Message{Payload: []byte("hi")})
	sendEnvelope(t, clientOneTr, wire.Envelope{Type: wire.TypeMessage, Payload: msgBody})
	forwarded := hostEp.await(t)
	var m wire.Message
	json.Unmarshal(forwarded.Payload, &m)

	broadcastBody, _ := json.Marshal(wire.Broadcast{Payload: m.Payload})
	sendEnvelope(t, hostTr, wire.Envelope{Type: wire.TypeBroadcast, ExcludeClientId: forwarded.ClientId, Payload: broadcastBody})

	env := clientTwoEp.await(t)
	if env.Type != wire.TypeBroadcast {
		t.Fatalf("client two got %q, want BROADCAST", env.Type)
	}
	select {
	case text := <-clientOneEp.texts:
		t.Fatalf("excluded sender received a broadcast it authored: %s", text)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRelayKickSeversAndNotifies(t *testing.T) {
	h := newRelayHarness(t, 4)
	hostTr, hostEp := h.dial(t)
	defer hostTr.Disconnect()
	clientTr, clientEp := h.dial(t)
	defer clientTr.Disconnect()

	msgBody, _ := json.Marshal(wire.Message{Payload: []byte("identify me")})
	sendEnvelope(t, clientTr, wire.Envelope{Type: wire.TypeMessage, Payload: msgBody})
	forwarded := hostEp.await(t)

	kickBody, _ := json.Marshal(wire.Kick{ClientId: forwarded.ClientId})
	sendEnvelope(t, hostTr, wire.Envelope{Type: wire.TypeKick, ClientId: forwarded.ClientId, Payload: kickBody})

	env := clientEp.await(t)
	if env.Type != wire.TypeKicked {
		t.Fatalf("kicked client got %q, want KICKED", env.Type)
	}

	h.r.mu.Lock()
	_, stillPresent := h.r.clients[forwarded.ClientId]
	h.r.mu.Unlock()
	if stillPresent {
		t.Fatal("kicked client was not removed from the routing table")
	}
}

func TestRelayClientDisconnectNotifiesHost(t *testing.T) {
	h := newRelayHarness(t, 4)
	hostTr, hostEp := h.dial(t)
	defer hostTr.Disconnect()
	clientTr, _ := h.dial(t)
	time.Sleep(50 * time.Millisecond)

	clientTr.Disconnect()

	env := hostEp.await(t)
	if env.Type != wire.TypeClientLeft {
		t.Fatalf("host got %q, want CLIENT_LEFT", env.Type)
	}
}

func TestRelayHostDisconnectNotifiesClients(t *testing.T) {
	h := newRelayHarness(t, 4)
	hostTr, _ := h.dial(t)
	clientTr, clientEp := h.dial(t)
	defer clientTr.Disconnect()
	time.Sleep(50 * time.Millisecond)

	hostTr.Disconnect()

	env := clientEp.await(t)
	if env.Type != wire.TypeRoomDestroyed {
		t.Fatalf("client got %q, want ROOM_DESTROYED", env.Type)
	}
}

func TestRelayRejectsBeyondCapacity(t *testing.T) {
	h := newRelayHarness(t, 1)
	hostTr, _ := h.dial(t)
	defer hostTr.Disconnect()
	firstClientTr, _ := h.dial(t)
	defer firstClientTr.Disconnect()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	secondClientTr, err := transport.DialTCP(ctx, h.ln.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ep := newRecordingEndpoint()
	secondClientTr.SetHandler(ep)
	secondClientTr.Connect(ctx)

	select {
	case text := <-ep.texts:
		t.Fatalf("rejected client unexpectedly received %s", text)
	case <-time.After(150 * time.Millisecond):
	}
}

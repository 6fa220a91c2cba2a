// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/keniprimo/secretroom/keymaterial"
	"github.com/keniprimo/secretroom/roomerr"
)

const (
	frameTypeText   byte = 0
	frameTypeBinary byte = 1

	maxFrameSize = 64 * 1024 * 1024
)

// TCPTransport is the reference Transport: a TLS-protected TCP stream
// with a further inner secretbox layer bootstrapped from a fresh X25519
// exchange, so that traffic remains opaque to anything terminating TLS
// on the peer's behalf (the onion-routing assumption of spec.md §1 means
// the relay is not meant to be a confidentiality boundary at all, but
// this layering costs little and matches the teacher's own layered
// session.KX design).
type TCPTransport struct {
	conn net.Conn

	mu      sync.Mutex
	handler EventHandler
	closed  bool

	writeKey *[32]byte
	readKey  *[32]byte
	writeSeq [24]byte
	readSeq  [24]byte
}

// DialTCP connects to addr, performs the TLS handshake with cfg, then
// runs the bootstrap exchange as the initiating side.
func DialTCP(ctx context.Context, addr string, cfg *tls.Config) (*TCPTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, roomerr.Wrap(roomerr.KindTransport, "dial", err)
	}
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, roomerr.Wrap(roomerr.KindTransport, "tls handshake", err)
	}
	t := &TCPTransport{conn: tlsConn}
	if err := t.bootstrap(true); err != nil {
		tlsConn.Close()
		return nil, err
	}
	return t, nil
}

// AcceptTCP wraps an already-accepted connection (from a net.Listener)
// with TLS server-side, then runs the bootstrap exchange as the
// responding side.
func AcceptTCP(conn net.Conn, cfg *tls.Config) (*TCPTransport, error) {
	tlsConn := tls.Server(conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, roomerr.Wrap(roomerr.KindTransport, "tls handshake", err)
	}
	t := &TCPTransport{conn: tlsConn}
	if err := t.bootstrap(false); err != nil {
		tlsConn.Close()
		return nil, err
	}
	return t, nil
}

// bootstrap exchanges fresh X25519 public keys over the already-TLS'd
// conn and derives a pair of directional secretbox keys from the shared
// secret, the way session.KX derives its write/read pair from a DH
// output (kx.go's deriveKeys), generalized from NTRU Prime to X25519
// since no long-term identity is being authenticated here.
func (t *TCPTransport) bootstrap(initiator bool) error {
	priv, err := keymaterial.NewRandomSecret(32)
	if err != nil {
		return roomerr.Wrap(roomerr.KindCryptographic, "generate bootstrap private key", err)
	}
	defer priv.Wipe()

	var pub [32]byte
	var mulErr error
	err = priv.With(func(b []byte) {
		p, e := curve25519.X25519(b, curve25519.Basepoint)
		if e != nil {
			mulErr = e
			return
		}
		copy(pub[:], p)
	})
	if err != nil || mulErr != nil {
		return roomerr.Wrap(roomerr.KindCryptographic, "derive bootstrap public key", err)
	}

	if err := writeRaw(t.conn, pub[:]); err != nil {
		return err
	}
	theirPub, err := readRaw(t.conn, 32)
	if err != nil {
		return err
	}

	var shared []byte
	err = priv.With(func(b []byte) {
		s, e := curve25519.X25519(b, theirPub)
		if e != nil {
			mulErr = e
			return
		}
		shared = s
	})
	if err != nil || mulErr != nil {
		return roomerr.Wrap(roomerr.KindCryptographic, "bootstrap dh", err)
	}
	defer keymaterial.SecureWipe(shared)

	r := hkdf.New(sha256.New, shared, nil, []byte("secretroom-transport-bootstrap"))
	var a, b [32]byte
	if _, err := io.ReadFull(r, a[:]); err != nil {
		return roomerr.Wrap(roomerr.KindCryptographic, "derive bootstrap keys", err)
	}
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return roomerr.Wrap(roomerr.KindCryptographic, "derive bootstrap keys", err)
	}

	// The initiator's write key is the responder's read key, and vice
	// versa, exactly as kx.go's Initiate/Respond assign a/b reversed.
	t.writeKey = new([32]byte)
	t.readKey = new([32]byte)
	if initiator {
		*t.writeKey = a
		*t.readKey = b
	} else {
		*t.writeKey = b
		*t.readKey = a
	}
	return nil
}

func writeRaw(w io.Writer, b []byte) error {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(b)))
	if _, err := w.Write(length[:]); err != nil {
		return roomerr.Wrap(roomerr.KindTransport, "write length", err)
	}
	if _, err := w.Write(b); err != nil {
		return roomerr.Wrap(roomerr.KindTransport, "write payload", err)
	}
	return nil
}

func readRaw(r io.Reader, want int) ([]byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, roomerr.Wrap(roomerr.KindTransport, "read length", err)
	}
	n := binary.BigEndian.Uint32(length[:])
	if n > maxFrameSize || (want > 0 && int(n) != want) {
		return nil, roomerr.New(roomerr.KindValidation, "bootstrap frame has unexpected length")
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, roomerr.Wrap(roomerr.KindTransport, "read payload", err)
	}
	return b, nil
}

// incSeq increments a 24-byte nonce, matching session.KX's incSeq.
func incSeq(seq *[24]byte) {
	n := uint32(1)
	for i := 0; i < 8; i++ {
		n += uint32(seq[i])
		seq[i] = byte(n)
		n >>= 8
	}
}

// SetHandler implements Transport.
func (t *TCPTransport) SetHandler(h EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Connect implements Transport: the TLS+bootstrap handshake already
// happened in DialTCP/AcceptTCP, so Connect only starts the read pump
// and signals OnConnect.
func (t *TCPTransport) Connect(ctx context.Context) error {
	go t.readLoop(ctx)
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h.OnConnect()
	}
	return nil
}

func (t *TCPTransport) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			t.Disconnect()
			return
		default:
		}

		sealed, err := readRaw(t.conn, 0)
		if err != nil {
			t.mu.Lock()
			already := t.closed
			t.closed = true
			h := t.handler
			t.mu.Unlock()
			if !already && h != nil {
				h.OnDisconnect(err)
			}
			return
		}

		plaintext, ok := secretbox.Open(nil, sealed, &t.readSeq, t.readKey)
		incSeq(&t.readSeq)
		if !ok {
			t.mu.Lock()
			already := t.closed
			t.closed = true
			h := t.handler
			t.mu.Unlock()
			if !already && h != nil {
				h.OnDisconnect(roomerr.New(roomerr.KindCryptographic, "bootstrap layer decrypt failed"))
			}
			return
		}
		if len(plaintext) < 1 {
			continue
		}

		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h == nil {
			continue
		}
		switch plaintext[0] {
		case frameTypeText:
			h.OnReceiveText(string(plaintext[1:]))
		case frameTypeBinary:
			h.OnReceiveBinary(append([]byte(nil), plaintext[1:]...))
		}
	}
}

func (t *TCPTransport) sealAndSend(kind byte, data []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	plaintext := make([]byte, 0, 1+len(data))
	plaintext = append(plaintext, kind)
	plaintext = append(plaintext, data...)
	sealed := secretbox.Seal(nil, plaintext, &t.writeSeq, t.writeKey)
	incSeq(&t.writeSeq)
	t.mu.Unlock()

	if len(sealed) > maxFrameSize {
		return roomerr.New(roomerr.KindValidation, "frame exceeds transport maximum")
	}
	return writeRaw(t.conn, sealed)
}

// SendText implements Transport.
func (t *TCPTransport) SendText(s string) error {
	return t.sealAndSend(frameTypeText, []byte(s))
}

// SendBinary implements Transport.
func (t *TCPTransport) SendBinary(b []byte) error {
	return t.sealAndSend(frameTypeBinary, b)
}

// Disconnect implements Transport. It is idempotent.
func (t *TCPTransport) Disconnect() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}

var _ io.Closer = (*TCPTransport)(nil)

func (t *TCPTransport) Close() error {
	return t.Disconnect()
}

// Listen wraps a plain net.Listener so callers (cmd/relayd) can Accept
// and AcceptTCP each incoming connection.
func Listen(network, addr string) (net.Listener, error) {
	l, err := net.Listen(network, addr)
	if err != nil {
		return nil, roomerr.Wrap(roomerr.KindTransport, "listen", err)
	}
	return l, nil
}

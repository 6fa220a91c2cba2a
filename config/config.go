// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package config holds the tunable policy thresholds room.Session reads
// (rekey triggers, buffer bounds, timeouts) plus the relay's own
// configuration. room.Session itself never touches disk; file loading is
// offered only for the reference cmd/ binaries.
package config

import (
	"time"
)

// SessionConfig bundles every policy threshold spec.md names by default
// value. Zero value is not meaningful; use DefaultSessionConfig.
type SessionConfig struct {
	// Rekey triggers (spec.md §4.2(c)).
	RekeyTimeThreshold      time.Duration
	RekeyMessageThreshold   int
	PendingConfirmLifetime  time.Duration

	// Message buffer bounds (spec.md §3, §4.5).
	MessageBufferMaxCount int
	MessageBufferMaxBytes int64
	MessageExpiry         time.Duration
	BufferPurgeInterval   time.Duration

	// Framing limits (spec.md §4.3).
	MaxFrameSize     int
	MaxPlaintextSize int
	HighSecurity     bool

	// Failure and timeout thresholds (spec.md §4.5, §5).
	ConsecutiveFailureLimit int
	HandshakeDeadline       time.Duration
	BootstrapStallTimeout   time.Duration

	// Outbound timing jitter (spec.md §4.5 send path).
	SendJitterMin time.Duration
	SendJitterMax time.Duration

	// Heartbeat / reconnect (spec.md §6).
	HeartbeatInterval      time.Duration
	HeartbeatJitterPercent float64 // e.g. 0.30 for +-30%
	HeartbeatTimeout       time.Duration
	ReconnectBackoffBase   time.Duration
	ReconnectBackoffCap    time.Duration
	ReconnectBackoffJitter time.Duration
	ReconnectMaxAttempts   int
}

// DefaultSessionConfig returns the defaults named throughout spec.md.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		RekeyTimeThreshold:     15 * time.Minute,
		RekeyMessageThreshold:  1000,
		PendingConfirmLifetime: 30 * time.Second,

		MessageBufferMaxCount: 50,
		MessageBufferMaxBytes: 20 * 1024 * 1024,
		MessageExpiry:         5 * time.Minute,
		BufferPurgeInterval:   30 * time.Second,

		MaxFrameSize:     50 * 1024 * 1024,
		MaxPlaintextSize: 40 * 1024 * 1024,
		HighSecurity:     false,

		ConsecutiveFailureLimit: 5,
		HandshakeDeadline:       30 * time.Second,
		BootstrapStallTimeout:   120 * time.Second,

		SendJitterMin: 0,
		SendJitterMax: 300 * time.Millisecond,

		HeartbeatInterval:      15 * time.Second,
		HeartbeatJitterPercent: 0.30,
		HeartbeatTimeout:       45 * time.Second,
		ReconnectBackoffBase:   3 * time.Second,
		ReconnectBackoffCap:    30 * time.Second,
		ReconnectBackoffJitter: 2 * time.Second,
		ReconnectMaxAttempts:   5,
	}
}

// RelayConfig is the reference relay's process-level configuration.
type RelayConfig struct {
	Listen          string
	LogFile         string
	TimeFormat      string
	Debug           bool
	Trace           bool
	StrictOnionOnly bool

	// CertFile/KeyFile name a PEM certificate and key the relay should
	// terminate TLS with. Both empty means generate an ephemeral
	// self-signed certificate for the process lifetime, fine for a
	// reference deployment behind an onion service but not for a
	// publicly routable one.
	CertFile string
	KeyFile  string

	// MaxParticipants bounds how many client connections one room may
	// hold at once; relayd enforces it with a tagstack-backed pool of
	// reusable relay client ids.
	MaxParticipants int
}

// DefaultRelayConfig mirrors the teacher's zkserver defaults, adapted to
// this package's fields.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Listen:          "127.0.0.1:12345",
		LogFile:         "~/.secretroom/relayd.log",
		TimeFormat:      "2006-01-02 15:04:05",
		Debug:           false,
		Trace:           false,
		StrictOnionOnly: false,
		MaxParticipants: 64,
	}
}

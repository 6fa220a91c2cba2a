// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package relaylog

import (
	"bytes"
	"strings"
	"testing"
)

func TestRegisterDuplicateFails(t *testing.T) {
	l := New(&bytes.Buffer{}, "2006-01-02")
	if err := l.Register(1, "[ROOM]"); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := l.Register(1, "[OTHER]"); err != ErrDuplicateSubsystem {
		t.Fatalf("second Register err = %v, want ErrDuplicateSubsystem", err)
	}
}

func TestInfoWritesFormattedLine(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "2006-01-02")
	l.Register(1, "[ROOM]")

	l.Info(1, "participant %s joined", "alice")

	out := buf.String()
	if !strings.Contains(out, "[ROOM]") || !strings.Contains(out, "[INF]") || !strings.Contains(out, "alice") {
		t.Fatalf("unexpected log line: %q", out)
	}
}

func TestUnknownSubsystemTagged(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "2006-01-02")
	l.Warn(99, "something happened")
	if !strings.Contains(buf.String(), "[UNK]") {
		t.Fatalf("expected unknown-subsystem tag, got %q", buf.String())
	}
}

func TestDebugSuppressedUntilEnabled(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "2006-01-02")
	l.Dbg(1, "quiet")
	if buf.Len() != 0 {
		t.Fatalf("debug line should be suppressed by default, got %q", buf.String())
	}
	l.EnableDebug()
	l.Dbg(1, "loud")
	if buf.Len() == 0 {
		t.Fatal("debug line should be emitted once enabled")
	}
}

func TestTraceSuppressedUntilEnabled(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "2006-01-02")
	l.T(1, "quiet")
	if buf.Len() != 0 {
		t.Fatalf("trace line should be suppressed by default, got %q", buf.String())
	}
	l.EnableTrace()
	l.T(1, "loud")
	if buf.Len() == 0 {
		t.Fatal("trace line should be emitted once enabled")
	}
	l.DisableTrace()
	buf.Reset()
	l.T(1, "quiet again")
	if buf.Len() != 0 {
		t.Fatal("trace line should be suppressed again after DisableTrace")
	}
}

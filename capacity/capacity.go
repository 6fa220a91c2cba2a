// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package capacity implements the process-wide signal room.Session
// consults to decide whether its message buffer or the host device
// itself is under pressure. Monitors receive only coarse, non-sensitive
// metadata (counts, byte totals); they never see plaintext or key
// material.
package capacity

import "sync"

// Monitor reports whether the caller has exceeded some externally
// defined resource bound. room.Session's message buffer calls Update after
// every buffer mutation, and the Session consults Exceeded right after each
// insertion.
type Monitor interface {
	Update(count int, bytes int64)
	Exceeded() bool
}

// Thresholds is a Monitor backed by fixed count and byte ceilings. The
// zero value has no ceilings and is never exceeded.
type Thresholds struct {
	MaxCount int
	MaxBytes int64

	mu       sync.Mutex
	count    int
	bytes    int64
	exceeded bool
}

// NewThresholds returns a Monitor that reports Exceeded once either
// ceiling is crossed.
func NewThresholds(maxCount int, maxBytes int64) *Thresholds {
	return &Thresholds{MaxCount: maxCount, MaxBytes: maxBytes}
}

// Update records the buffer's current count and byte total.
func (t *Thresholds) Update(count int, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count = count
	t.bytes = bytes
	t.exceeded = (t.MaxCount > 0 && count > t.MaxCount) ||
		(t.MaxBytes > 0 && bytes > t.MaxBytes)
}

// Exceeded reports the most recent Update's verdict.
func (t *Thresholds) Exceeded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exceeded
}

// MemoryPressure is a Monitor a host OS integration drives directly: the
// platform layer calls Signal on OS memory-pressure notifications and
// Exceeded reports the level last signalled. room.Session does not hold
// one: its OnMemoryPressure method takes the level as an argument, closing
// the session with MemoryPressure on critical pressure and evicting the
// older half of its buffer otherwise.
type MemoryPressure struct {
	mu       sync.Mutex
	critical bool
}

// NewMemoryPressure returns a Monitor with no pressure asserted.
func NewMemoryPressure() *MemoryPressure {
	return &MemoryPressure{}
}

// Signal records the platform's pressure level. critical=false clears
// any previously asserted pressure.
func (m *MemoryPressure) Signal(critical bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.critical = critical
}

// Update is a no-op for MemoryPressure: it is driven by Signal, not by
// buffer bookkeeping, and exists so that MemoryPressure satisfies Monitor.
func (m *MemoryPressure) Update(int, int64) {}

// Exceeded reports whether the platform last signalled critical
// pressure.
func (m *MemoryPressure) Exceeded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.critical
}

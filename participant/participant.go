// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package participant holds the in-memory tables room.Session consults
// for a live room: the approved participant table, the host's pending
// join slots, and the host's pending rekey-confirm slots. Nothing here
// ever touches disk; a room's membership dies with the process, per the
// no-durable-storage non-goal.
package participant

import (
	"sync"
	"time"

	"github.com/keniprimo/secretroom/handshake"
)

// Participant is a tuple the host maintains for one approved room
// member. RelayClientId is purely a routing handle — it is never mixed
// with the cryptographic identity (ID, PublicKey).
type Participant struct {
	ID            [16]byte
	PublicKey     [32]byte // current ephemeral public key, rotated on each rekey confirm
	DisplayName   string
	JoinedAt      time.Time
	RelayClientId string
}

// Table is the live, approved participant set. Safe for concurrent use.
type Table struct {
	mu    sync.Mutex
	byId  map[[16]byte]*Participant
	byRCI map[string]*Participant
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{
		byId:  make(map[[16]byte]*Participant),
		byRCI: make(map[string]*Participant),
	}
}

// Insert adds or replaces p, indexed by both its ID and RelayClientId.
func (t *Table) Insert(p *Participant) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byId[p.ID] = p
	if p.RelayClientId != "" {
		t.byRCI[p.RelayClientId] = p
	}
}

// Remove deletes the participant with the given id and reports whether
// one was present.
func (t *Table) Remove(id [16]byte) (*Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byId[id]
	if !ok {
		return nil, false
	}
	delete(t.byId, id)
	if p.RelayClientId != "" {
		delete(t.byRCI, p.RelayClientId)
	}
	return p, true
}

// Get looks up a participant by id.
func (t *Table) Get(id [16]byte) (*Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byId[id]
	return p, ok
}

// ByRelayClientId looks up a participant by its current relay routing
// handle.
func (t *Table) ByRelayClientId(rci string) (*Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byRCI[rci]
	return p, ok
}

// UpdatePublicKey rotates the recorded public key for id, e.g. after a
// rekey confirm is accepted. Reports whether the participant existed.
func (t *Table) UpdatePublicKey(id [16]byte, pub [32]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byId[id]
	if !ok {
		return false
	}
	p.PublicKey = pub
	return true
}

// Snapshot returns a stable copy of the live participant list, safe to
// range over without holding the table's lock (used when building
// per-client rekey targets).
func (t *Table) Snapshot() []*Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Participant, 0, len(t.byId))
	for _, p := range t.byId {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// RekeyTargets adapts the current membership to the shape handshake
// needs to mint per-client rekey payloads.
func (t *Table) RekeyTargets() []handshake.RekeyTarget {
	snap := t.Snapshot()
	out := make([]handshake.RekeyTarget, len(snap))
	for i, p := range snap {
		out[i] = handshake.RekeyTarget{ParticipantId: p.ID, PublicKey: p.PublicKey}
	}
	return out
}

// Count reports the number of live participants.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byId)
}

// PendingJoins tracks the host's in-flight join handshakes, keyed by
// RelayClientId. A duplicate JOIN_REQUEST from the same peer replaces
// (and wipes) any prior entry, per spec.md §4.2(a).
type PendingJoins struct {
	mu      sync.Mutex
	entries map[string]*handshake.PendingJoin
}

// NewPendingJoins returns an empty PendingJoins table.
func NewPendingJoins() *PendingJoins {
	return &PendingJoins{entries: make(map[string]*handshake.PendingJoin)}
}

// Put installs p for relayClientId, wiping and discarding whatever
// pending join previously occupied that slot.
func (j *PendingJoins) Put(relayClientId string, p *handshake.PendingJoin) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if prior, ok := j.entries[relayClientId]; ok {
		prior.Wipe()
	}
	j.entries[relayClientId] = p
}

// Take removes and returns the pending join for relayClientId, if any.
// The caller is responsible for wiping it once done (success or
// failure).
func (j *PendingJoins) Take(relayClientId string) (*handshake.PendingJoin, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	p, ok := j.entries[relayClientId]
	if ok {
		delete(j.entries, relayClientId)
	}
	return p, ok
}

// Drop wipes and removes the pending join for relayClientId without
// returning it, e.g. when a session tears down.
func (j *PendingJoins) Drop(relayClientId string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if p, ok := j.entries[relayClientId]; ok {
		p.Wipe()
		delete(j.entries, relayClientId)
	}
}

// PendingConfirmEntry is one outstanding rekey confirm slot, with the
// deadline after which a late confirmation is silently dropped (spec.md
// scenario 5).
type PendingConfirmEntry struct {
	handshake.PendingConfirm
	Deadline time.Time
}

// PendingConfirms tracks the host's outstanding rekey-confirm slots,
// keyed by RelayClientId.
type PendingConfirms struct {
	mu      sync.Mutex
	entries map[string]PendingConfirmEntry
}

// NewPendingConfirms returns an empty PendingConfirms table.
func NewPendingConfirms() *PendingConfirms {
	return &PendingConfirms{entries: make(map[string]PendingConfirmEntry)}
}

// Put installs entry for relayClientId, replacing any prior slot.
func (c *PendingConfirms) Put(relayClientId string, entry PendingConfirmEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[relayClientId] = entry
}

// Get looks up the pending confirm slot for relayClientId.
func (c *PendingConfirms) Get(relayClientId string) (PendingConfirmEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[relayClientId]
	return e, ok
}

// Delete removes the pending confirm slot for relayClientId.
func (c *PendingConfirms) Delete(relayClientId string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, relayClientId)
}

// PurgeExpired removes every slot whose deadline is at or before now and
// returns the RelayClientIds that were purged, so a late confirmation
// that subsequently arrives finds no pending entry and is dropped.
func (c *PendingConfirms) PurgeExpired(now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var purged []string
	for rci, e := range c.entries {
		if !e.Deadline.After(now) {
			delete(c.entries, rci)
			purged = append(purged, rci)
		}
	}
	return purged
}

// Clear removes every pending confirm slot, e.g. when a rekey round
// supersedes an earlier one.
func (c *PendingConfirms) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]PendingConfirmEntry)
}

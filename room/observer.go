// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package room

import (
	"github.com/keniprimo/secretroom/participant"
	"github.com/keniprimo/secretroom/wire"
)

// Observer is the non-owning callback set a Session notifies of every
// user-visible event. Implementations must not call back into the
// Session that is notifying them; every method here is invoked outside
// the session lock (spec.md §5's locking rule), never while a mutation
// is in flight.
type Observer interface {
	OnStateChange(old, new State)
	OnMessage(senderID [16]byte, contentType byte, payload []byte)
	OnParticipantJoined(p participant.Participant)
	OnParticipantLeft(id [16]byte)
	OnDestroyed(reason wire.DestroyReason)
}

// NopObserver implements Observer with no-ops; embed it to satisfy the
// interface while overriding only the methods a caller cares about.
type NopObserver struct{}

func (NopObserver) OnStateChange(old, new State)                            {}
func (NopObserver) OnMessage(senderID [16]byte, contentType byte, p []byte) {}
func (NopObserver) OnParticipantJoined(p participant.Participant)           {}
func (NopObserver) OnParticipantLeft(id [16]byte)                           {}
func (NopObserver) OnDestroyed(reason wire.DestroyReason)                   {}

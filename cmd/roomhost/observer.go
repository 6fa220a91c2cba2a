// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/keniprimo/secretroom/framer"
	"github.com/keniprimo/secretroom/participant"
	"github.com/keniprimo/secretroom/room"
	"github.com/keniprimo/secretroom/wire"
)

// cliObserver prints room events to stdout and lets main block on a
// specific state via waitState.
type cliObserver struct {
	label  string
	states chan room.State
}

func newCLIObserver(label string) *cliObserver {
	return &cliObserver{label: label, states: make(chan room.State, 32)}
}

func (o *cliObserver) OnStateChange(old, next room.State) {
	fmt.Printf("-- %s -> %s\n", old, next)
	select {
	case o.states <- next:
	default:
	}
}

func (o *cliObserver) OnMessage(sender [16]byte, contentType byte, payload []byte) {
	if contentType != framer.ContentText {
		return
	}
	fmt.Printf("%x: %s\n", sender[:4], payload)
}

func (o *cliObserver) OnParticipantJoined(p participant.Participant) {
	fmt.Printf("-- %s joined\n", p.DisplayName)
}

func (o *cliObserver) OnParticipantLeft(id [16]byte) {
	fmt.Printf("-- %x left\n", id[:4])
}

func (o *cliObserver) OnDestroyed(reason wire.DestroyReason) {
	fmt.Printf("-- room closed: %s\n", reason.UserMessage())
	os.Exit(0)
}

// waitState blocks until next carries want or timeout elapses.
func waitState(o *cliObserver, want room.State, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case s := <-o.states:
			if s == want {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package handshake

import (
	"encoding/hex"

	"github.com/keniprimo/secretroom/roomerr"
)

// FormatParticipantId renders a 128-bit participant id as the lowercase
// hex string carried on the wire.
func FormatParticipantId(id [16]byte) string {
	return hex.EncodeToString(id[:])
}

func participantIdString(id [16]byte) string {
	return FormatParticipantId(id)
}

// ParseParticipantId parses the wire string form back into the 16-byte
// id.
func ParseParticipantId(s string) ([16]byte, error) {
	var id [16]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, roomerr.Wrap(roomerr.KindValidation, "malformed participant id", err)
	}
	if len(b) != 16 {
		return id, roomerr.New(roomerr.KindValidation, "participant id has wrong length")
	}
	copy(id[:], b)
	return id, nil
}

// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wire defines the JSON messages exchanged between endpoints and
// the relay. Every message carries a Type discriminator; binary fields
// are plain []byte, which encoding/json renders as base64.
package wire

// Message type discriminators. The relay only ever reads Type and the
// routing fields (ClientId, ExcludeClientId) of a message; it never reads
// Payload.
const (
	TypeAuth         = "AUTH"
	TypeJoinRequest  = "JOIN_REQUEST"
	TypeJoinConfirm  = "JOIN_CONFIRM"
	TypeMessage      = "MESSAGE"
	TypeRoomCreated  = "ROOM_CREATED"
	TypeRoomOpen     = "ROOM_OPEN"
	TypeJoinApproved = "JOIN_APPROVED"
	TypeJoinRejected = "JOIN_REJECTED"
	TypeBroadcast    = "BROADCAST"
	TypeRekeyDirect  = "REKEY_DIRECT"
	TypeKick         = "KICK"
	TypeRoomClose    = "ROOM_CLOSE"
	TypeConnected    = "CONNECTED"
	TypeClientLeft   = "CLIENT_LEFT"
	TypeRoomDestroyed = "ROOM_DESTROYED"
	TypeKicked       = "KICKED"
	TypeHeartbeatAck = "HEARTBEAT_ACK"
	TypeError        = "ERROR"
)

// Envelope is the outermost JSON object every wire message is framed as.
// Relay code decodes only Type, ClientId and ExcludeClientId; Payload is
// forwarded opaquely.
type Envelope struct {
	Type     string `json:"type"`
	ClientId string `json:"clientId,omitempty"`
	Payload  []byte `json:"payload,omitempty"`

	// ExcludeClientId names one client a BROADCAST must skip: the relay
	// that forwards a client-authored message back out to every other
	// client sets no ClientId (it is not addressed to one peer) but must
	// still not echo it back to its author. It is a routing field like
	// ClientId, never inspected in Payload.
	ExcludeClientId string `json:"excludeClientId,omitempty"`
}

// Auth carries the optional invite token forwarded opaquely as the first
// message on a new connection (spec §9 open question: validated by the
// relay, the core, or both, at the relay's discretion).
type Auth struct {
	Token string `json:"token"`
}

// JoinRequest is sent client -> host.
type JoinRequest struct {
	ClientPublicKey []byte `json:"clientPublicKey"`
	DisplayName     string `json:"displayName,omitempty"`
}

// JoinConfirm is sent client -> host after unwrapping JoinApproved.
type JoinConfirm struct {
	Mac []byte `json:"mac"`
}

// Message carries an opaque sealed frame, client -> host or host -> one
// client.
type Message struct {
	Payload []byte `json:"payload"`
}

// RoomCreated announces a freshly minted room id, host -> clients.
type RoomCreated struct {
	RoomId string `json:"roomId"`
}

// RoomOpen announces that the host has transitioned to accepting joins.
type RoomOpen struct {
	HostPublicKey []byte `json:"hostPublicKey"`
}

// Approval is the payload wrapped and embedded in JoinApproved.
type Approval struct {
	HostPublicKey []byte `json:"hostPublicKey"`
	WrappedMaster []byte `json:"wrappedMaster"`
	Epoch         uint32 `json:"epoch"`
	ParticipantId string `json:"participantId"`
}

// JoinApproved is sent host -> client (routed via the relay by ClientId).
type JoinApproved struct {
	ClientId string   `json:"clientId"`
	Approval Approval `json:"approval"`
}

// JoinRejected is sent host -> client; no session state changes.
type JoinRejected struct {
	ClientId string `json:"clientId"`
	Reason   string `json:"reason"`
}

// Broadcast carries an opaque sealed frame, host -> all clients.
type Broadcast struct {
	Payload []byte `json:"payload"`
}

// RekeyDirect carries the double-wrapped per-client rekey payload, host
// -> one client.
type RekeyDirect struct {
	ClientId         string `json:"clientId"`
	EncryptedPayload []byte `json:"encryptedPayload"`
}

// Kick instructs the relay to sever one client and tells remaining peers
// who left.
type Kick struct {
	ClientId string `json:"clientId"`
}

// Connected is a relay control message: a new peer joined the channel.
type Connected struct {
	ClientId string `json:"clientId"`
}

// ClientLeft is a relay control message: a peer disconnected or was
// kicked.
type ClientLeft struct {
	ClientId string `json:"clientId"`
}

// RoomDestroyed is a relay control message carrying a destruction reason
// string drawn from the closed set in destroy.go.
type RoomDestroyed struct {
	Reason string `json:"reason"`
}

// Kicked is delivered to the kicked client itself.
type Kicked struct {
	Reason string `json:"reason"`
}

// ErrorMessage is a relay control message carrying a human-readable
// diagnostic; never used for flow control.
type ErrorMessage struct {
	Message string `json:"message"`
}

package protocol

import "encoding/json"

// Server-originated envelopes.

func JoinAck(roomID, peerID string) *Envelope {
	return &Envelope{Type: TypeJoinAck, RoomID: roomID, PeerID: peerID}
}

func RoleAssigned(role string) *Envelope {
	return &Envelope{Type: TypeRole, Payload: Payload{stringField("role", role)}}
}

func PeerReady(other string) *Envelope {
	return &Envelope{Type: TypePeerReady, Payload: Payload{stringField("other", other)}}
}

func PeerJoined(peerID string) *Envelope {
	return &Envelope{Type: TypePeerJoined, PeerID: peerID}
}

func PeerLeft(peerID string) *Envelope {
	return &Envelope{Type: TypePeerLeft, PeerID: peerID}
}

func RoomFull() *Envelope {
	return &Envelope{Type: TypeRoomFull}
}

// Error is sent before the adapter closes a connection for a transport-level
// violation (rate limit, unsupported frame).
func Error(code, message string) *Envelope {
	return &Envelope{Type: TypeError, Payload: Payload{
		stringField("code", code),
		stringField("message", message),
	}}
}

func stringField(key, value string) Field {
	raw, _ := json.Marshal(value)
	return Field{Key: key, Value: raw}
}

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Type is the envelope "type" member. Unknown values are relayed as
// passthrough signals.
type Type string

const (
	TypeJoin      Type = "join"
	TypeLeave     Type = "leave"
	TypeOffer     Type = "offer"
	TypeAnswer    Type = "answer"
	TypeCandidate Type = "candidate"

	TypeJoinAck    Type = "join_ack"
	TypeRole       Type = "role"
	TypePeerReady  Type = "peer_ready"
	TypePeerJoined Type = "peer_joined"
	TypePeerLeft   Type = "peer_left"
	TypeRoomFull   Type = "room_full"
	TypeError      Type = "error"
)

// DefaultRoomID is used when a join omits roomId.
const DefaultRoomID = "webrtc"

const (
	keyType   = "type"
	keyRoomID = "roomId"
	keyPeerID = "peerId"
	keyTo     = "to"
	keyFrom   = "from"
)

var (
	ErrNotObject     = errors.New("protocol: envelope must be a JSON object")
	ErrMissingType   = errors.New("protocol: envelope missing type")
	ErrInvalidHeader = errors.New("protocol: header member must be a string")
	ErrTrailingData  = errors.New("protocol: unexpected trailing data")
)

// Field is one opaque payload member. Value holds the raw JSON exactly as it
// was received.
type Field struct {
	Key   string
	Value json.RawMessage
}

// Payload is the ordered bag of every top-level member that is not part of the
// fixed header.
type Payload []Field

// Get returns the raw value of the first member named key.
func (p Payload) Get(key string) (json.RawMessage, bool) {
	for _, f := range p {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// Envelope is a decoded signaling message: a fixed header plus an opaque
// payload that is forwarded verbatim.
type Envelope struct {
	Type   Type
	RoomID string
	PeerID string
	To     string
	From   string

	Payload Payload
}

// Parse decodes a single JSON object into an Envelope.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := env.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}
	return &env, nil
}

// UnmarshalJSON decodes the header members and keeps every other member, in
// order, as raw JSON.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return ErrNotObject
	}

	*e = Envelope{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("protocol: unexpected token %v", tok)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("protocol: member %q: %w", key, err)
		}

		dst := e.headerField(key)
		if dst == nil {
			e.Payload = append(e.Payload, Field{Key: key, Value: raw})
			continue
		}
		if bytes.Equal(raw, []byte("null")) {
			*dst = ""
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidHeader, key)
		}
		*dst = s
	}

	if _, err := dec.Token(); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return ErrTrailingData
	}
	return nil
}

func (e *Envelope) headerField(key string) *string {
	switch key {
	case keyType:
		return (*string)(&e.Type)
	case keyRoomID:
		return &e.RoomID
	case keyPeerID:
		return &e.PeerID
	case keyTo:
		return &e.To
	case keyFrom:
		return &e.From
	default:
		return nil
	}
}

// MarshalJSON writes the header followed by the payload members in their
// original order. Empty header members are omitted.
func (e Envelope) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	first := true
	writeKey := func(key string) error {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		k, err := json.Marshal(key)
		if err != nil {
			return err
		}
		buf.Write(k)
		buf.WriteByte(':')
		return nil
	}
	writeString := func(key, value string) error {
		if value == "" {
			return nil
		}
		if err := writeKey(key); err != nil {
			return err
		}
		v, err := json.Marshal(value)
		if err != nil {
			return err
		}
		buf.Write(v)
		return nil
	}

	if err := writeString(keyType, string(e.Type)); err != nil {
		return nil, err
	}
	if err := writeString(keyRoomID, e.RoomID); err != nil {
		return nil, err
	}
	if err := writeString(keyPeerID, e.PeerID); err != nil {
		return nil, err
	}
	if err := writeString(keyTo, e.To); err != nil {
		return nil, err
	}
	if err := writeString(keyFrom, e.From); err != nil {
		return nil, err
	}
	for _, f := range e.Payload {
		if err := writeKey(f.Key); err != nil {
			return nil, err
		}
		if len(f.Value) == 0 {
			buf.WriteString("null")
			continue
		}
		buf.Write(f.Value)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Clone returns a copy that shares the immutable raw payload values.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Payload = append(Payload(nil), e.Payload...)
	return &c
}

// IsSignal reports whether the envelope is relayed between peers rather than
// handled by the room lifecycle.
func (e *Envelope) IsSignal() bool {
	return e.Type != TypeJoin && e.Type != TypeLeave
}

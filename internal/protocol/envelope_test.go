package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParse_SplitsHeaderAndPayload(t *testing.T) {
	in := `{"roomId":"r1","peerId":"a","type":"offer","sdp":"v=0\r\n","to":"b","extra":{"z":1, "a":[1,2]}}`

	env, err := Parse([]byte(in))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if env.Type != TypeOffer {
		t.Fatalf("type=%q, want %q", env.Type, TypeOffer)
	}
	if env.RoomID != "r1" || env.PeerID != "a" || env.To != "b" {
		t.Fatalf("header=%+v", env)
	}
	if len(env.Payload) != 2 {
		t.Fatalf("payload len=%d, want 2", len(env.Payload))
	}
	if env.Payload[0].Key != "sdp" || env.Payload[1].Key != "extra" {
		t.Fatalf("payload order=%q,%q", env.Payload[0].Key, env.Payload[1].Key)
	}
	if got := string(env.Payload[1].Value); got != `{"z":1, "a":[1,2]}` {
		t.Fatalf("extra=%s, want raw bytes preserved", got)
	}
}

func TestMarshal_PreservesPayloadBytesAndOrder(t *testing.T) {
	in := `{"type":"candidate","candidate":{"candidate":"candidate:1 1 udp 2122260223 10.0.0.1 54321 typ host","sdpMid":"0","sdpMLineIndex":0},"zeta":true,"alpha":null}`
	env, err := Parse([]byte(in))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	env.From = "a"

	out, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"type":"candidate","from":"a","candidate":{"candidate":"candidate:1 1 udp 2122260223 10.0.0.1 54321 typ host","sdpMid":"0","sdpMLineIndex":0},"zeta":true,"alpha":null}`
	if string(out) != want {
		t.Fatalf("marshal=%s\nwant   %s", out, want)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want error
	}{
		{name: "array", in: `[1,2]`, want: ErrNotObject},
		{name: "missing type", in: `{"peerId":"a"}`, want: ErrMissingType},
		{name: "numeric header", in: `{"type":"join","peerId":5}`, want: ErrInvalidHeader},
		{name: "trailing", in: `{"type":"join"} {}`, want: ErrTrailingData},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.in))
			if !errors.Is(err, tc.want) {
				t.Fatalf("err=%v, want %v", err, tc.want)
			}
		})
	}

	if _, err := Parse([]byte(`{"type":`)); err == nil {
		t.Fatalf("expected error for truncated input")
	}
}

func TestParse_NullHeaderIsEmpty(t *testing.T) {
	env, err := Parse([]byte(`{"type":"offer","to":null}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if env.To != "" {
		t.Fatalf("to=%q, want empty", env.To)
	}
}

func TestServerMessages(t *testing.T) {
	tests := []struct {
		env  *Envelope
		want string
	}{
		{JoinAck("r1", "a"), `{"type":"join_ack","roomId":"r1","peerId":"a"}`},
		{RoleAssigned("caller"), `{"type":"role","role":"caller"}`},
		{PeerReady("b"), `{"type":"peer_ready","other":"b"}`},
		{PeerJoined("b"), `{"type":"peer_joined","peerId":"b"}`},
		{PeerLeft("b"), `{"type":"peer_left","peerId":"b"}`},
		{RoomFull(), `{"type":"room_full"}`},
		{Error("rate_limited", "slow down"), `{"type":"error","code":"rate_limited","message":"slow down"}`},
	}
	for _, tc := range tests {
		out, err := json.Marshal(tc.env)
		if err != nil {
			t.Fatalf("Marshal(%s): %v", tc.env.Type, err)
		}
		if string(out) != tc.want {
			t.Fatalf("%s=%s, want %s", tc.env.Type, out, tc.want)
		}
	}
}

func TestClone_DoesNotShareHeader(t *testing.T) {
	env, err := Parse([]byte(`{"type":"offer","sdp":"x"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c := env.Clone()
	c.From = "a"
	c.Payload = append(c.Payload, Field{Key: "k", Value: json.RawMessage(`1`)})
	if env.From != "" || len(env.Payload) != 1 {
		t.Fatalf("clone mutated original: %+v", env)
	}
}

// Package signaling is the WebSocket adapter of the signaling relay.
//
// Each connection gets a read loop that decodes envelopes and hands them to
// a rooms.Router, and a write pump that drains a bounded outbound queue. The
// adapter owns transport concerns only: origin checks, keepalive, the inbound
// size and rate limits, and closing with the right code.
package signaling

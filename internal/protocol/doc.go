// Package protocol defines the signaling envelope exchanged with browser peers.
//
// An envelope is a flat JSON object. The members type, roomId, peerId, to and
// from form a fixed header; every other member is kept as an ordered opaque
// payload and written back byte for byte, so SDP and ICE fields reach the
// remote peer exactly as the sender produced them.
package protocol

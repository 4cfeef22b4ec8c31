// Package ppog implements the PPoGATT reliable transport: a sliding-window
// ARQ protocol carried over one GATT characteristic pair (notifications
// inbound, writes-without-response outbound). It turns the lossy, unordered
// best-effort delivery of GATT into an ordered, exactly-once byte stream for
// the session layer above.
//
// The Manager watches the kernel stack client for the transport service,
// performs the meta-read/subscribe/reset handshake per discovered service,
// and hands an open Conn to its Uplink. One session exists per physical
// connection.
package ppog

import (
	"fmt"

	"github.com/srg/gattlink/internal/gatt"
)

// GATT identity of the transport service. The data characteristic carries
// packets both ways; the meta characteristic is read once at discovery.
var (
	ServiceUUID  = gatt.MustUUID("10000000-328e-0fbb-c642-1aa6699bdada")
	DataCharUUID = gatt.MustUUID("10000001-328e-0fbb-c642-1aa6699bdada")
	MetaCharUUID = gatt.MustUUID("10000002-328e-0fbb-c642-1aa6699bdada")
)

func init() {
	gatt.RegisterName(ServiceUUID, "PPoGATT")
	gatt.RegisterName(DataCharUUID, "PPoGATT Data")
	gatt.RegisterName(MetaCharUUID, "PPoGATT Meta")
}

// PacketType occupies the low three bits of the header byte.
type PacketType uint8

const (
	PacketData PacketType = iota
	PacketAck
	PacketResetRequest
	PacketResetComplete
)

func (t PacketType) String() string {
	switch t {
	case PacketData:
		return "data"
	case PacketAck:
		return "ack"
	case PacketResetRequest:
		return "reset-request"
	case PacketResetComplete:
		return "reset-complete"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Sequence numbers are five bits wide; every in-flight accounting structure
// is sized to the modulus.
const (
	SeqModulus = 32
	seqMask    = SeqModulus - 1

	packetTypeMask = 0x07
	headerLen      = 1

	// ATT write-without-response spends an opcode byte and a two-byte
	// handle before the value; the transport header takes one more.
	attOverhead    = 3
	packetOverhead = headerLen + attOverhead

	// Protocol versions this end speaks. Version 1 adds window negotiation
	// and coalesced ACKs.
	protoMinVersion = 0
	protoMaxVersion = 1

	serialLen = 12

	// Fixed window sizes mandated for version 0 peers.
	v0RXWindow = 4
	v0TXWindow = 4
)

// packHeader builds the single header byte: sequence number in the high five
// bits, packet type in the low three.
func packHeader(t PacketType, sn uint8) byte {
	return sn<<3 | byte(t)&packetTypeMask
}

// unpackHeader splits a header byte into type and sequence number.
func unpackHeader(b byte) (PacketType, uint8) {
	return PacketType(b & packetTypeMask), b >> 3
}

// seqNext returns the sequence number after sn, modulo the window space.
func seqNext(sn uint8) uint8 { return (sn + 1) & seqMask }

// seqDistance counts how many increments take from to to, in [0, SeqModulus).
func seqDistance(from, to uint8) int {
	return int((to + SeqModulus - from) & seqMask)
}

// ResetRequest opens (or reopens) the handshake. The serial identifies this
// end to the peer; shorter serials are zero padded.
type ResetRequest struct {
	Version uint8
	Serial  [serialLen]byte
}

func encodeResetRequest(r ResetRequest) []byte {
	pkt := make([]byte, headerLen+1+serialLen)
	pkt[0] = packHeader(PacketResetRequest, 0)
	pkt[1] = r.Version
	copy(pkt[2:], r.Serial[:])
	return pkt
}

func decodeResetRequest(payload []byte) (ResetRequest, error) {
	if len(payload) < 1 {
		return ResetRequest{}, fmt.Errorf("reset-request payload too short: %d bytes", len(payload))
	}
	r := ResetRequest{Version: payload[0]}
	copy(r.Serial[:], payload[1:])
	return r, nil
}

// ResetComplete finishes the handshake. Version 0 sends it bare; version 1
// and up append the sender's maximum receive and transmit window sizes.
type ResetComplete struct {
	RXWindow uint8
	TXWindow uint8
}

func encodeResetComplete(version uint8, r ResetComplete) []byte {
	if version == 0 {
		return []byte{packHeader(PacketResetComplete, 0)}
	}
	return []byte{packHeader(PacketResetComplete, 0), r.RXWindow, r.TXWindow}
}

func decodeResetComplete(version uint8, payload []byte) (ResetComplete, error) {
	if version == 0 {
		return ResetComplete{RXWindow: v0RXWindow, TXWindow: v0TXWindow}, nil
	}
	if len(payload) < 2 {
		return ResetComplete{}, fmt.Errorf("reset-complete payload too short: %d bytes", len(payload))
	}
	if payload[0] == 0 || payload[1] == 0 {
		return ResetComplete{}, fmt.Errorf("reset-complete with zero window: rx=%d tx=%d", payload[0], payload[1])
	}
	return ResetComplete{RXWindow: payload[0], TXWindow: payload[1]}, nil
}

func encodeAck(sn uint8) []byte {
	return []byte{packHeader(PacketAck, sn)}
}

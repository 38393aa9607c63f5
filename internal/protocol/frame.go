// Package protocol implements the gateway's mesh wire format: a fixed
// 8-byte header followed by up to 200 payload bytes, little-endian on
// the wire. Framing is grounded on the same start-byte/length/checksum
// shape as other fixed-header binary protocols in the field — magic
// here replaces a start byte, and a declared length replaces a
// discovered one.
//
//	magic(2) | version(1) | msg_type(1) | seq(1) | flags(1) | payload_len(2) | payload(≤200)
package protocol

import (
	"encoding/binary"

	"github.com/omniapi/gateway/internal/errs"
)

const (
	// Magic is the fixed 16-bit header marker, "OP" in ASCII order on the wire.
	Magic uint16 = 0x4F50
	// Version is the protocol version this gateway speaks.
	Version uint8 = 0x02

	HeaderSize     = 8
	MaxPayloadSize = 200
)

const (
	opDecode errs.Op = "protocol.Decode"
	opEncode errs.Op = "protocol.Encode"
)

// Frame is a decoded mesh frame.
type Frame struct {
	Version uint8
	MsgType MsgType
	Seq     uint8
	Flags   uint8
	Payload []byte
}

// Encode serializes a frame with the gateway's own Version and zero
// flags (reserved). It fails if payload exceeds MaxPayloadSize.
func Encode(msgType MsgType, seq uint8, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, errs.E(opEncode, errs.KindInvalid, "payload exceeds 200 bytes")
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], Magic)
	buf[2] = Version
	buf[3] = uint8(msgType)
	buf[4] = seq
	buf[5] = 0 // flags, reserved
	binary.LittleEndian.PutUint16(buf[6:8], uint16(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Decode validates and parses a received buffer into a Frame. Decode is
// deliberately lossy-tolerant at the caller: protocol errors are meant
// to be logged and dropped (spec §7), not propagated as fatal.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < HeaderSize {
		return Frame{}, errs.E(opDecode, errs.KindInvalid, "frame shorter than header")
	}

	magic := binary.LittleEndian.Uint16(buf[0:2])
	if magic != Magic {
		return Frame{}, errs.E(opDecode, errs.KindInvalid, "bad magic")
	}

	version := buf[2]
	if version != Version {
		return Frame{}, errs.E(opDecode, errs.KindInvalid, "bad version")
	}

	payloadLen := int(binary.LittleEndian.Uint16(buf[6:8]))
	if payloadLen > MaxPayloadSize {
		return Frame{}, errs.E(opDecode, errs.KindInvalid, "payload_len exceeds cap")
	}
	if len(buf) < HeaderSize+payloadLen {
		return Frame{}, errs.E(opDecode, errs.KindInvalid, "payload_len exceeds received bytes")
	}

	payload := make([]byte, payloadLen)
	copy(payload, buf[HeaderSize:HeaderSize+payloadLen])

	return Frame{
		Version: version,
		MsgType: MsgType(buf[3]),
		Seq:     buf[4],
		Flags:   buf[5],
		Payload: payload,
	}, nil
}

// Package wire implements the cluster-bus frame codec: the fixed-header
// gossip message format described by the coordination protocol (signature,
// length, version, sender identity, gossip entries, typed extensions).
//
// Layout is deliberately frozen: every integer is network byte order, every
// extension is 8-byte aligned, and struct field offsets are never
// reordered, so that two clustercore builds on a rolling upgrade can still
// talk to each other.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Signature is the 4-byte magic every frame starts with.
const Signature = "RCmb"

// ProtocolVersion is the current cluster-bus wire version.
const ProtocolVersion uint16 = 1

// MsgType identifies the payload union carried by a frame.
type MsgType uint16

const (
	MsgPing MsgType = iota
	MsgPong
	MsgMeet
	MsgFail
	MsgPublish
	MsgPublishShard
	MsgUpdate
	MsgMFStart
	MsgAuthReq
	MsgAuthAck
	MsgModule
)

func (t MsgType) String() string {
	switch t {
	case MsgPing:
		return "PING"
	case MsgPong:
		return "PONG"
	case MsgMeet:
		return "MEET"
	case MsgFail:
		return "FAIL"
	case MsgPublish:
		return "PUBLISH"
	case MsgPublishShard:
		return "PUBLISHSHARD"
	case MsgUpdate:
		return "UPDATE"
	case MsgMFStart:
		return "MFSTART"
	case MsgAuthReq:
		return "AUTH_REQ"
	case MsgAuthAck:
		return "AUTH_ACK"
	case MsgModule:
		return "MODULE"
	default:
		return fmt.Sprintf("MSGTYPE(%d)", uint16(t))
	}
}

// usesLightHeader reports whether a message type is valid with only the
// 16-byte light header (no sender-identity context required).
func (t MsgType) usesLightHeader() bool {
	return t == MsgPublish || t == MsgPublishShard
}

// Node/sender flag bits carried in the full header.
type NodeFlags uint16

const (
	FlagPrimary NodeFlags = 1 << iota
	FlagReplica
	FlagPFail
	FlagFail
	FlagMyself
	FlagHandshake
	FlagNoAddr
	FlagMeet
	FlagMigrateTo
	FlagNoFailover
	FlagExtensionsSupported
	FlagLightHdrSupported
)

const (
	IDLength      = 40
	LightHdrLen   = 16
	FullHdrFixLen = 40 + IDLength*2 + 2048/8 // signature..fixed region, see Header layout below
)

// ExtType identifies an optional 8-byte-aligned extension.
type ExtType uint16

const (
	ExtHostname ExtType = iota
	ExtHumanNodename
	ExtForgottenNode
	ExtShardID
	ExtClientIPv4
	ExtClientIPv6
)

// Extension is one optional, 8-byte-aligned TLV block appended after the
// gossip entries of a PING/PONG/MEET frame.
type Extension struct {
	Type ExtType
	Data []byte
}

// paddedLen rounds n up to the next multiple of 8.
func paddedLen(n int) int {
	if n%8 == 0 {
		return n
	}
	return n + (8 - n%8)
}

func encodeExtension(e Extension) []byte {
	body := make([]byte, 8+len(e.Data))
	binary.BigEndian.PutUint16(body[0:2], uint16(e.Type))
	binary.BigEndian.PutUint16(body[2:4], uint16(8+len(e.Data)))
	copy(body[8:], e.Data)
	total := paddedLen(len(body))
	if total != len(body) {
		padded := make([]byte, total)
		copy(padded, body)
		return padded
	}
	return body
}

func decodeExtensions(buf []byte, count int) ([]Extension, error) {
	exts := make([]Extension, 0, count)
	off := 0
	for i := 0; i < count; i++ {
		if off+8 > len(buf) {
			return nil, fmt.Errorf("wire: truncated extension header at entry %d", i)
		}
		typ := ExtType(binary.BigEndian.Uint16(buf[off : off+2]))
		length := int(binary.BigEndian.Uint16(buf[off+2 : off+4]))
		if length < 8 || length%8 != 0 {
			return nil, fmt.Errorf("wire: extension length %d not a multiple of 8", length)
		}
		if off+length > len(buf) {
			return nil, fmt.Errorf("wire: extension body overruns frame")
		}
		exts = append(exts, Extension{Type: typ, Data: buf[off+8 : off+length]})
		off += length
	}
	return exts, nil
}

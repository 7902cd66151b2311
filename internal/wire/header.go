package wire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// GossipEntry mirrors one 72-byte gossip entry carried by PING/PONG/MEET.
type GossipEntry struct {
	NodeID      [IDLength]byte
	PingSent    uint32
	PongRecv    uint32
	IP          net.IP // stored as 16 bytes on the wire (v4-mapped for v4)
	PrimaryPort uint16
	BusPort     uint16
	Flags       NodeFlags
	SecondPort  uint16 // announced secondary (TLS) client port
}

const gossipEntrySize = IDLength + 4 + 4 + 16 + 2 + 2 + 2 + 2

func encodeGossipEntry(e GossipEntry) []byte {
	buf := make([]byte, gossipEntrySize)
	copy(buf[0:IDLength], e.NodeID[:])
	off := IDLength
	binary.BigEndian.PutUint32(buf[off:], e.PingSent)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], e.PongRecv)
	off += 4
	ip16 := e.IP.To16()
	if ip16 == nil {
		ip16 = make(net.IP, 16)
	}
	copy(buf[off:off+16], ip16)
	off += 16
	binary.BigEndian.PutUint16(buf[off:], e.PrimaryPort)
	off += 2
	binary.BigEndian.PutUint16(buf[off:], e.BusPort)
	off += 2
	binary.BigEndian.PutUint16(buf[off:], uint16(e.Flags))
	off += 2
	binary.BigEndian.PutUint16(buf[off:], e.SecondPort)
	return buf
}

func decodeGossipEntry(buf []byte) (GossipEntry, error) {
	if len(buf) < gossipEntrySize {
		return GossipEntry{}, fmt.Errorf("wire: short gossip entry (%d bytes)", len(buf))
	}
	var e GossipEntry
	copy(e.NodeID[:], buf[0:IDLength])
	off := IDLength
	e.PingSent = binary.BigEndian.Uint32(buf[off:])
	off += 4
	e.PongRecv = binary.BigEndian.Uint32(buf[off:])
	off += 4
	e.IP = net.IP(append([]byte(nil), buf[off:off+16]...))
	off += 16
	e.PrimaryPort = binary.BigEndian.Uint16(buf[off:])
	off += 2
	e.BusPort = binary.BigEndian.Uint16(buf[off:])
	off += 2
	e.Flags = NodeFlags(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	e.SecondPort = binary.BigEndian.Uint16(buf[off:])
	return e, nil
}

// SlotBitmapBytes is the wire encoding of a 16384-bit slot ownership map:
// 2048 bytes, little-endian within the node (matching the in-memory bitmap
// layout of cluster.SlotBitmap), sent as an opaque byte string.
const SlotBitmapBytes = 16384 / 8

// Header is the full 40-byte-fixed cluster-bus header plus the
// fixed-size sender fields that follow it (id, slot bitmap, primary id,
// announced IP). Offsets here are frozen for interop (§6).
type Header struct {
	Type          MsgType
	ClientPort    uint16
	Count         uint16 // number of gossip entries
	CurrentEpoch  uint64
	ConfigEpoch   uint64
	ReplOffset    uint64
	SenderID      [IDLength]byte
	SenderSlots   [SlotBitmapBytes]byte
	SenderPrimary [IDLength]byte // zeroed if sender is a primary
	SenderIP      net.IP
	ExtCount      uint16
	SecondPort    uint16
	BusPort       uint16
	SenderFlags   NodeFlags
	ClusterOK     bool
	MsgFlags      uint16
}

// Frame is a fully-decoded cluster-bus message: header, gossip entries
// (PING/PONG/MEET only), extensions (PING/PONG/MEET only), and the
// type-specific payload bytes for every other message type.
type Frame struct {
	Header    Header
	Light     bool
	Gossip    []GossipEntry
	Extension []Extension
	Payload   []byte // raw type-specific payload for FAIL/PUBLISH/UPDATE/MODULE/etc
}

// clusterStateBit / light-header bit packed into MsgFlags.
const (
	msgFlagClusterOK = 1 << 0
)

// Encode serializes f into a wire frame, computing the total length field.
func Encode(f Frame) ([]byte, error) {
	if f.Light || f.Header.Type.usesLightHeader() && f.Header.SenderID == ([IDLength]byte{}) {
		return encodeLight(f)
	}
	return encodeFull(f)
}

func encodeLight(f Frame) ([]byte, error) {
	buf := make([]byte, LightHdrLen+len(f.Payload))
	copy(buf[0:4], Signature)
	binary.BigEndian.PutUint16(buf[8:10], ProtocolVersion)
	binary.BigEndian.PutUint16(buf[10:12], uint16(f.Header.Type))
	copy(buf[LightHdrLen:], f.Payload)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(buf)))
	return buf, nil
}

func encodeFull(f Frame) ([]byte, error) {
	gossip := make([]byte, 0, len(f.Gossip)*gossipEntrySize)
	for _, g := range f.Gossip {
		gossip = append(gossip, encodeGossipEntry(g)...)
	}
	exts := make([]byte, 0)
	for _, e := range f.Extension {
		exts = append(exts, encodeExtension(e)...)
	}
	body := fullHeaderFixedRegion(f.Header)
	body = append(body, gossip...)
	body = append(body, exts...)
	body = append(body, f.Payload...)

	total := 14 + len(body) // 14 = sig(4)+len(4)+ver(2)+type(2)+clientport(2)
	out := make([]byte, total)
	copy(out[0:4], Signature)
	binary.BigEndian.PutUint32(out[4:8], uint32(total))
	binary.BigEndian.PutUint16(out[8:10], ProtocolVersion)
	binary.BigEndian.PutUint16(out[10:12], uint16(f.Header.Type))
	binary.BigEndian.PutUint16(out[12:14], f.Header.ClientPort)
	copy(out[14:], body)
	return out, nil
}

func fullHeaderFixedRegion(h Header) []byte {
	buf := make([]byte, 2+8+8+8+IDLength+SlotBitmapBytes+IDLength+16+2+2+2+2+2+2)
	off := 0
	binary.BigEndian.PutUint16(buf[off:], h.Count)
	off += 2
	binary.BigEndian.PutUint64(buf[off:], h.CurrentEpoch)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], h.ConfigEpoch)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], h.ReplOffset)
	off += 8
	copy(buf[off:off+IDLength], h.SenderID[:])
	off += IDLength
	copy(buf[off:off+SlotBitmapBytes], h.SenderSlots[:])
	off += SlotBitmapBytes
	copy(buf[off:off+IDLength], h.SenderPrimary[:])
	off += IDLength
	ip16 := h.SenderIP.To16()
	if ip16 == nil {
		ip16 = make(net.IP, 16)
	}
	copy(buf[off:off+16], ip16)
	off += 16
	binary.BigEndian.PutUint16(buf[off:], h.ExtCount)
	off += 2
	binary.BigEndian.PutUint16(buf[off:], 0) // reserved
	off += 2
	binary.BigEndian.PutUint16(buf[off:], h.SecondPort)
	off += 2
	binary.BigEndian.PutUint16(buf[off:], h.BusPort)
	off += 2
	binary.BigEndian.PutUint16(buf[off:], uint16(h.SenderFlags))
	off += 2
	var flags uint16
	if h.ClusterOK {
		flags |= msgFlagClusterOK
	}
	flags |= h.MsgFlags
	binary.BigEndian.PutUint16(buf[off:], flags)
	return buf
}

// PeekLength reads the announced total frame length from the first 8
// bytes, as required by the receive path (§4.4): accumulate until the
// first 14 bytes are present, then grow to exactly this length.
func PeekLength(buf []byte) (uint32, error) {
	if len(buf) < 8 {
		return 0, fmt.Errorf("wire: need at least 8 bytes to read length, have %d", len(buf))
	}
	if string(buf[0:4]) != Signature {
		return 0, fmt.Errorf("wire: bad signature %q", buf[0:4])
	}
	return binary.BigEndian.Uint32(buf[4:8]), nil
}

// Decode parses a complete frame (len(buf) must equal the announced total
// length). It rejects a declared length that differs from len(buf) and a
// gossip section or extension block that does not fit; it does not check
// a per-type payload length. That is left to DecodeFail, DecodeUpdate,
// DecodePublish and DecodeModule when the payload is parsed.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < 14 {
		return Frame{}, fmt.Errorf("wire: frame shorter than minimum header (%d bytes)", len(buf))
	}
	if string(buf[0:4]) != Signature {
		return Frame{}, fmt.Errorf("wire: bad signature %q", buf[0:4])
	}
	total := binary.BigEndian.Uint32(buf[4:8])
	if int(total) != len(buf) {
		return Frame{}, fmt.Errorf("wire: declared length %d does not match received %d", total, len(buf))
	}
	ver := binary.BigEndian.Uint16(buf[8:10])
	if ver != ProtocolVersion {
		return Frame{}, fmt.Errorf("wire: unsupported protocol version %d", ver)
	}
	typ := MsgType(binary.BigEndian.Uint16(buf[10:12]))

	if typ.usesLightHeader() && len(buf) >= LightHdrLen {
		// A light-header frame has no client-port field; bytes 12:14 are
		// in fact payload. Distinguish by type: only PUBLISH/PUBLISHSHARD
		// are ever sent light.
		return Frame{
			Header:  Header{Type: typ},
			Light:   true,
			Payload: append([]byte(nil), buf[LightHdrLen:]...),
		}, nil
	}

	if len(buf) < 14 {
		return Frame{}, fmt.Errorf("wire: truncated full header")
	}
	clientPort := binary.BigEndian.Uint16(buf[12:14])
	body := buf[14:]
	h, rest, err := decodeFullHeaderFixedRegion(body)
	if err != nil {
		return Frame{}, err
	}
	h.Type = typ
	h.ClientPort = clientPort

	gossipLen := int(h.Count) * gossipEntrySize
	if gossipLen > len(rest) {
		return Frame{}, fmt.Errorf("wire: declared gossip count overruns frame")
	}
	var gossip []GossipEntry
	for i := 0; i < int(h.Count); i++ {
		g, err := decodeGossipEntry(rest[i*gossipEntrySize : (i+1)*gossipEntrySize])
		if err != nil {
			return Frame{}, err
		}
		gossip = append(gossip, g)
	}
	rest = rest[gossipLen:]

	var exts []Extension
	if h.ExtCount > 0 {
		exts, err = decodeExtensions(rest, int(h.ExtCount))
		if err != nil {
			return Frame{}, err
		}
		consumed := 0
		for _, e := range exts {
			consumed += paddedLen(8 + len(e.Data))
		}
		rest = rest[consumed:]
	}

	return Frame{
		Header:    h,
		Gossip:    gossip,
		Extension: exts,
		Payload:   append([]byte(nil), rest...),
	}, nil
}

func decodeFullHeaderFixedRegion(buf []byte) (Header, []byte, error) {
	want := 2 + 8 + 8 + 8 + IDLength + SlotBitmapBytes + IDLength + 16 + 2 + 2 + 2 + 2 + 2 + 2
	if len(buf) < want {
		return Header{}, nil, fmt.Errorf("wire: truncated fixed header region (%d < %d)", len(buf), want)
	}
	var h Header
	off := 0
	h.Count = binary.BigEndian.Uint16(buf[off:])
	off += 2
	h.CurrentEpoch = binary.BigEndian.Uint64(buf[off:])
	off += 8
	h.ConfigEpoch = binary.BigEndian.Uint64(buf[off:])
	off += 8
	h.ReplOffset = binary.BigEndian.Uint64(buf[off:])
	off += 8
	copy(h.SenderID[:], buf[off:off+IDLength])
	off += IDLength
	copy(h.SenderSlots[:], buf[off:off+SlotBitmapBytes])
	off += SlotBitmapBytes
	copy(h.SenderPrimary[:], buf[off:off+IDLength])
	off += IDLength
	h.SenderIP = net.IP(append([]byte(nil), buf[off:off+16]...))
	off += 16
	h.ExtCount = binary.BigEndian.Uint16(buf[off:])
	off += 2
	off += 2 // reserved
	h.SecondPort = binary.BigEndian.Uint16(buf[off:])
	off += 2
	h.BusPort = binary.BigEndian.Uint16(buf[off:])
	off += 2
	h.SenderFlags = NodeFlags(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	flags := binary.BigEndian.Uint16(buf[off:])
	off += 2
	h.ClusterOK = flags&msgFlagClusterOK != 0
	h.MsgFlags = flags &^ msgFlagClusterOK
	return h, buf[off:], nil
}

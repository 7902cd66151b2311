package wire

import (
	"encoding/binary"
	"fmt"
)

// FailPayload is the single 40-byte node id carried by a FAIL message.
type FailPayload struct {
	NodeID [IDLength]byte
}

func EncodeFail(p FailPayload) []byte {
	return append([]byte(nil), p.NodeID[:]...)
}

func DecodeFail(buf []byte) (FailPayload, error) {
	if len(buf) != IDLength {
		return FailPayload{}, fmt.Errorf("wire: FAIL payload must be %d bytes, got %d", IDLength, len(buf))
	}
	var p FailPayload
	copy(p.NodeID[:], buf)
	return p, nil
}

// PublishPayload carries a pub/sub channel + message for PUBLISH /
// PUBLISHSHARD frames.
type PublishPayload struct {
	Channel []byte
	Message []byte
}

func EncodePublish(p PublishPayload) []byte {
	buf := make([]byte, 4+4+len(p.Channel)+len(p.Message))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(p.Channel)))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(p.Message)))
	copy(buf[8:], p.Channel)
	copy(buf[8+len(p.Channel):], p.Message)
	return buf
}

func DecodePublish(buf []byte) (PublishPayload, error) {
	if len(buf) < 8 {
		return PublishPayload{}, fmt.Errorf("wire: PUBLISH payload truncated")
	}
	chLen := binary.BigEndian.Uint32(buf[0:4])
	msgLen := binary.BigEndian.Uint32(buf[4:8])
	want := 8 + int(chLen) + int(msgLen)
	if want != len(buf) {
		return PublishPayload{}, fmt.Errorf("wire: PUBLISH declared length %d != actual %d", want, len(buf))
	}
	return PublishPayload{
		Channel: append([]byte(nil), buf[8:8+chLen]...),
		Message: append([]byte(nil), buf[8+chLen:8+chLen+uint32(msgLen)]...),
	}, nil
}

// UpdatePayload notifies a peer that node TargetID now owns ConfigEpoch
// and Slots.
type UpdatePayload struct {
	TargetID    [IDLength]byte
	ConfigEpoch uint64
	Slots       [SlotBitmapBytes]byte
}

func EncodeUpdate(p UpdatePayload) []byte {
	buf := make([]byte, IDLength+8+SlotBitmapBytes)
	copy(buf[0:IDLength], p.TargetID[:])
	binary.BigEndian.PutUint64(buf[IDLength:IDLength+8], p.ConfigEpoch)
	copy(buf[IDLength+8:], p.Slots[:])
	return buf
}

func DecodeUpdate(buf []byte) (UpdatePayload, error) {
	want := IDLength + 8 + SlotBitmapBytes
	if len(buf) != want {
		return UpdatePayload{}, fmt.Errorf("wire: UPDATE payload must be %d bytes, got %d", want, len(buf))
	}
	var p UpdatePayload
	copy(p.TargetID[:], buf[0:IDLength])
	p.ConfigEpoch = binary.BigEndian.Uint64(buf[IDLength : IDLength+8])
	copy(p.Slots[:], buf[IDLength+8:])
	return p, nil
}

// ModulePayload is an opaque module-to-module message; ModuleID's byte
// order is preserved exactly as sent (it is not a cluster-bus integer, it
// is module-private data), unlike every other multi-byte wire field.
type ModulePayload struct {
	ModuleID [8]byte
	TypeTag  uint8
	Data     []byte
}

func EncodeModule(p ModulePayload) []byte {
	buf := make([]byte, 8+4+1+len(p.Data))
	copy(buf[0:8], p.ModuleID[:])
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(p.Data)))
	buf[12] = p.TypeTag
	copy(buf[13:], p.Data)
	return buf
}

func DecodeModule(buf []byte) (ModulePayload, error) {
	if len(buf) < 13 {
		return ModulePayload{}, fmt.Errorf("wire: MODULE payload truncated")
	}
	var p ModulePayload
	copy(p.ModuleID[:], buf[0:8])
	length := binary.BigEndian.Uint32(buf[8:12])
	p.TypeTag = buf[12]
	if int(length) != len(buf)-13 {
		return ModulePayload{}, fmt.Errorf("wire: MODULE declared length %d != actual %d", length, len(buf)-13)
	}
	p.Data = append([]byte(nil), buf[13:]...)
	return p, nil
}

// NewExtension builds a HOSTNAME/HUMAN_NODENAME/SHARD_ID style extension
// from a plain string, padded to an 8-byte boundary by the caller
// (encodeExtension handles the padding).
func NewExtension(t ExtType, data []byte) Extension {
	return Extension{Type: t, Data: data}
}

// ForgottenNodeExtension payload: a 40-byte id plus a 64-bit re-admit TTL.
func EncodeForgottenNode(id [IDLength]byte, ttlMS uint64) []byte {
	buf := make([]byte, IDLength+8)
	copy(buf[0:IDLength], id[:])
	binary.BigEndian.PutUint64(buf[IDLength:], ttlMS)
	return buf
}

func DecodeForgottenNode(buf []byte) (id [IDLength]byte, ttlMS uint64, err error) {
	if len(buf) != IDLength+8 {
		return id, 0, fmt.Errorf("wire: FORGOTTEN_NODE extension must be %d bytes, got %d", IDLength+8, len(buf))
	}
	copy(id[:], buf[0:IDLength])
	ttlMS = binary.BigEndian.Uint64(buf[IDLength:])
	return id, ttlMS, nil
}

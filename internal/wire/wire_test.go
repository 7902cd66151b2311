package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleHeader() Header {
	var h Header
	h.Type = MsgPing
	h.ClientPort = 6379
	h.Count = 2
	h.CurrentEpoch = 42
	h.ConfigEpoch = 7
	h.ReplOffset = 123456
	h.SenderID[0] = 0xAA
	h.SenderSlots[0] = 0xFF
	h.SenderIP = net.ParseIP("10.0.0.5")
	h.ExtCount = 0
	h.SecondPort = 16379
	h.BusPort = 16379
	h.SenderFlags = FlagPrimary | FlagMyself
	h.ClusterOK = true
	return h
}

func TestEncodeDecodePingRoundTrip(t *testing.T) {
	h := sampleHeader()
	gossip := []GossipEntry{
		{NodeID: [IDLength]byte{1, 2, 3}, PingSent: 100, PongRecv: 200, IP: net.ParseIP("10.0.0.6"), PrimaryPort: 6380, BusPort: 16380, Flags: FlagReplica, SecondPort: 16381},
		{NodeID: [IDLength]byte{4, 5, 6}, PingSent: 300, PongRecv: 400, IP: net.ParseIP("10.0.0.7"), PrimaryPort: 6381, BusPort: 16382, Flags: FlagPrimary, SecondPort: 0},
	}
	f := Frame{Header: h, Gossip: gossip}
	buf, err := Encode(f)
	require.NoError(t, err)

	got, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, f.Header.Type, got.Header.Type)
	require.Equal(t, f.Header.CurrentEpoch, got.Header.CurrentEpoch)
	require.Equal(t, f.Header.ConfigEpoch, got.Header.ConfigEpoch)
	require.Equal(t, f.Header.ReplOffset, got.Header.ReplOffset)
	require.Equal(t, f.Header.SenderID, got.Header.SenderID)
	require.Equal(t, f.Header.SenderSlots, got.Header.SenderSlots)
	require.Equal(t, f.Header.ClusterOK, got.Header.ClusterOK)
	require.True(t, f.Header.SenderIP.Equal(got.Header.SenderIP))
	require.Len(t, got.Gossip, 2)
	require.Equal(t, gossip[0].NodeID, got.Gossip[0].NodeID)
	require.Equal(t, gossip[1].Flags, got.Gossip[1].Flags)
}

func TestEncodeDecodeExtensions(t *testing.T) {
	h := sampleHeader()
	h.Type = MsgMeet
	var id [IDLength]byte
	id[0] = 0x77
	exts := []Extension{
		NewExtension(ExtHostname, []byte("node-a.example.com")),
		NewExtension(ExtShardID, make([]byte, 40)),
	}
	f := Frame{Header: h, Extension: exts}
	f.Header.ExtCount = uint16(len(exts))
	buf, err := Encode(f)
	require.NoError(t, err)

	got, err := Decode(buf)
	require.NoError(t, err)
	require.Len(t, got.Extension, 2)
	require.Equal(t, ExtHostname, got.Extension[0].Type)
	require.Equal(t, "node-a.example.com", string(got.Extension[0].Data))
	require.Equal(t, ExtShardID, got.Extension[1].Type)
}

func TestLightHeaderPublish(t *testing.T) {
	h := Header{Type: MsgPublish}
	payload := EncodePublish(PublishPayload{Channel: []byte("ch1"), Message: []byte("hello")})
	f := Frame{Header: h, Light: true, Payload: payload}
	buf, err := Encode(f)
	require.NoError(t, err)
	require.Equal(t, Signature, string(buf[0:4]))

	got, err := Decode(buf)
	require.NoError(t, err)
	require.True(t, got.Light)
	p, err := DecodePublish(got.Payload)
	require.NoError(t, err)
	require.Equal(t, "ch1", string(p.Channel))
	require.Equal(t, "hello", string(p.Message))
}

func TestDecodeRejectsBadSignature(t *testing.T) {
	buf := []byte("XXXX00000000")
	_, err := Decode(buf)
	require.Error(t, err)
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	h := sampleHeader()
	f := Frame{Header: h}
	buf, err := Encode(f)
	require.NoError(t, err)
	buf = append(buf, 0xFF) // corrupt: declared length no longer matches
	_, err = Decode(buf)
	require.Error(t, err)
}

func TestFailUpdateModuleRoundTrip(t *testing.T) {
	var id [IDLength]byte
	id[3] = 9
	fp := EncodeFail(FailPayload{NodeID: id})
	gotFail, err := DecodeFail(fp)
	require.NoError(t, err)
	require.Equal(t, id, gotFail.NodeID)

	var slots [SlotBitmapBytes]byte
	slots[10] = 0x01
	up := EncodeUpdate(UpdatePayload{TargetID: id, ConfigEpoch: 99, Slots: slots})
	gotUp, err := DecodeUpdate(up)
	require.NoError(t, err)
	require.Equal(t, uint64(99), gotUp.ConfigEpoch)
	require.Equal(t, slots, gotUp.Slots)

	mod := EncodeModule(ModulePayload{ModuleID: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}, TypeTag: 3, Data: []byte("payload")})
	gotMod, err := DecodeModule(mod)
	require.NoError(t, err)
	require.Equal(t, uint8(3), gotMod.TypeTag)
	require.Equal(t, "payload", string(gotMod.Data))
}

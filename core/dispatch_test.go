package core

import (
	"net"
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/nodecore/clustercore/cluster"
	"github.com/nodecore/clustercore/config"
	"github.com/nodecore/clustercore/internal/wire"
)

func testCore(t *testing.T) *ClusterCore {
	t.Helper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.AddFlags(flags)
	require.NoError(t, flags.Parse(nil))
	cfg, err := config.Load(viper.New(), flags)
	require.NoError(t, err)
	return New(cluster.NodeID{0x01}, cfg, nil, nil)
}

func TestHandlePingRegistersSenderAndClaimsSlot(t *testing.T) {
	cc := testCore(t)
	senderID := cluster.NodeID{0x02}

	var slots [wire.SlotBitmapBytes]byte
	var bm cluster.SlotBitmap
	bm.Set(5)
	slots = [wire.SlotBitmapBytes]byte(bm)

	f := wire.Frame{
		Header: wire.Header{
			Type:         wire.MsgPing,
			CurrentEpoch: 3,
			ConfigEpoch:  3,
			SenderID:     [wire.IDLength]byte(senderID),
			SenderSlots:  slots,
			SenderIP:     net.ParseIP("10.0.0.2"),
			ClientPort:   6380,
			BusPort:      16380,
		},
	}

	cc.HandleFrame(nil, f)

	sender, ok := cc.Cluster.Registry.Get(senderID)
	require.True(t, ok)
	require.True(t, sender.HasFlag(cluster.FlagPrimary))
	owner, ok := cc.Cluster.SlotOwner(5)
	require.True(t, ok)
	require.Equal(t, senderID, owner.ID)
	require.Equal(t, uint64(3), cc.Cluster.CurrentEpoch)
}

func TestHandlePingCarriesGossipEntries(t *testing.T) {
	cc := testCore(t)
	senderID := cluster.NodeID{0x02}
	gossipedID := cluster.NodeID{0x03}

	var bm cluster.SlotBitmap
	bm.Set(1) // gives the sender a claimed slot, so IsVotingPrimary is true
	f := wire.Frame{
		Header: wire.Header{
			Type:        wire.MsgPing,
			SenderID:    [wire.IDLength]byte(senderID),
			SenderSlots: [wire.SlotBitmapBytes]byte(bm),
			SenderIP:    net.ParseIP("10.0.0.2"),
		},
		Gossip: []wire.GossipEntry{
			{NodeID: [wire.IDLength]byte(gossipedID), Flags: wire.FlagPrimary | wire.FlagPFail},
		},
	}

	cc.HandleFrame(nil, f)

	peer, ok := cc.Cluster.Registry.Get(gossipedID)
	require.True(t, ok)
	require.Equal(t, 1, peer.FailReportsCount(), "voting-primary sender's PFAIL gossip becomes a fail report")
}

func TestHandleFailMarksNodeFailed(t *testing.T) {
	cc := testCore(t)
	target := cluster.NewNode(cluster.NodeID{0x02})
	target.AddFlag(cluster.FlagPrimary | cluster.FlagPFail)
	cc.Cluster.Registry.Insert(target)

	payload := wire.EncodeFail(wire.FailPayload{NodeID: [wire.IDLength]byte(target.ID)})
	f := wire.Frame{Header: wire.Header{Type: wire.MsgFail}, Payload: payload}

	cc.HandleFrame(nil, f)

	require.True(t, target.HasFlag(cluster.FlagFail))
	require.False(t, target.HasFlag(cluster.FlagPFail))
}

func TestHandleUpdateRebindsSlot(t *testing.T) {
	cc := testCore(t)
	target := cluster.NodeID{0x02}

	var bm cluster.SlotBitmap
	bm.Set(10)
	payload := wire.EncodeUpdate(wire.UpdatePayload{
		TargetID:    [wire.IDLength]byte(target),
		ConfigEpoch: 7,
		Slots:       [wire.SlotBitmapBytes]byte(bm),
	})
	f := wire.Frame{Header: wire.Header{Type: wire.MsgUpdate}, Payload: payload}

	cc.HandleFrame(nil, f)

	owner, ok := cc.Cluster.SlotOwner(10)
	require.True(t, ok)
	require.Equal(t, target, owner.ID)
	require.Equal(t, uint64(7), owner.ConfigEpoch)
}

func TestHandleAuthReqGrantsVoteForFailedPrimary(t *testing.T) {
	cc := testCore(t)
	cc.Cluster.Size = 3
	cc.Cluster.CurrentEpoch = 5

	primary := cluster.NewNode(cluster.NodeID{0x02})
	primary.AddFlag(cluster.FlagPrimary | cluster.FlagFail)
	cc.Cluster.Registry.Insert(primary)

	requester := cluster.NewNode(cluster.NodeID{0x03})
	requester.AddFlag(cluster.FlagReplica)
	requester.ReplicaOf = primary.ID
	cc.Cluster.Registry.Insert(requester)

	f := wire.Frame{
		Header: wire.Header{
			Type:         wire.MsgAuthReq,
			SenderID:     [wire.IDLength]byte(requester.ID),
			CurrentEpoch: 6,
		},
	}

	cc.HandleFrame(nil, f)
	require.Equal(t, uint64(5), cc.Cluster.LastVoteEpoch, "vote recorded against the pre-bump current epoch tracked by LastVoteEpoch")
}

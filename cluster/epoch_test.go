package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestEpochCluster(t *testing.T) (*Cluster, *EpochEngine, *Node, *Node) {
	t.Helper()
	reg := NewRegistry()
	myself := NewNode(NodeID{0x01})
	myself.Flags = FlagPrimary | FlagMyself
	reg.Insert(myself)

	other := NewNode(NodeID{0x02})
	other.Flags = FlagPrimary
	reg.Insert(other)

	c := NewCluster(reg, myself.ID)
	e := NewEpochEngine(c)
	return c, e, myself, other
}

func TestResolveCollisionLargerIDBumps(t *testing.T) {
	_, e, myself, other := newTestEpochCluster(t)
	myself.ConfigEpoch = 5
	other.ConfigEpoch = 5
	e.Cluster.CurrentEpoch = 5

	// myself.ID = {0x01...}, other.ID = {0x02...}: other is lexicographically
	// larger, so myself (the smaller id) stays put when called on itself...
	bumped := e.ResolveCollision(myself, other)
	require.False(t, bumped, "smaller id must not bump on collision")
	require.Equal(t, uint64(5), myself.ConfigEpoch)

	bumped = e.ResolveCollision(other, myself)
	require.True(t, bumped, "larger id must bump on collision")
	require.Equal(t, uint64(6), other.ConfigEpoch)
	require.Equal(t, uint64(6), e.Cluster.CurrentEpoch)
}

func TestResolveCollisionNoOpWhenEpochsDiffer(t *testing.T) {
	_, e, myself, other := newTestEpochCluster(t)
	myself.ConfigEpoch = 5
	other.ConfigEpoch = 9
	require.False(t, e.ResolveCollision(myself, other))
	require.Equal(t, uint64(5), myself.ConfigEpoch)
}

func TestApplySlotClaimRebindsOnHigherEpoch(t *testing.T) {
	c, e, myself, other := newTestEpochCluster(t)
	require.NoError(t, c.AddSlot(myself.ID, 100))
	other.ConfigEpoch = 1

	e.ApplySlotClaim(other, 7, 100, myself)

	owner, ok := c.SlotOwner(100)
	require.True(t, ok)
	require.Equal(t, other.ID, owner.ID)
	require.Equal(t, uint64(7), c.CurrentEpoch)
	require.True(t, c.PendingSave)
}

func TestApplySlotClaimIgnoresLowerEpoch(t *testing.T) {
	c, e, myself, other := newTestEpochCluster(t)
	myself.ConfigEpoch = 10
	require.NoError(t, c.AddSlot(myself.ID, 100))
	c.PendingSave = false

	e.ApplySlotClaim(other, 2, 100, myself)

	owner, ok := c.SlotOwner(100)
	require.True(t, ok)
	require.Equal(t, myself.ID, owner.ID, "a lower-epoch claim must not rebind the slot")
	require.False(t, c.PendingSave)
}

func TestApplySlotReleaseMarksOwnerNotClaim(t *testing.T) {
	c, e, _, other := newTestEpochCluster(t)
	require.NoError(t, c.AddSlot(other.ID, 50))

	e.ApplySlotRelease(other, 50)
	require.True(t, other.OwnerNotClaim.Test(50))
}

func TestCheckShardPromotionSameShard(t *testing.T) {
	c, e, myself, other := newTestEpochCluster(t)
	myself.RemoveFlag(FlagPrimary)
	myself.AddFlag(FlagReplica)
	myPrimary := NewNode(NodeID{0x03})
	myPrimary.Flags = FlagPrimary
	myPrimary.ShardID = other.ShardID
	c.Registry.Insert(myPrimary)

	promoted, cross := e.CheckShardPromotion(myself, myPrimary, other)
	require.True(t, promoted)
	require.False(t, cross)
	require.False(t, myself.HasFlag(FlagPrimary))
	require.Equal(t, other.ID, myself.ReplicaOf)
}

func TestCheckShardPromotionCrossShardRequiresFlag(t *testing.T) {
	c, e, myself, other := newTestEpochCluster(t)
	myPrimary := NewNode(NodeID{0x03})
	myPrimary.Flags = FlagPrimary
	myPrimary.ShardID = NodeID{0xAA}
	other.ShardID = NodeID{0xBB}
	c.Registry.Insert(myPrimary)

	e.AllowReplicaMigration = false
	promoted, _ := e.CheckShardPromotion(myself, myPrimary, other)
	require.False(t, promoted)

	e.AllowReplicaMigration = true
	promoted, cross := e.CheckShardPromotion(myself, myPrimary, other)
	require.True(t, promoted)
	require.True(t, cross)
}

func TestBumpEpochWithoutConsensusRespectsKnob(t *testing.T) {
	_, e, myself, _ := newTestEpochCluster(t)
	e.AllowUnconsensusEpochBump = false
	before := myself.ConfigEpoch
	e.BumpEpochWithoutConsensus(myself)
	require.Equal(t, before, myself.ConfigEpoch)

	e.AllowUnconsensusEpochBump = true
	e.BumpEpochWithoutConsensus(myself)
	require.Equal(t, e.Cluster.CurrentEpoch, myself.ConfigEpoch)
}

func TestCheckLocalTakeoverClaimsSlotWhenSenderGivesUp(t *testing.T) {
	c, e, myself, other := newTestEpochCluster(t)
	myself.ImportingFrom[200] = other.ID
	require.NoError(t, c.AddSlot(other.ID, 200))
	other.Slots.Clear(200) // sender no longer claims the slot in its bitmap

	took := e.CheckLocalTakeover(myself, other, 200)
	require.True(t, took)
	owner, ok := c.SlotOwner(200)
	require.True(t, ok)
	require.Equal(t, myself.ID, owner.ID)
	_, stillImporting := myself.ImportingFrom[200]
	require.False(t, stillImporting)
}

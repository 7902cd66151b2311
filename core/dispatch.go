package core

import (
	"time"

	"github.com/nodecore/clustercore/cluster"
	"github.com/nodecore/clustercore/internal/wire"
)

// HandleFrame is the C5/wire dispatch path GossipEngine.ObserveGossipEntry's
// doc comment refers to: it turns one decoded cluster-bus frame into
// registry/epoch/gossip mutations. Connection readers call this for every
// frame a Link.Recv yields; it never blocks on I/O itself.
func (c *ClusterCore) HandleFrame(link *cluster.Link, f wire.Frame) {
	now := time.Now()
	switch f.Header.Type {
	case wire.MsgPing, wire.MsgPong, wire.MsgMeet:
		c.handleGossipFrame(link, f, now)
	case wire.MsgFail:
		c.handleFail(f, now)
	case wire.MsgUpdate:
		c.handleUpdate(f, now)
	case wire.MsgMFStart:
		c.handleMFStart(f)
	case wire.MsgAuthReq:
		c.handleAuthReq(link, f, now)
	case wire.MsgAuthAck:
		c.handleAuthAck(f)
	}
}

// upsertNode resolves id against the registry, creating an empty node if
// this is the first time it's been seen (the handshake-pending state
// every new peer starts in, per §4.2).
func (c *ClusterCore) upsertNode(id cluster.NodeID) *cluster.Node {
	if n, ok := c.Cluster.Registry.Get(id); ok {
		return n
	}
	n := cluster.NewNode(id)
	n.AddFlag(cluster.FlagHandshake)
	c.Cluster.Registry.Insert(n)
	return n
}

// resolveSender finds (or creates) the node for a frame's header, keyed
// by the header's sender id. A handshake-pending placeholder created by a
// prior MEET under a temporary id is not renamed or merged here; the
// sender gets its own registry entry under its real id.
func (c *ClusterCore) resolveSender(h wire.Header) *cluster.Node {
	id := cluster.NodeID(h.SenderID)
	if n, ok := c.Cluster.Registry.Get(id); ok {
		return n
	}
	n := c.upsertNode(id)
	n.RemoveFlag(cluster.FlagHandshake)
	return n
}

func applySenderHeader(n *cluster.Node, h wire.Header, now time.Time) {
	n.ClientIPv4 = h.SenderIP
	n.ClientPort = int(h.ClientPort)
	n.ClusterPort = int(h.BusPort)
	n.TLSPort = int(h.SecondPort)
	n.ConfigEpoch = h.ConfigEpoch
	n.ReplOffset = h.ReplOffset
	n.ReplOffsetTime = now

	primaryZero := h.SenderPrimary == ([wire.IDLength]byte{})
	if primaryZero {
		n.RemoveFlag(cluster.FlagReplica)
		n.AddFlag(cluster.FlagPrimary)
	} else {
		n.RemoveFlag(cluster.FlagPrimary)
		n.AddFlag(cluster.FlagReplica)
		n.ReplicaOf = cluster.NodeID(h.SenderPrimary)
	}
}

// handleGossipFrame processes the shared PING/PONG/MEET envelope: update
// the sender itself, reconcile any slots its bitmap claims at a newer
// epoch, record PongReceived on the link's own node for the ping/pong
// round-trip, then walk the gossip section.
func (c *ClusterCore) handleGossipFrame(link *cluster.Link, f wire.Frame, now time.Time) {
	if f.Light {
		return
	}
	sender := c.resolveSender(f.Header)
	applySenderHeader(sender, f.Header, now)
	sender.DataReceived = now
	if f.Header.Type == wire.MsgPong {
		sender.PongReceived = now
	}
	if link != nil {
		link.Node = sender
	}
	c.Cluster.BumpCurrentEpoch(f.Header.CurrentEpoch)

	if sender.HasFlag(cluster.FlagPrimary) {
		myself := c.Cluster.Myself()
		claimed := cluster.SlotBitmap(f.Header.SenderSlots)
		for slot := 0; slot < cluster.NumSlots; slot++ {
			if !claimed.Test(slot) {
				continue
			}
			owner, hasOwner := c.Cluster.SlotOwner(slot)
			if !hasOwner || owner.ConfigEpoch < sender.ConfigEpoch {
				c.Epoch.ApplySlotClaim(sender, sender.ConfigEpoch, slot, myself)
			}
		}
	}

	for _, entry := range f.Gossip {
		peer := c.upsertNode(cluster.NodeID(entry.NodeID))
		if peer.ID == c.Cluster.MyselfID {
			continue
		}
		c.Gossip.ObserveGossipEntry(sender, peer, entry.Flags, now)
		c.Gossip.MaybeAddressChange(peer, entry.IP, int(entry.PrimaryPort), int(entry.BusPort))
	}
}

// handleFail implements the receive side of §4.6's FAIL propagation:
// any FAIL message about a node immediately marks it FAIL, without
// waiting for quorum (the sender already reached quorum before
// broadcasting).
func (c *ClusterCore) handleFail(f wire.Frame, now time.Time) {
	p, err := wire.DecodeFail(f.Payload)
	if err != nil {
		return
	}
	target, ok := c.Cluster.Registry.Get(cluster.NodeID(p.NodeID))
	if !ok || target.ID == c.Cluster.MyselfID {
		return
	}
	target.RemoveFlag(cluster.FlagPFail)
	target.AddFlag(cluster.FlagFail)
	target.FailTime = now
}

// handleUpdate implements the receive side of the stale-epoch-fixing
// UPDATE message (§4.5): the sender has told us TargetID owns a newer
// config epoch for its slots, so reconcile as if we'd observed the
// claim directly.
func (c *ClusterCore) handleUpdate(f wire.Frame, now time.Time) {
	p, err := wire.DecodeUpdate(f.Payload)
	if err != nil {
		return
	}
	target := c.upsertNode(cluster.NodeID(p.TargetID))
	target.ConfigEpoch = p.ConfigEpoch
	claimed := cluster.SlotBitmap(p.Slots)
	myself := c.Cluster.Myself()
	for slot := 0; slot < cluster.NumSlots; slot++ {
		if !claimed.Test(slot) {
			continue
		}
		owner, hasOwner := c.Cluster.SlotOwner(slot)
		if !hasOwner || owner.ConfigEpoch < p.ConfigEpoch {
			c.Epoch.ApplySlotClaim(target, p.ConfigEpoch, slot, myself)
		}
	}
}

// handleMFStart implements the replica side of a manual-failover pause
// request (§4.8): the header's sender is our primary announcing it has
// paused writes at ReplOffset.
func (c *ClusterCore) handleMFStart(f wire.Frame) {
	myself := c.Cluster.Myself()
	if myself == nil || !myself.HasFlag(cluster.FlagReplica) {
		return
	}
	if cluster.NodeID(f.Header.SenderID) != myself.ReplicaOf {
		return
	}
	c.Failover.ReplicaObservePausedPing(f.Header.ReplOffset)
}

// handleAuthReq implements the primary side of §4.8's election vote
// request: a voting primary either grants or refuses the vote; a grant
// is sent straight back to the requester as an AUTH_ACK on the link the
// request arrived on.
func (c *ClusterCore) handleAuthReq(link *cluster.Link, f wire.Frame, now time.Time) {
	requester, ok := c.Cluster.Registry.Get(cluster.NodeID(f.Header.SenderID))
	if !ok {
		return
	}
	requesterPrimary, ok := c.Cluster.Registry.Get(requester.ReplicaOf)
	if !ok {
		return
	}
	claimed := cluster.SlotBitmap(f.Header.SenderSlots)
	req := cluster.VoteRequest{
		RequesterID:  requester.ID,
		CurrentEpoch: f.Header.CurrentEpoch,
		PrimaryID:    requesterPrimary.ID,
		ClaimedSlots: &claimed,
		ForceAck:     f.Header.MsgFlags != 0,
	}
	granted, err := c.Failover.GrantVote(c.Cluster, req, requesterPrimary, now)
	if err != nil || !granted {
		return
	}
	if link == nil {
		return
	}
	ack := wire.Frame{Header: c.buildHeader(wire.MsgAuthAck)}
	ack.Header.ConfigEpoch = f.Header.CurrentEpoch
	c.enqueueOn(link, ack)
}

// handleAuthAck implements the replica side of §4.7's vote tally.
func (c *ClusterCore) handleAuthAck(f wire.Frame) {
	myself := c.Cluster.Myself()
	if myself == nil || !myself.HasFlag(cluster.FlagReplica) {
		return
	}
	if f.Header.ConfigEpoch != c.Cluster.Election.AuthEpoch {
		return
	}
	c.Failover.RecordVoteGranted()
}

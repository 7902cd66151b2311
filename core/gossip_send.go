package core

import (
	"github.com/nodecore/clustercore/cluster"
	"github.com/nodecore/clustercore/internal/wire"
)

// buildHeader fills in every sender-identity field a PING/PONG/MEET/FAIL/
// AUTH_REQ/AUTH_ACK frame carries, from myself's current view of the
// cluster (§6's frozen header layout).
func (c *ClusterCore) buildHeader(t wire.MsgType) wire.Header {
	me := c.Cluster.Myself()
	h := wire.Header{
		Type:         t,
		ClientPort:   uint16(me.ClientPort),
		CurrentEpoch: c.Cluster.CurrentEpoch,
		ConfigEpoch:  me.ConfigEpoch,
		ReplOffset:   c.Backlog.PrimaryOffset,
		SenderID:     [wire.IDLength]byte(me.ID),
		SenderSlots:  [wire.SlotBitmapBytes]byte(me.Slots),
		SenderIP:     me.ClientIPv4,
		SecondPort:   uint16(me.TLSPort),
		BusPort:      uint16(me.ClusterPort),
		SenderFlags:  me.Flags,
		ClusterOK:    true,
	}
	if me.HasFlag(cluster.FlagReplica) {
		h.SenderPrimary = [wire.IDLength]byte(me.ReplicaOf)
	}
	return h
}

// gossipFrame builds a PING/PONG/MEET frame carrying the gossip section
// the engine currently wants to send (§4.6).
func (c *ClusterCore) gossipFrame(t wire.MsgType) wire.Frame {
	gossip := c.Gossip.SelectGossipEntries()
	h := c.buildHeader(t)
	h.Count = uint16(len(gossip))
	return wire.Frame{Header: h, Gossip: gossip}
}

// enqueueOn encodes f and enqueues it on link alone, the direct-reply path
// used for PING/AUTH_ACK (as opposed to broadcastFrame's fan-out).
func (c *ClusterCore) enqueueOn(link *cluster.Link, f wire.Frame) {
	buf, err := wire.Encode(f)
	if err != nil {
		c.Log.WithError(err).Warn("failed to encode outbound cluster-bus frame")
		return
	}
	blk := cluster.NewMessageBlock(buf)
	link.Enqueue(blk, c.cronTick)
	blk.Unref()
}

// sendPing implements GossipEngine.OnPing: enqueue a PING on whichever
// link we have open to n, preferring the outbound one (§4.6).
func (c *ClusterCore) sendPing(n *cluster.Node) {
	link := n.OutLink
	if link == nil {
		link = n.InLink
	}
	if link == nil {
		return
	}
	c.enqueueOn(link, c.gossipFrame(wire.MsgPing))
}

// broadcastFrame encodes f once and fans it out to every known peer's
// links, matching §4.4's "build once, enqueue everywhere" broadcast shape.
func (c *ClusterCore) broadcastFrame(f wire.Frame) {
	buf, err := wire.Encode(f)
	if err != nil {
		c.Log.WithField("type", f.Header.Type).WithError(err).Warn("failed to encode cluster-bus broadcast")
		return
	}
	blk := cluster.NewMessageBlock(buf)
	for _, peer := range c.Cluster.Registry.All() {
		if peer.ID == c.Cluster.MyselfID {
			continue
		}
		if peer.OutLink != nil {
			peer.OutLink.Enqueue(blk, c.cronTick)
		}
		if peer.InLink != nil {
			peer.InLink.Enqueue(blk, c.cronTick)
		}
	}
	blk.Unref()
}

// broadcastFail implements the send side of §4.6's FAIL propagation: once
// a node crosses quorum into FAIL, every other node must hear about it
// without waiting for its own gossip round to cover that node.
func (c *ClusterCore) broadcastFail(n *cluster.Node) {
	c.broadcastFrame(wire.Frame{
		Header:  c.buildHeader(wire.MsgFail),
		Payload: wire.EncodeFail(wire.FailPayload{NodeID: [wire.IDLength]byte(n.ID)}),
	})
}

// broadcastPong announces a just-completed promotion to every peer,
// carrying the freshly-claimed slots at the new config epoch (§4.8:
// "caller is responsible for broadcasting PONG afterward").
func (c *ClusterCore) broadcastPong() {
	c.broadcastFrame(c.gossipFrame(wire.MsgPong))
}

// forceAckFlag marks a manual-failover AUTH_REQ (§4.8's force_ack). Bit 0
// of MsgFlags is reserved for the cluster-state-ok flag by the header
// codec (msgFlagClusterOK), so this uses bit 1 to survive the encode/
// decode round trip intact.
const forceAckFlag uint16 = 1 << 1

// buildAuthReqHeader fills the vote-request header: SenderSlots here
// carries the slots being claimed (the failed primary's), not myself's
// own (empty) bitmap, matching what handleAuthReq reads on the other end.
func (c *ClusterCore) buildAuthReqHeader(primary *cluster.Node, manual bool) wire.Header {
	h := c.buildHeader(wire.MsgAuthReq)
	h.SenderSlots = [wire.SlotBitmapBytes]byte(primary.Slots)
	if manual {
		h.MsgFlags = forceAckFlag
	}
	return h
}

// broadcastAuthReq implements the send side of §4.8's election: ask every
// reachable primary for a vote to replace the failed (or manually
// relinquishing) primary.
func (c *ClusterCore) broadcastAuthReq(primary *cluster.Node, manual bool) {
	c.broadcastFrame(wire.Frame{Header: c.buildAuthReqHeader(primary, manual)})
}

// onLinkUp implements GossipEngine.OnLinkUp: a freshly dialed outbound
// link has nothing else reading it, so without this hook PONGs and
// AUTH_ACKs arriving on a connection we initiated would never be seen.
func (c *ClusterCore) onLinkUp(n *cluster.Node, link *cluster.Link) {
	go c.readLink(link)
}

// flushLinks drains every link's send queue, honoring each link's write
// barrier for the current cron generation (§4.4).
func (c *ClusterCore) flushLinks(gen uint64) {
	for _, n := range c.Cluster.Registry.All() {
		c.flushOne(n.OutLink, n, gen)
		c.flushOne(n.InLink, n, gen)
	}
}

func (c *ClusterCore) flushOne(link *cluster.Link, n *cluster.Node, gen uint64) {
	if link == nil {
		return
	}
	if _, _, err := link.Flush(gen, 64*1024); err != nil {
		c.Log.WithField("node", n.ID).WithError(err).Debug("cluster-bus link flush failed")
		link.Free()
		if n.OutLink == link {
			n.OutLink = nil
		}
		if n.InLink == link {
			n.InLink = nil
		}
	}
}

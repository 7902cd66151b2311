// Gossip engine (C6): periodic peer pinging, random-subset gossip entry
// selection, reconnection, and timeout-driven PFAIL->FAIL promotion.
package cluster

import (
	"math/rand"
	"net"
	"time"

	"github.com/nodecore/clustercore/internal/wire"
)

const (
	// FailReportValidityMult bounds how long a fail report stays valid,
	// as a multiple of node_timeout (§4.6).
	FailReportValidityMult = 2.0
	// FailUndoTimeMult bounds how long after a FAIL transition the flag
	// can be revoked once the node is reachable again (§4.6).
	FailUndoTimeMult = 2.0
)

// Transport abstracts dialing a peer's cluster-bus address so the gossip
// engine can be exercised without a real socket.
type Transport interface {
	Dial(n *Node) (*Link, error)
}

// GossipEngine drives C6: reconnects, ping scheduling, gossip-entry
// selection and failure detection, all keyed off a single cron tick.
type GossipEngine struct {
	Cluster      *Cluster
	Transport    Transport
	NodeTimeout  time.Duration
	PingInterval time.Duration // 0 means derive node_timeout/2

	Now  func() time.Time
	Rand *rand.Rand

	// OnLinkUp fires once reconnectPass establishes a fresh outbound
	// link, so the caller can start reading replies off it (the dial
	// itself never blocks on I/O, so nothing else drains the socket).
	OnLinkUp func(n *Node, link *Link)
	// OnPing fires once per node selected to receive a PING this tick,
	// so the caller can build and enqueue the actual wire frame (the
	// engine itself only decides who and when, never how to send).
	OnPing func(n *Node)
	// OnFail fires the instant a node crosses quorum into FAIL, so the
	// caller can broadcast the FAIL message §4.6 requires.
	OnFail func(n *Node)

	cronTicks        uint64
	gossipGeneration uint64
	lastGossiped     map[NodeID]uint64
}

// NewGossipEngine wires a gossip engine for cluster c.
func NewGossipEngine(c *Cluster, transport Transport, nodeTimeout time.Duration) *GossipEngine {
	return &GossipEngine{
		Cluster:     c,
		Transport:   transport,
		NodeTimeout: nodeTimeout,
		Now:         time.Now,
		Rand:        rand.New(rand.NewSource(1)),
		lastGossiped: make(map[NodeID]uint64),
	}
}

func (g *GossipEngine) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// effectivePingInterval is ping_interval = cluster_ping_interval ||
// node_timeout/2 (§4.6).
func (g *GossipEngine) effectivePingInterval() time.Duration {
	if g.PingInterval > 0 {
		return g.PingInterval
	}
	return g.NodeTimeout / 2
}

// EffectivePingInterval exposes effectivePingInterval to other packages
// that need it for data-age gating (§4.8's DataAgeOK check).
func (g *GossipEngine) EffectivePingInterval() time.Duration {
	return g.effectivePingInterval()
}

// Cron runs one cron-tick's worth of gossip-engine work: reconnect pass,
// ping scheduling, and failure detection. Call once per 100ms tick (§2).
func (g *GossipEngine) Cron() {
	g.cronTicks++
	now := g.now()
	g.reconnectPass(now)
	g.pingSchedulingPass(now)
	g.detectFailures(now)
}

// reconnectPass dials every known node lacking an outbound link that is
// not NOADDR|MYSELF. A synchronous dial failure still records ping-sent
// so the failure detector arms (§4.6).
func (g *GossipEngine) reconnectPass(now time.Time) {
	if g.Transport == nil {
		return
	}
	for _, n := range g.Cluster.Registry.All() {
		if n.ID == g.Cluster.MyselfID {
			continue
		}
		if n.HasFlag(FlagNoAddr) || n.OutLink != nil {
			continue
		}
		link, err := g.Transport.Dial(n)
		n.PingSent = now
		if err != nil {
			continue
		}
		link.Node = n
		n.OutLink = link
		if g.OnLinkUp != nil {
			g.OnLinkUp(n, link)
		}
	}
}

// pingSchedulingPass implements the two independent ping triggers of
// §4.6: every 10th tick, sample 5 random nodes and ping the staleset
// pong; independently ping any node whose pong is older than
// ping_interval with no ping outstanding; manual-failover targets are
// pinged every tick.
func (g *GossipEngine) pingSchedulingPass(now time.Time) (targets []*Node) {
	interval := g.effectivePingInterval()

	if g.cronTicks%10 == 0 {
		all := g.candidatesForSample()
		if len(all) > 0 {
			sample := g.sampleN(all, 5)
			oldest := sample[0]
			for _, n := range sample[1:] {
				if n.PongReceived.Before(oldest.PongReceived) {
					oldest = n
				}
			}
			targets = append(targets, oldest)
		}
	}

	for _, n := range g.Cluster.Registry.All() {
		if n.ID == g.Cluster.MyselfID {
			continue
		}
		noOutstandingPing := n.PingSent.Before(n.PongReceived) || n.PingSent.IsZero()
		if now.Sub(n.PongReceived) > interval && noOutstandingPing {
			targets = append(targets, n)
		}
		if g.Cluster.ManualFailover.DesignatedReplica == n.ID {
			targets = append(targets, n)
		}
	}
	for _, n := range targets {
		n.PingSent = now
	}
	if g.OnPing != nil {
		for _, n := range targets {
			g.OnPing(n)
		}
	}
	return targets
}

func (g *GossipEngine) candidatesForSample() []*Node {
	var out []*Node
	for _, n := range g.Cluster.Registry.All() {
		if n.ID == g.Cluster.MyselfID || n.HasFlag(FlagHandshake) || n.HasFlag(FlagNoAddr) {
			continue
		}
		out = append(out, n)
	}
	return out
}

func (g *GossipEngine) sampleN(pool []*Node, n int) []*Node {
	if n >= len(pool) {
		return pool
	}
	idx := g.Rand.Perm(len(pool))[:n]
	out := make([]*Node, n)
	for i, j := range idx {
		out[i] = pool[j]
	}
	return out
}

// WantedGossipCount computes wanted = max(3, min(known/10, known-2)), the
// per-ping gossip-entry budget (§4.6).
func WantedGossipCount(known int) int {
	ceiling := known - 2
	w := known / 10
	if w > ceiling {
		w = ceiling
	}
	if w < 3 {
		w = 3
	}
	return w
}

// SelectGossipEntries builds the gossip payload for an outgoing
// PING/PONG: `wanted` random-sample entries (skipping nodes already
// gossiped this generation, capped at 3*wanted attempts) plus every
// PFAIL node, excluding HANDSHAKE, NOADDR, and disconnected
// without-slots nodes (§4.6).
func (g *GossipEngine) SelectGossipEntries() []wire.GossipEntry {
	g.gossipGeneration++
	gen := g.gossipGeneration

	eligible := make([]*Node, 0)
	for _, n := range g.Cluster.Registry.All() {
		if n.ID == g.Cluster.MyselfID {
			continue
		}
		if n.HasFlag(FlagHandshake) || n.HasFlag(FlagNoAddr) {
			continue
		}
		if n.OutLink == nil && n.InLink == nil && n.NumSlotsOwned == 0 {
			continue
		}
		eligible = append(eligible, n)
	}

	wanted := WantedGossipCount(len(eligible) + 1) // +1 counts myself among "known"
	picked := make(map[NodeID]*Node)

	attempts := 0
	for len(picked) < wanted && attempts < 3*wanted && len(eligible) > 0 {
		attempts++
		n := eligible[g.Rand.Intn(len(eligible))]
		if g.lastGossiped[n.ID] == gen {
			continue
		}
		g.lastGossiped[n.ID] = gen
		picked[n.ID] = n
	}

	entries := make([]wire.GossipEntry, 0, len(picked)+len(eligible))
	for _, n := range picked {
		entries = append(entries, nodeToGossipEntry(n))
	}
	for _, n := range eligible {
		if _, already := picked[n.ID]; already {
			continue
		}
		if n.HasFlag(FlagPFail) {
			entries = append(entries, nodeToGossipEntry(n))
		}
	}
	return entries
}

func nodeToGossipEntry(n *Node) wire.GossipEntry {
	ip := n.ClientIPv4
	if ip == nil {
		ip = n.ClientIPv6
	}
	return wire.GossipEntry{
		NodeID:      [wire.IDLength]byte(n.ID),
		PingSent:    uint32(n.PingSent.UnixMilli()),
		PongRecv:    uint32(n.PongReceived.UnixMilli()),
		IP:          ip,
		PrimaryPort: uint16(n.ClientPort),
		BusPort:     uint16(n.ClusterPort),
		Flags:       n.Flags,
		SecondPort:  uint16(n.TLSPort),
	}
}

// detectFailures implements the PFAIL/FAIL state machine of §4.6.
func (g *GossipEngine) detectFailures(now time.Time) {
	validity := time.Duration(float64(g.NodeTimeout) * FailReportValidityMult)
	undo := time.Duration(float64(g.NodeTimeout) * FailUndoTimeMult)
	myself := g.Cluster.Myself()

	for _, n := range g.Cluster.Registry.All() {
		if n.ID == g.Cluster.MyselfID {
			continue
		}
		n.ExpireFailReports(now, validity)

		pingDelay := now.Sub(n.PingSent)
		dataDelay := now.Sub(n.DataReceived)
		minDelay := pingDelay
		if dataDelay < minDelay {
			minDelay = dataDelay
		}
		if minDelay > g.NodeTimeout && !n.HasFlag(FlagPFail) && !n.HasFlag(FlagFail) {
			n.AddFlag(FlagPFail)
			n.setHealthy(false)
		}

		if n.HasFlag(FlagPFail) && !n.HasFlag(FlagFail) {
			reports := n.FailReportsCount()
			if myself != nil && myself.IsVotingPrimary() {
				reports++
			}
			if reports >= g.Cluster.Quorum() {
				n.AddFlag(FlagFail)
				n.RemoveFlag(FlagPFail)
				n.FailTime = now
				if g.OnFail != nil {
					g.OnFail(n)
				}
			}
		}

		if n.HasFlag(FlagFail) {
			reachable := minDelay <= g.NodeTimeout
			if reachable {
				nonVoter := !n.IsVotingPrimary()
				longEnough := now.Sub(n.FailTime) > undo
				if nonVoter || longEnough {
					n.RemoveFlag(FlagFail)
					n.setHealthy(true)
				}
			}
		} else if minDelay <= g.NodeTimeout {
			n.setHealthy(true)
		}
	}
}

// ObserveGossipEntry records/refreshes a fail report about n coming from
// a voting-primary sender whose entry flags n PFAIL or FAIL (§4.6). An
// entry that does not flag n leaves its reports and flags unchanged;
// clearing PFAIL/FAIL is done by detectFailures. Called by the
// C5/wire dispatch path for every gossip entry in a received PING/PONG.
func (g *GossipEngine) ObserveGossipEntry(sender *Node, n *Node, entryFlags NodeFlags, now time.Time) {
	if sender.IsVotingPrimary() {
		if entryFlags&(FlagPFail|FlagFail) != 0 {
			n.AddFailReport(sender.ID, now)
		}
	}
}

// MaybeAddressChange implements the reconnect-on-address-change rule: a
// gossip entry about a node we believe is failing, carrying a different
// (ip, port, busport) tuple, replaces the tuple and tears down our
// outbound link so the next reconnect dials the new address. An empty or
// unspecified ip is not treated as a change. The health of the entry's
// sender is not checked here. Returns true if the address changed.
func (g *GossipEngine) MaybeAddressChange(n *Node, newIP []byte, newPort, newBusPort int) bool {
	if !(n.HasFlag(FlagPFail) || n.HasFlag(FlagFail)) {
		return false
	}
	ip := net.IP(newIP)
	cur := n.ClientIPv4
	if cur == nil {
		cur = n.ClientIPv6
	}
	ipChanged := len(ip) > 0 && !ip.IsUnspecified() && !ip.Equal(cur)
	changed := ipChanged || newPort != n.ClientPort || newBusPort != n.ClusterPort
	if !changed {
		return false
	}
	if ipChanged {
		n.ClientIPv4 = ip
	}
	n.ClientPort = newPort
	n.ClusterPort = newBusPort
	if n.OutLink != nil {
		n.OutLink.Free()
		n.OutLink = nil
	}
	return true
}

package cluster

import (
	"net"
	"time"

	"github.com/nodecore/clustercore/internal/wire"
)

// NodeFlags is an alias of wire.NodeFlags for the node's role/health bits,
// re-exported with the flag constants below so cluster code never has to
// import wire just to test a flag.
type NodeFlags = wire.NodeFlags

const (
	FlagPrimary             = wire.FlagPrimary
	FlagReplica             = wire.FlagReplica
	FlagPFail               = wire.FlagPFail
	FlagFail                = wire.FlagFail
	FlagMyself              = wire.FlagMyself
	FlagHandshake           = wire.FlagHandshake
	FlagNoAddr              = wire.FlagNoAddr
	FlagMeet                = wire.FlagMeet
	FlagMigrateTo           = wire.FlagMigrateTo
	FlagNoFailover          = wire.FlagNoFailover
	FlagExtensionsSupported = wire.FlagExtensionsSupported
	FlagLightHdrSupported   = wire.FlagLightHdrSupported
)

// NodeID is the opaque 40-byte cluster node identity.
type NodeID [wire.IDLength]byte

// FailReport is one peer's accusation that a node is failing, the
// reporter's id paired with the time of the report, expired after
// node_timeout * FailReportValidityMult (§4.6).
type FailReport struct {
	Reporter  NodeID
	ReportTime time.Time
}

// Node is one member of the cluster: a primary or replica, identified by
// its 40-byte id. Back-references (ReplicaOf, Replicas) are id lookups
// resolved against the owning Registry, never owning pointers, so the
// node graph has no cycles for the Go garbage collector to worry about
// (per the port's own design notes on the cyclic node graph).
type Node struct {
	ID       NodeID
	Flags    NodeFlags
	ShardID  NodeID
	Name     string
	Hostname string

	ClientIPv4 net.IP
	ClientIPv6 net.IP
	PeerIP     net.IP

	ClientPort  int
	TLSPort     int
	ClusterPort int // cluster-bus port, default ClientPort+10000

	ConfigEpoch    uint64
	Slots          SlotBitmap
	NumSlotsOwned  int
	OwnerNotClaim  SlotBitmap // "owner no longer claims" bit, per-slot
	MigratingTo    map[int]NodeID
	ImportingFrom  map[int]NodeID

	ReplicaOf NodeID   // meaningful only when Flags&FlagReplica != 0
	Replicas  []NodeID // meaningful only for primaries, in the order added

	PingSent       time.Time
	PongReceived   time.Time
	DataReceived   time.Time
	FailTime       time.Time
	MFVoteTime     time.Time
	OrphanedSince  time.Time

	ReplOffset      uint64
	ReplOffsetTime  time.Time

	OutLink *Link // owned outbound connection
	InLink  *Link // owned inbound connection

	FailReports map[NodeID]FailReport

	healthy bool // cached health bit, refreshed by the gossip engine
}

// NewNode allocates a node with its maps initialized; the zero value is
// not usable because the importing/migrating overlays and fail-report map
// must never be nil (every write path indexes into them directly).
func NewNode(id NodeID) *Node {
	return &Node{
		ID:            id,
		MigratingTo:   make(map[int]NodeID),
		ImportingFrom: make(map[int]NodeID),
		FailReports:   make(map[NodeID]FailReport),
	}
}

func (n *Node) HasFlag(f NodeFlags) bool { return n.Flags&f != 0 }
func (n *Node) AddFlag(f NodeFlags)      { n.Flags |= f }
func (n *Node) RemoveFlag(f NodeFlags)   { n.Flags &^= f }

// IsVotingPrimary reports whether n counts toward cluster size/quorum:
// a primary owning at least one slot.
func (n *Node) IsVotingPrimary() bool {
	return n.HasFlag(FlagPrimary) && n.NumSlotsOwned > 0
}

// Healthy reports the cached reachability bit maintained by the gossip
// engine: reachable and neither PFAIL nor FAIL.
func (n *Node) Healthy() bool {
	return n.healthy && !n.HasFlag(FlagPFail) && !n.HasFlag(FlagFail)
}

func (n *Node) setHealthy(v bool) { n.healthy = v }

// AddFailReport inserts or refreshes a fail report from reporter about n.
func (n *Node) AddFailReport(reporter NodeID, now time.Time) {
	n.FailReports[reporter] = FailReport{Reporter: reporter, ReportTime: now}
}

// ExpireFailReports drops reports older than validity, per §4.6.
func (n *Node) ExpireFailReports(now time.Time, validity time.Duration) {
	for id, r := range n.FailReports {
		if now.Sub(r.ReportTime) > validity {
			delete(n.FailReports, id)
		}
	}
}

func (n *Node) FailReportsCount() int { return len(n.FailReports) }

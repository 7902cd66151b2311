// Cluster state: the per-process view of membership, slot ownership, and
// in-flight election/manual-failover bookkeeping (§3). In the reference
// this is a global singleton; here it is a plain struct owned by
// core.ClusterCore and passed by reference to every component (per the
// port's own design notes on shared global state).
package cluster

import "time"

// ElectionState tracks an in-flight replica-side election.
type ElectionState struct {
	AuthTime          time.Time
	AuthCount         int
	AuthSent          bool
	AuthRank          int
	AuthEpoch         uint64
	CantFailoverReason string
}

// ManualFailoverState tracks an in-flight CLUSTER FAILOVER handshake.
type ManualFailoverState struct {
	Deadline            time.Time
	DesignatedReplica   NodeID
	PrimaryOffsetAtPause uint64
	CanStart            bool
}

// Cluster is the process-wide coordination state: myself, the node
// registry, the slot ownership table, and everything the epoch/failover
// engines read and mutate every cron tick.
type Cluster struct {
	Registry *Registry

	MyselfID     NodeID
	CurrentEpoch uint64
	Size         int // count of voting primaries

	Slots       [NumSlots]NodeID // slot -> owning node id, zero value = unassigned
	hasOwner    [NumSlots]bool

	Election      ElectionState
	ManualFailover ManualFailoverState
	LastVoteEpoch uint64

	PendingSave bool // "things to do before sleep": config save pending

	MsgCounters map[string]uint64
}

// NewCluster builds an empty cluster state bound to reg.
func NewCluster(reg *Registry, myself NodeID) *Cluster {
	return &Cluster{
		Registry:    reg,
		MyselfID:    myself,
		MsgCounters: make(map[string]uint64),
	}
}

// Myself resolves the back-reference to this process's own node.
func (c *Cluster) Myself() *Node {
	n, _ := c.Registry.Get(c.MyselfID)
	return n
}

// SlotOwner returns the node owning slot s, if any.
func (c *Cluster) SlotOwner(s int) (*Node, bool) {
	if !c.hasOwner[s] {
		return nil, false
	}
	return c.Registry.Get(c.Slots[s])
}

// bindSlot assigns slot s to node id, unconditionally (internal helper
// used by AddSlot/epoch rebind once validation has already happened).
func (c *Cluster) bindSlot(s int, id NodeID) {
	if c.hasOwner[s] {
		if old, ok := c.Registry.Get(c.Slots[s]); ok {
			old.ClearSlot(s)
		}
	}
	c.Slots[s] = id
	c.hasOwner[s] = true
	if n, ok := c.Registry.Get(id); ok {
		n.SetSlot(s, c.anyOtherPrimaryHasReplicas(id))
	}
}

func (c *Cluster) anyOtherPrimaryHasReplicas(exclude NodeID) bool {
	for _, n := range c.Registry.All() {
		if n.ID == exclude || !n.HasFlag(FlagPrimary) {
			continue
		}
		if len(n.Replicas) > 0 {
			return true
		}
	}
	return false
}

// AddSlot implements C1's add_slot(n, s): fails if already assigned.
func (c *Cluster) AddSlot(id NodeID, s int) error {
	if c.hasOwner[s] {
		return newErr(ErrConsistencyViolation, "cluster.add_slot", errAlreadyAssigned(s))
	}
	n, ok := c.Registry.Get(id)
	if !ok {
		return newErr(ErrNodeFatal, "cluster.add_slot", errUnknownNode(id))
	}
	n.OwnerNotClaim.Clear(s)
	c.bindSlot(s, id)
	c.PendingSave = true
	return nil
}

// DelSlot implements C1's del_slot(s): fails if the slot is unassigned.
// The caller is responsible for triggering the pub/sub shard-channel
// removal collaborator for this slot (out of scope, §1).
func (c *Cluster) DelSlot(s int) error {
	if !c.hasOwner[s] {
		return newErr(ErrConsistencyViolation, "cluster.del_slot", errUnassigned(s))
	}
	owner, _ := c.Registry.Get(c.Slots[s])
	if owner != nil {
		owner.ClearSlot(s)
	}
	c.hasOwner[s] = false
	c.Slots[s] = NodeID{}
	c.PendingSave = true
	return nil
}

// RecomputeSize recounts the voting-primary quorum base (§3 invariant:
// size == count of PRIMARY && num_slots>0 nodes).
func (c *Cluster) RecomputeSize() {
	n := 0
	for _, node := range c.Registry.All() {
		if node.IsVotingPrimary() {
			n++
		}
	}
	c.Size = n
}

// Quorum returns size/2 + 1.
func (c *Cluster) Quorum() int {
	return c.Size/2 + 1
}

// BumpCurrentEpoch raises current_epoch if next is larger, preserving the
// monotonic invariant (§3: current_epoch >= max(node.config_epoch)).
func (c *Cluster) BumpCurrentEpoch(next uint64) {
	if next > c.CurrentEpoch {
		c.CurrentEpoch = next
	}
}

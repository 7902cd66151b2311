// Epoch & slot-config engine (C7): config-epoch allocation, collision
// resolution, slot rebinding on newer-epoch claims, and dirty-slot
// bookkeeping (§4.7).
package cluster

// EpochEngine resolves config-epoch collisions and applies slot-ownership
// updates learned from a peer's PING/PONG/UPDATE.
type EpochEngine struct {
	Cluster *Cluster

	// AllowUnconsensusEpochBump gates bumpEpochWithoutConsensus (open
	// question O1): default true, matching the reference's behavior, but
	// exposed so an operator can disable the transient-collision window
	// entirely.
	AllowUnconsensusEpochBump bool

	// AllowReplicaMigration gates whether myself may become a replica of
	// s purely because allow_replica_migration is set, even cross-shard
	// (§4.7 Shard-level promotion).
	AllowReplicaMigration bool

	// DirtySlots records slots whose previous owner was myself and still
	// held keys at the moment ownership moved elsewhere; the caller is
	// expected to invoke the opaque delete_keys_in_slot collaborator for
	// each one (§1 Out of scope, §7 "Consistency violation" row).
	DirtySlots map[int]bool
}

// NewEpochEngine wires an epoch engine for cluster c.
func NewEpochEngine(c *Cluster) *EpochEngine {
	return &EpochEngine{
		Cluster:                   c,
		AllowUnconsensusEpochBump: true,
		DirtySlots:                make(map[int]bool),
	}
}

// ResolveCollision implements §4.7's Collision resolution: when two
// primaries share a config epoch, the lexicographically larger id bumps
// current_epoch to max_epoch+1 and claims it; the smaller id is the
// stable side and is left untouched. Returns true if self was the side
// that bumped (and therefore must persist+fsync immediately).
func (e *EpochEngine) ResolveCollision(self, other *Node) bool {
	if self.ConfigEpoch != other.ConfigEpoch {
		return false
	}
	if !idGreater(self.ID, other.ID) {
		return false
	}
	e.Cluster.CurrentEpoch++
	self.ConfigEpoch = e.Cluster.CurrentEpoch
	return true
}

func idGreater(a, b NodeID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}

// AllocateEpoch bumps and returns a fresh config epoch for self to claim,
// used when a primary first claims a slot with no prior claim to build on.
func (e *EpochEngine) AllocateEpoch() uint64 {
	e.Cluster.CurrentEpoch++
	return e.Cluster.CurrentEpoch
}

// BumpEpochWithoutConsensus implements §4.7's
// bump_epoch_without_consensus: used only after finalizing a slot import
// and after a forced manual failover. This can transiently create epoch
// collisions; ResolveCollision eventually restores uniqueness (documented
// tradeoff, open question O1).
func (e *EpochEngine) BumpEpochWithoutConsensus(self *Node) uint64 {
	if !e.AllowUnconsensusEpochBump {
		return self.ConfigEpoch
	}
	e.Cluster.CurrentEpoch++
	self.ConfigEpoch = e.Cluster.CurrentEpoch
	return self.ConfigEpoch
}

// ApplySlotClaim processes one claimed-slot bit from a PING/PONG/UPDATE
// sent by primary `sender` with claimed epoch `claimedEpoch`, per §4.7's
// per-slot update rules. The local-takeover case (myself importing this
// slot from a sender that no longer claims it) is CheckLocalTakeover's.
func (e *EpochEngine) ApplySlotClaim(sender *Node, claimedEpoch uint64, slot int, myself *Node) {
	e.Cluster.BumpCurrentEpoch(claimedEpoch)

	owner, hasOwner := e.Cluster.SlotOwner(slot)
	shouldRebind := !hasOwner ||
		owner.ConfigEpoch < claimedEpoch ||
		owner.OwnerNotClaim.Test(slot)

	if shouldRebind {
		if hasOwner && owner.ID == myself.ID && stillHoldsKeys(myself, slot) {
			e.DirtySlots[slot] = true
		}
		if target, ok := myself.MigratingTo[slot]; ok {
			if target != sender.ID && !sameShard(e.Cluster, target, sender.ID) {
				delete(myself.MigratingTo, slot)
			}
		}
		if source, ok := myself.ImportingFrom[slot]; ok {
			if source != sender.ID {
				if sameShard(e.Cluster, source, sender.ID) {
					myself.ImportingFrom[slot] = sender.ID
				} else {
					delete(myself.ImportingFrom, slot)
				}
			}
		}
		owner, _ = e.ensureOwner(sender)
		owner.OwnerNotClaim.Clear(slot)
		e.Cluster.bindSlot(slot, sender.ID)
		e.Cluster.PendingSave = true
	}
}

// stillHoldsKeys is a placeholder for the opaque count_keys_in_slot
// collaborator (§1 Out of scope); callers wire in the real keyspace
// engine via KeyspaceProbe before relying on dirty-slot tracking.
var KeyspaceProbe = func(node *Node, slot int) bool { return false }

func stillHoldsKeys(n *Node, slot int) bool { return KeyspaceProbe(n, slot) }

func sameShard(c *Cluster, a, b NodeID) bool {
	na, ok1 := c.Registry.Get(a)
	nb, ok2 := c.Registry.Get(b)
	if !ok1 || !ok2 {
		return false
	}
	return na.ShardID == nb.ShardID
}

func (e *EpochEngine) ensureOwner(n *Node) (*Node, bool) {
	existing, ok := e.Cluster.Registry.Get(n.ID)
	if ok {
		return existing, true
	}
	e.Cluster.Registry.Insert(n)
	return n, false
}

// ApplySlotRelease processes one slot bit cleared in sender's bitmap that
// was previously assigned to sender: per §4.7, do not immediately unbind
// (avoids FAIL flapping); instead mark the owner-not-claiming bit so this
// node suppresses its own UPDATEs about the slot.
func (e *EpochEngine) ApplySlotRelease(sender *Node, slot int) {
	if owner, ok := e.Cluster.SlotOwner(slot); ok && owner.ID == sender.ID {
		owner.OwnerNotClaim.Set(slot)
	}
}

// CheckShardPromotion implements §4.7's shard-level promotion: if, after
// processing, myself's primary retains zero slots, myself becomes a
// replica of s when either AllowReplicaMigration is set or s is in the
// same shard as myself's primary. It does not check which node the
// primary's slots went to, and it does not bump any epoch. Returns true
// if promotion happened; crossShard reports whether a full resync is now
// required (cross-shard promotions need one, same-shard ones can use
// partial resync).
func (e *EpochEngine) CheckShardPromotion(myself, myPrimary, s *Node) (promoted, crossShard bool) {
	if myPrimary.NumSlotsOwned != 0 {
		return false, false
	}
	sameShardAsS := myPrimary.ShardID == s.ShardID
	if !e.AllowReplicaMigration && !sameShardAsS {
		return false, false
	}
	myself.AddFlag(FlagReplica)
	myself.RemoveFlag(FlagPrimary)
	myself.ReplicaOf = s.ID
	return true, !sameShardAsS
}

// CheckLocalTakeover implements the last bullet of §4.7's per-slot rule:
// if myself is a primary and was importing this slot from `sender`, and
// sender no longer claims it, myself takes ownership locally and bumps
// its own config epoch.
func (e *EpochEngine) CheckLocalTakeover(myself, sender *Node, slot int) bool {
	if !myself.HasFlag(FlagPrimary) {
		return false
	}
	src, importing := myself.ImportingFrom[slot]
	if !importing || src != sender.ID {
		return false
	}
	if sender.Slots.Test(slot) {
		return false // sender still claims it
	}
	delete(myself.ImportingFrom, slot)
	e.Cluster.bindSlot(slot, myself.ID)
	e.BumpEpochWithoutConsensus(myself)
	e.Cluster.PendingSave = true
	return true
}

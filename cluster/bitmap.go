package cluster

// NumSlots is the fixed size of the cluster's logical keyspace partition.
const NumSlots = 16384

// SlotBitmap is a fixed 16384-bit ownership/coverage map, stored
// little-endian within the node (bit i lives in byte i/8, bit i%8), matching
// the wire layout in internal/wire.SlotBitmapBytes so a node's in-memory
// bitmap can be copied onto the wire without transposition.
type SlotBitmap [NumSlots / 8]byte

// Test reports whether slot s is set in the bitmap.
func (b *SlotBitmap) Test(s int) bool {
	return b[s/8]&(1<<uint(s%8)) != 0
}

// Set sets slot s and returns its previous value.
func (b *SlotBitmap) Set(s int) bool {
	old := b.Test(s)
	b[s/8] |= 1 << uint(s%8)
	return old
}

// Clear clears slot s and returns its previous value.
func (b *SlotBitmap) Clear(s int) bool {
	old := b.Test(s)
	b[s/8] &^= 1 << uint(s%8)
	return old
}

// Count returns the population count (number of slots set), i.e. P2's
// num_slots invariant evaluated directly off the bitmap.
func (b *SlotBitmap) Count() int {
	n := 0
	for _, word := range b {
		n += popcount8(word)
	}
	return n
}

func popcount8(b byte) int {
	n := 0
	for b != 0 {
		n += int(b & 1)
		b >>= 1
	}
	return n
}

// TestSlot/SetSlot/ClearSlot on Node implement C1's per-node bitmap
// operations, keeping num_slots and the MIGRATE_TO flag consistent with
// the bitmap per §4.1.

// TestSlot reports whether the node claims slot s.
func (n *Node) TestSlot(s int) bool {
	return n.Slots.Test(s)
}

// SetSlot claims slot s for the node, incrementing NumSlotsOwned and
// arming MIGRATE_TO the moment a primary's first slot is claimed while
// any other primary in the cluster has replicas (so it becomes a valid
// migration target for an orphaned-primary scenario, §4.8).
func (n *Node) SetSlot(s int, anyOtherPrimaryHasReplicas bool) bool {
	old := n.Slots.Set(s)
	if !old {
		n.NumSlotsOwned++
		if n.NumSlotsOwned == 1 && n.HasFlag(FlagPrimary) && anyOtherPrimaryHasReplicas {
			n.AddFlag(FlagMigrateTo)
		}
	}
	return old
}

// ClearSlot releases slot s, decrementing NumSlotsOwned and dropping
// MIGRATE_TO once the node owns nothing again.
func (n *Node) ClearSlot(s int) bool {
	old := n.Slots.Clear(s)
	if old {
		n.NumSlotsOwned--
		if n.NumSlotsOwned == 0 {
			n.RemoveFlag(FlagMigrateTo)
		}
	}
	return old
}

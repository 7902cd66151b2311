// Failover coordinator (C8): replica-side election, primary-side voting,
// manual failover handshake, and orphaned-primary replica migration
// (§4.8).
package cluster

import (
	"math/rand"
	"time"
)

const (
	// AuthTimeoutFloor is the minimum auth_timeout regardless of
	// node_timeout (§4.8).
	AuthTimeoutFloor = 2000 * time.Millisecond

	// MFPauseMult multiplies MF_TIMEOUT to derive how long the primary
	// pauses writes after MFSTART (§4.8 Manual failover).
	MFPauseMult = 2
)

// Failover drives C8: election timing/voting on the replica side and
// vote-granting/promotion on the primary side, plus the orphaned-primary
// migration cron pass.
type Failover struct {
	Cluster *Cluster

	NodeTimeout           time.Duration
	ReplicaValidityFactor float64
	MigrationBarrier      int
	ReplicaMigrationDelay time.Duration
	NoFailover            bool

	Now  func() time.Time
	Rand *rand.Rand

	Epoch *EpochEngine
}

// NewFailover wires a failover coordinator for cluster c.
func NewFailover(c *Cluster, epoch *EpochEngine, nodeTimeout time.Duration) *Failover {
	return &Failover{
		Cluster:               c,
		Epoch:                 epoch,
		NodeTimeout:           nodeTimeout,
		ReplicaValidityFactor: 10,
		MigrationBarrier:      1,
		ReplicaMigrationDelay: 10 * time.Second,
		Now:                   time.Now,
		Rand:                  rand.New(rand.NewSource(1)),
	}
}

func (f *Failover) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// AuthTimeout is auth_timeout = max(2*node_timeout, 2000ms) (§4.8).
func (f *Failover) AuthTimeout() time.Duration {
	t := 2 * f.NodeTimeout
	if t < AuthTimeoutFloor {
		return AuthTimeoutFloor
	}
	return t
}

// CanStartAutomaticFailover checks the entry preconditions for automatic
// failover (§4.8): myself must be a replica, nofailover unset, and the
// primary must be FAIL (manual failovers bypass the FAIL requirement via
// the caller passing manual=true).
func (f *Failover) CanStartAutomaticFailover(myself, primary *Node, manual bool) error {
	if f.NoFailover {
		return newErr(ErrQuorumFailure, "failover.start", errNoFailoverConfigured())
	}
	if !myself.HasFlag(FlagReplica) {
		return newErr(ErrQuorumFailure, "failover.start", errNotAReplica())
	}
	if !manual && !primary.HasFlag(FlagFail) {
		return newErr(ErrQuorumFailure, "failover.start", errPrimaryNotFailed())
	}
	return nil
}

// DataAgeOK implements the data-age gate: abort automatic failover (but
// never manual) when the replica's last data from its primary is older
// than ping_interval + node_timeout*replica_validity_factor (§4.8).
func (f *Failover) DataAgeOK(dataAge time.Duration, pingInterval time.Duration, manual bool) bool {
	if manual {
		return true
	}
	limit := pingInterval + time.Duration(float64(f.NodeTimeout)*f.ReplicaValidityFactor)
	return dataAge <= limit
}

// ReplicaRank computes this replica's election rank: the count of
// sibling replicas (same primary) with a strictly greater replication
// offset, ties broken lexicographically by id: a sibling with an equal
// offset and a smaller id also counts (§4.8).
func ReplicaRank(self *Node, siblings []*Node) int {
	rank := 0
	for _, s := range siblings {
		if s.ID == self.ID {
			continue
		}
		if s.ReplOffset > self.ReplOffset {
			rank++
		} else if s.ReplOffset == self.ReplOffset && idGreater(self.ID, s.ID) {
			rank++
		}
	}
	return rank
}

// ElectionDelay computes the election-window delay (§4.8):
// 500ms + uniform(0,500)ms + 1000ms*rank. Manual failovers always use
// delay 0 (handled by the caller, which never calls this for manual).
func (f *Failover) ElectionDelay(rank int) time.Duration {
	jitter := time.Duration(f.Rand.Int63n(int64(500 * time.Millisecond)))
	return 500*time.Millisecond + jitter + time.Duration(rank)*time.Second
}

// AdjustDelayOnRankChange implements the mid-wait rank recompute: adjust
// the scheduled election time by (new_rank-old_rank)*1000ms (§4.8).
func AdjustDelayOnRankChange(current time.Time, oldRank, newRank int) time.Time {
	delta := time.Duration(newRank-oldRank) * time.Second
	return current.Add(delta)
}

// StartElection bumps current_epoch and initializes election state ready
// for AUTH_REQ broadcast, recording the epoch the vote is being sought
// under (§4.8).
func (f *Failover) StartElection(myself *Node, manual bool) uint64 {
	epoch := f.Epoch.AllocateEpoch()
	f.Cluster.Election = ElectionState{
		AuthTime:  f.now(),
		AuthEpoch: epoch,
		AuthSent:  true,
		AuthCount: 0,
	}
	if manual {
		f.Cluster.Election.AuthRank = 0
	}
	return epoch
}

// VoteRequest is the AUTH_REQ payload a replica broadcasts.
type VoteRequest struct {
	RequesterID    NodeID
	CurrentEpoch   uint64
	PrimaryID      NodeID // the requester's (failed) primary
	ClaimedSlots   *SlotBitmap
	ForceAck       bool
}

// GrantVote implements the primary-side voting rule of §4.8: a voting
// primary grants a vote iff all five conditions hold. On grant, updates
// last_vote_epoch and the primary's voted_time (the caller persists with
// fsync and sends AUTH_ACK afterward, per the ordering guarantee in §5).
func (f *Failover) GrantVote(self *Cluster, req VoteRequest, requesterPrimary *Node, now time.Time) (bool, error) {
	if req.CurrentEpoch < self.CurrentEpoch {
		return false, newErr(ErrQuorumFailure, "failover.vote", errStaleEpoch())
	}
	if self.LastVoteEpoch == self.CurrentEpoch {
		return false, newErr(ErrQuorumFailure, "failover.vote", errAlreadyVoted())
	}
	if !(requesterPrimary.HasFlag(FlagFail) || req.ForceAck) {
		return false, newErr(ErrQuorumFailure, "failover.vote", errPrimaryNotFailed())
	}
	if !requesterPrimary.MFVoteTime.IsZero() && now.Sub(requesterPrimary.MFVoteTime) < 2*f.NodeTimeout {
		return false, newErr(ErrQuorumFailure, "failover.vote", errRecentlyVotedForShard())
	}
	if req.ClaimedSlots != nil {
		for s := 0; s < NumSlots; s++ {
			if !req.ClaimedSlots.Test(s) {
				continue
			}
			owner, ok := self.SlotOwner(s)
			if ok && owner.ConfigEpoch > req.CurrentEpoch {
				return false, newErr(ErrQuorumFailure, "failover.vote", errNewerOwnerExists())
			}
		}
	}
	self.LastVoteEpoch = self.CurrentEpoch
	requesterPrimary.MFVoteTime = now
	return true, nil
}

// RecordVoteGranted increments the in-flight election's ack count; the
// caller checks quorum separately via ReachedQuorum.
func (f *Failover) RecordVoteGranted() {
	f.Cluster.Election.AuthCount++
}

// ReachedQuorum reports whether the in-flight election has enough votes
// to promote (§4.8 Quorum & promotion).
func (f *Failover) ReachedQuorum() bool {
	return f.Cluster.Election.AuthCount >= f.Cluster.Quorum()
}

// Promote implements the promotion sequence of §4.8: the replica claims
// every slot its old primary owned, sets its own config_epoch to the
// election's auth_epoch, clears replica-of, and resets manual-failover
// state. The caller is responsible for broadcasting PONG afterward.
func (f *Failover) Promote(myself, oldPrimary *Node) {
	myself.RemoveFlag(FlagReplica)
	myself.AddFlag(FlagPrimary)
	myself.ReplicaOf = NodeID{}
	myself.ConfigEpoch = f.Cluster.Election.AuthEpoch
	f.Cluster.BumpCurrentEpoch(myself.ConfigEpoch)

	for s := 0; s < NumSlots; s++ {
		if oldPrimary.TestSlot(s) {
			f.Cluster.bindSlot(s, myself.ID)
		}
	}
	f.Cluster.ManualFailover = ManualFailoverState{}
	f.Cluster.Election = ElectionState{}
	f.Cluster.PendingSave = true
	f.Cluster.RecomputeSize()
}

// --- Manual failover handshake (§4.8) ---

// ReplicaStartManualFailover begins the replica-side MFSTART handshake:
// sets mf_end = now + timeout.
func (f *Failover) ReplicaStartManualFailover(timeout time.Duration) {
	f.Cluster.ManualFailover = ManualFailoverState{
		Deadline: f.now().Add(timeout),
	}
}

// ReplicaObservePausedPing records the primary's paused-writes offset
// carried on a PAUSED-flagged ping; once our own replication offset
// reaches it, mf_can_start is armed.
func (f *Failover) ReplicaObservePausedPing(primaryOffset uint64) {
	f.Cluster.ManualFailover.PrimaryOffsetAtPause = primaryOffset
}

// ReplicaCheckCanStart arms mf_can_start once our replication offset has
// caught up to the primary's paused offset.
func (f *Failover) ReplicaCheckCanStart(myReplOffset uint64) bool {
	mf := &f.Cluster.ManualFailover
	if mf.Deadline.IsZero() || f.now().After(mf.Deadline) {
		return false
	}
	if myReplOffset >= mf.PrimaryOffsetAtPause {
		mf.CanStart = true
	}
	return mf.CanStart
}

// PrimaryObserveMFStart implements the primary-side reaction to MFSTART:
// record mf_end and the requesting replica, per §4.8.
func (f *Failover) PrimaryObserveMFStart(replica NodeID, timeout time.Duration) {
	f.Cluster.ManualFailover = ManualFailoverState{
		Deadline:          f.now().Add(timeout),
		DesignatedReplica: replica,
	}
}

// PrimaryPauseDuration is how long the primary pauses writes after
// MFSTART: MF_TIMEOUT * MF_PAUSE_MULT (§4.8).
func PrimaryPauseDuration(mfTimeout time.Duration) time.Duration {
	return mfTimeout * MFPauseMult
}

// PrimaryManualFailoverExpired reports whether the in-flight manual
// failover has timed out without completing (§4.8 "Abort on timeout").
func (f *Failover) PrimaryManualFailoverExpired() bool {
	mf := &f.Cluster.ManualFailover
	return !mf.Deadline.IsZero() && f.now().After(mf.Deadline)
}

// --- Replica migration to orphaned primaries (§4.8) ---

// OrphanedPrimary describes a candidate migration target.
type OrphanedPrimary struct {
	Primary        *Node
	HealthyReplicas int
}

// FindOrphans identifies primaries eligible for replica migration: a
// primary, not FAIL, owning slots, MIGRATE_TO set, zero healthy replicas,
// orphaned for at least ReplicaMigrationDelay.
func (f *Failover) FindOrphans(now time.Time) []OrphanedPrimary {
	var out []OrphanedPrimary
	for _, n := range f.Cluster.Registry.All() {
		if !n.HasFlag(FlagPrimary) || n.HasFlag(FlagFail) || n.NumSlotsOwned == 0 {
			continue
		}
		if !n.HasFlag(FlagMigrateTo) {
			continue
		}
		if f.healthyReplicaCount(n) != 0 {
			continue
		}
		if n.OrphanedSince.IsZero() || now.Sub(n.OrphanedSince) < f.ReplicaMigrationDelay {
			continue
		}
		out = append(out, OrphanedPrimary{Primary: n, HealthyReplicas: 0})
	}
	return out
}

func (f *Failover) healthyReplicaCount(primary *Node) int {
	n := 0
	for _, rid := range primary.Replicas {
		if r, ok := f.Cluster.Registry.Get(rid); ok && r.Healthy() {
			n++
		}
	}
	return n
}

// MigrationCandidate implements §4.8's replica-migration candidate rule:
// among all primaries, find the maximum healthy-replica count, then among
// primaries at that maximum pick the one with the lexicographically
// smallest id; the candidate is that primary's designated migrator
// (here: any one of its replicas is eligible, selection of *which*
// replica volunteers happens per-process by comparing myself against
// this return value).
func (f *Failover) MigrationCandidate() (primaryAtMax *Node, ok bool) {
	var best *Node
	bestCount := -1
	for _, n := range f.Cluster.Registry.All() {
		if !n.HasFlag(FlagPrimary) {
			continue
		}
		c := f.healthyReplicaCount(n)
		if c > bestCount || (c == bestCount && best != nil && idGreater(best.ID, n.ID)) {
			best = n
			bestCount = c
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// ShouldMigrate reports whether myself (a replica of myPrimary) should
// switch to orphan, per §4.8: myself must be the migration candidate of
// myPrimary, at least one orphan must exist, and myPrimary's healthy
// replica count must exceed migration_barrier. crossShard reports
// whether the switch requires a full resync.
func (f *Failover) ShouldMigrate(myself, myPrimary *Node, orphans []OrphanedPrimary) (target *Node, crossShard bool, should bool) {
	if len(orphans) == 0 {
		return nil, false, false
	}
	candidatePrimary, ok := f.MigrationCandidate()
	if !ok || candidatePrimary.ID != myPrimary.ID {
		return nil, false, false
	}
	if f.healthyReplicaCount(myPrimary) <= f.MigrationBarrier {
		return nil, false, false
	}
	orphan := orphans[0].Primary
	for _, o := range orphans[1:] {
		if idGreater(orphan.ID, o.Primary.ID) {
			orphan = o.Primary
		}
	}
	return orphan, orphan.ShardID != myPrimary.ShardID, true
}

// MigrateTo switches myself to replicate orphan instead of its current
// primary.
func (f *Failover) MigrateTo(myself, orphan *Node) {
	myself.ReplicaOf = orphan.ID
	orphan.Replicas = append(orphan.Replicas, myself.ID)
}

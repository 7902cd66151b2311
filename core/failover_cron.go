package core

import (
	"time"

	"github.com/nodecore/clustercore/cluster"
)

// failoverCron drives §4.8's automatic-failover election clock and
// §4.11's orphan-migration check, one tick at a time. Both are no-ops for
// a primary: only a replica can stand for election or migrate.
func (c *ClusterCore) failoverCron(now time.Time) {
	myself := c.Cluster.Myself()
	if myself == nil || !myself.HasFlag(cluster.FlagReplica) {
		return
	}
	c.electionCron(myself, now)
	c.migrationCron(myself, now)
}

// electionCron implements §4.8: once our primary is FAIL (or a manual
// failover has been requested), schedule an election delayed by replica
// rank, broadcast AUTH_REQ when the delay elapses, and promote ourselves
// the instant the vote tally reaches quorum.
func (c *ClusterCore) electionCron(myself *cluster.Node, now time.Time) {
	primary, ok := c.Cluster.Registry.Get(myself.ReplicaOf)
	if !ok {
		return
	}

	election := &c.Cluster.Election
	if election.AuthEpoch != 0 {
		if c.Failover.ReachedQuorum() {
			c.Failover.Promote(myself, primary)
			c.broadcastPong()
			c.electionScheduledAt = time.Time{}
			return
		}
		if now.Sub(election.AuthTime) > c.Failover.AuthTimeout() {
			c.Cluster.Election = cluster.ElectionState{}
			c.electionScheduledAt = time.Time{}
		}
		return
	}

	manual := c.Cluster.ManualFailover.CanStart
	if manual {
		c.startElectionNow(myself, primary, true)
		return
	}

	if !primary.HasFlag(cluster.FlagFail) {
		c.electionScheduledAt = time.Time{}
		return
	}
	if err := c.Failover.CanStartAutomaticFailover(myself, primary, false); err != nil {
		return
	}
	dataAge := now.Sub(primary.ReplOffsetTime)
	if !c.Failover.DataAgeOK(dataAge, c.Gossip.EffectivePingInterval(), false) {
		return
	}

	if c.electionScheduledAt.IsZero() {
		siblings := c.siblingReplicas(primary)
		rank := cluster.ReplicaRank(myself, siblings)
		c.electionScheduledAt = now.Add(c.Failover.ElectionDelay(rank))
		return
	}
	if now.Before(c.electionScheduledAt) {
		return
	}
	c.startElectionNow(myself, primary, false)
}

func (c *ClusterCore) startElectionNow(myself, primary *cluster.Node, manual bool) {
	c.Failover.StartElection(myself, manual)
	c.broadcastAuthReq(primary, manual)
	c.electionScheduledAt = time.Time{}
}

func (c *ClusterCore) siblingReplicas(primary *cluster.Node) []*cluster.Node {
	var out []*cluster.Node
	for _, rid := range primary.Replicas {
		if n, ok := c.Cluster.Registry.Get(rid); ok {
			out = append(out, n)
		}
	}
	return out
}

// migrationCron implements §4.11: a healthy replica with spare siblings
// migrates to cover an orphaned primary (one with zero reachable
// replicas of its own) once the migration barrier and delay allow it.
func (c *ClusterCore) migrationCron(myself *cluster.Node, now time.Time) {
	myPrimary, ok := c.Cluster.Registry.Get(myself.ReplicaOf)
	if !ok {
		return
	}
	orphans := c.Failover.FindOrphans(now)
	target, crossShard, should := c.Failover.ShouldMigrate(myself, myPrimary, orphans)
	if !should {
		return
	}
	c.Failover.MigrateTo(myself, target)
	c.Log.WithField("target", target.ID).WithField("cross_shard", crossShard).Info("migrating to orphaned primary")
}

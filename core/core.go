// Package core wires every component into one process-owned struct:
// the §9 design note "consolidate cluster, replication_backlog,
// server.replicas, server.cached_primary into a single ClusterCore
// struct... no hidden statics" implemented literally.
package core

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nodecore/clustercore/cluster"
	"github.com/nodecore/clustercore/config"
	"github.com/nodecore/clustercore/internal/ioworker"
	"github.com/nodecore/clustercore/replication"
)

// ClusterCore owns every collaborator a process needs: cluster state,
// the epoch/gossip/failover engines, replication state, config, the
// background I/O pool, and the logger. Every component takes a
// *ClusterCore (or its narrower fields) by reference instead of reading
// package-level globals.
type ClusterCore struct {
	Config *config.Config
	Log    *logrus.Entry

	Cluster  *cluster.Cluster
	Epoch    *cluster.EpochEngine
	Gossip   *cluster.GossipEngine
	Failover *cluster.Failover

	Backlog *replication.Backlog
	Primary *replication.Primary
	Replica *replication.Replica

	IOWorkers *ioworker.Pool

	cronTick uint64

	// electionScheduledAt is when a pending automatic-failover election
	// is due to fire; process-local timing bookkeeping that has no
	// equivalent in cluster.ElectionState since it never crosses the
	// wire (§4.8).
	electionScheduledAt time.Time
}

// New assembles a ClusterCore bound to myself's id, the given
// configuration, and a logger. The cluster-bus transport is supplied by
// the caller (nil is fine for tests; the gossip engine simply never
// reconnects).
func New(myself cluster.NodeID, cfg *config.Config, log *logrus.Entry, transport cluster.Transport) *ClusterCore {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	reg := cluster.NewRegistry()
	me := cluster.NewNode(myself)
	me.Flags = cluster.FlagPrimary | cluster.FlagMyself
	me.ClientPort = cfg.ClientPort
	me.ClusterPort = cfg.ClusterBusPort
	reg.Insert(me)

	cl := cluster.NewCluster(reg, myself)
	epoch := cluster.NewEpochEngine(cl)
	epoch.AllowUnconsensusEpochBump = cfg.AllowUnconsensusEpochBump
	epoch.AllowReplicaMigration = cfg.AllowReplicaMigration

	gossip := cluster.NewGossipEngine(cl, transport, cfg.NodeTimeout)
	gossip.PingInterval = cfg.PingInterval

	failover := cluster.NewFailover(cl, epoch, cfg.NodeTimeout)
	failover.ReplicaValidityFactor = cfg.ReplicaValidityFactor
	failover.MigrationBarrier = cfg.MigrationBarrier
	failover.ReplicaMigrationDelay = cfg.ReplicaMigrationDelay

	backlog := replication.NewBacklog(cfg.BacklogSize)

	cc := &ClusterCore{
		Config:    cfg,
		Log:       log,
		Cluster:   cl,
		Epoch:     epoch,
		Gossip:    gossip,
		Failover:  failover,
		Backlog:   backlog,
		Primary:   replication.NewPrimary(randomReplID(), backlog),
		Replica:   replication.NewReplica(),
		IOWorkers: ioworker.New(3, log),
	}
	cc.Gossip.OnPing = cc.sendPing
	cc.Gossip.OnFail = cc.broadcastFail
	cc.Gossip.OnLinkUp = cc.onLinkUp
	return cc
}

func randomReplID() string {
	// A cluster-bus/replication id is a 40-char hex string in the
	// reference; process startup generates one the same shape as
	// cluster.NewNode's id field so replid and node-id are
	// interchangeable in logs.
	const hex = "0123456789abcdef"
	buf := make([]byte, 40)
	seed := uint64(time.Now().UnixNano())
	for i := range buf {
		seed = seed*6364136223846793005 + 1442695040888963407
		buf[i] = hex[(seed>>33)%16]
	}
	return string(buf)
}

// Cron runs one tick's worth of work across every component, matching
// the reference's single serverCron callback (§5: "between processed
// client commands... after each cron tick" are the only suspension
// points — this method IS that tick).
func (c *ClusterCore) Cron(ctx context.Context) {
	c.cronTick++
	c.flushLinks(c.cronTick)

	c.Gossip.Cron()
	c.failoverCron(time.Now())

	if over := c.Primary.EnforceOutputLimits(); len(over) > 0 {
		for _, id := range over {
			c.Log.WithField("replica", id).Warn("closing replica over output-buffer limit")
			c.Primary.DetachReplica(id)
		}
	}

	if c.Cluster.PendingSave {
		c.Log.Debug("config save pending; caller's persistence loop should flush before sleep")
	}
}

// Run drives Cron on a fixed interval until ctx is cancelled, the Go
// analogue of the reference's single-threaded 100ms serverCron timer.
func (c *ClusterCore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.IOWorkers.Shutdown()
			return
		case <-ticker.C:
			c.Cron(ctx)
		}
	}
}

package core

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/nodecore/clustercore/cluster"
	"github.com/nodecore/clustercore/internal/resp"
	"github.com/nodecore/clustercore/replication"
)

// ReplicateFrom implements CLUSTER REPLICATE's effect: flip myself into
// a replica of primaryID and start the connect/handshake driver against
// it in the background (§4.10).
func (c *ClusterCore) ReplicateFrom(ctx context.Context, primaryID cluster.NodeID) error {
	primary, ok := c.Cluster.Registry.Get(primaryID)
	if !ok {
		return fmt.Errorf("core: unknown primary %x", primaryID)
	}
	myself := c.Cluster.Myself()
	myself.RemoveFlag(cluster.FlagPrimary)
	myself.AddFlag(cluster.FlagReplica)
	myself.ReplicaOf = primaryID

	go c.runReplicaConn(ctx, primary)
	return nil
}

// runReplicaConn dials primary's client port, drives the handshake
// sequence, applies whichever PSYNC outcome comes back, and then holds
// the connection open with the steady-state ack loop (§4.10).
func (c *ClusterCore) runReplicaConn(ctx context.Context, primary *cluster.Node) {
	ip := primary.ClientIPv4
	if ip == nil {
		ip = primary.PeerIP
	}
	if ip == nil {
		c.Log.WithField("primary", primary.ID).Warn("replica connect failed: no known address")
		return
	}
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(primary.ClientPort))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		c.Log.WithField("primary", primary.ID).WithError(err).Warn("replica connect failed")
		return
	}
	defer conn.Close()
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	me := c.Cluster.Myself()
	cfg := replication.HandshakeConfig{
		ListenPort:   me.ClientPort,
		Capabilities: []string{"eof", "psync2"},
		Version:      "1",
	}
	reply, err := c.Replica.BeginHandshake(ctx, rw, cfg)
	if err != nil {
		c.Log.WithField("primary", primary.ID).WithError(err).Warn("replication handshake failed")
		return
	}

	if !c.applyPSyncReply(rw.Reader, reply) {
		return
	}

	if err := replication.AckLoop(ctx, rw, time.Second, func() uint64 { return c.Replica.ReplOffset }, nil); err != nil {
		c.Log.WithField("primary", primary.ID).WithError(err).Debug("replica ack loop ended")
	}
}

// applyPSyncReply dispatches on the primary's PSYNC reply, draining a
// full-resync RDB snapshot off the wire when one follows. Returns false
// if the reply leaves the link unusable.
func (c *ClusterCore) applyPSyncReply(r *bufio.Reader, reply *resp.Value) bool {
	outcome, line := replication.ClassifyPSyncReply(reply)
	fields := strings.Fields(line)

	switch outcome {
	case replication.OutcomeContinue:
		newReplID := ""
		if len(fields) >= 2 {
			newReplID = fields[1]
		}
		c.Replica.ApplyContinue(newReplID)
		return true
	case replication.OutcomeFullResync:
		if len(fields) < 3 {
			return false
		}
		offset, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return false
		}
		c.Replica.ApplyFullResync(fields[1], offset)
		if err := c.receiveFullResync(r); err != nil {
			c.Log.WithError(err).Warn("full resync transfer failed")
			return false
		}
		c.Replica.State = replication.StateConnected
		return true
	default:
		c.Log.WithField("reply", line).Warn("unsupported PSYNC reply, dropping replication link")
		return false
	}
}

// receiveFullResync consumes the RDB bulk-string snapshot that follows a
// FULLRESYNC reply. Loading it into the keyspace is out of scope (§1);
// this only drains it off the wire so the connection can move on to
// steady-state acks.
func (c *ClusterCore) receiveFullResync(r *bufio.Reader) error {
	_, err := resp.Decode(r)
	return err
}

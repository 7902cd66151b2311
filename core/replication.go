package core

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/nodecore/clustercore/internal/resp"
	"github.com/nodecore/clustercore/replication"
)

// RDBSource is a placeholder for the opaque keyspace-snapshot encoder
// (§1 Out of scope): a full resync can't actually transfer data until a
// real snapshot engine is wired in here.
var RDBSource = func() ([]byte, error) { return nil, nil }

// ServeReplication accepts replica connections on ln until ctx is
// cancelled. It is the client-port analogue of Serve's cluster-bus
// accept loop: PSYNC admission (§4.11) needs a reader for every
// connecting replica, not just the cluster-bus links Serve handles.
func (c *ClusterCore) ServeReplication(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		go c.handleReplicaConn(ctx, conn)
	}
}

// handleReplicaConn implements the primary side of the replication
// handshake: PING/REPLCONF are answered inline; PSYNC hands the
// connection off to runPSync and never returns to this loop.
func (c *ClusterCore) handleReplicaConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	id := conn.RemoteAddr().String()
	var req replication.PSyncRequest

	for {
		v, err := resp.Decode(rw.Reader)
		if err != nil {
			return
		}
		args := v.Args()
		if len(args) == 0 {
			continue
		}
		switch strings.ToUpper(args[0]) {
		case "PING":
			writeReply(rw, resp.NewSimpleString("PONG"))
		case "REPLCONF":
			applyReplconf(&req, args[1:])
			writeReply(rw, resp.NewSimpleString("OK"))
		case "PSYNC":
			parsePSyncArgs(&req, args[1:])
			c.runPSync(ctx, rw, conn, id, req)
			return
		}
	}
}

func parsePSyncArgs(req *replication.PSyncRequest, args []string) {
	if len(args) < 2 {
		return
	}
	req.ReplID = args[0]
	if args[1] == "?" {
		req.HasOffset = false
		return
	}
	if off, err := strconv.ParseUint(args[1], 10, 64); err == nil {
		req.HasOffset = true
		req.Offset = off
	}
}

func applyReplconf(req *replication.PSyncRequest, args []string) {
	if len(args) == 0 || strings.ToLower(args[0]) != "capa" {
		return
	}
	for _, capability := range args[1:] {
		switch strings.ToLower(capability) {
		case "eof":
			req.SupportsEOF = true
		case "dual-channel":
			req.SupportsDualChan = true
		}
	}
}

func writeReply(rw *bufio.ReadWriter, v *resp.Value) {
	rw.Write(v.Encode())
	rw.Flush()
}

// runPSync implements §4.11's partial/full/dual-channel branch and then
// streams from the backlog for as long as the connection stays open.
func (c *ClusterCore) runPSync(ctx context.Context, rw *bufio.ReadWriter, conn net.Conn, id string, req replication.PSyncRequest) {
	if c.Primary.CanPartialResync(req) {
		if rep, err := c.Primary.AdmitPartialResync(id, req, false); err == nil {
			writeReply(rw, resp.NewSimpleString("CONTINUE "+c.Primary.ReplID))
			c.streamReplica(ctx, conn, rep)
			return
		}
	}

	if req.SupportsDualChan && c.Primary.DenyPartialResync(req) {
		// The paired RDB connection this implies is out of scope here
		// (§1); the caller is left without a streaming path.
		writeReply(rw, resp.NewSimpleString("DUALCHANNELSYNC"))
		return
	}

	rep := c.Primary.BeginFullResync(id, req)
	if !c.Primary.AttachToInProgress(rep) {
		if waiting, diskless := c.Primary.StartBGSave(c.Config.DisklessReplication); len(waiting) > 0 {
			c.Primary.FinishBGSave(diskless)
		}
	}
	writeReply(rw, resp.NewSimpleString(fmt.Sprintf("FULLRESYNC %s %d", c.Primary.ReplID, c.Backlog.PrimaryOffset)))
	if data, err := RDBSource(); err != nil {
		c.Log.WithError(err).Warn("RDB source failed during full resync")
	} else {
		rw.Write(resp.NewBulkString(string(data)).Encode())
		rw.Flush()
	}
	c.Primary.CompleteSendBulk(id)
	c.streamReplica(ctx, conn, rep)
}

// streamReplica feeds backlog bytes to an attached replica once its
// cursor is seekable, and keeps trying every tick until it is: a
// freshly full-resynced replica's cursor can't attach until the backlog
// holds at least one byte past PSyncInitialOffset (§4.9).
func (c *ClusterCore) streamReplica(ctx context.Context, conn net.Conn, rep *replication.AttachedReplica) {
	defer c.Primary.DetachReplica(rep.ID)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rep.Cursor == nil {
				cur, err := c.Backlog.Seek(rep.PSyncInitialOffset + 1)
				if err != nil {
					continue
				}
				rep.Cursor = cur
			}
			data, ok := rep.Cursor.Read()
			if !ok || len(data) == 0 {
				continue
			}
			n, err := conn.Write(data)
			if err != nil {
				return
			}
			rep.Cursor.Advance(n)
		}
	}
}

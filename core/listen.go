package core

import (
	"context"
	"net"

	"github.com/nodecore/clustercore/cluster"
)

// Serve accepts cluster-bus connections on ln until ctx is cancelled,
// handing each one to a reader goroutine that feeds decoded frames into
// HandleFrame. This is the connection-reader loop HandleFrame's own doc
// comment refers to as its caller; nothing else in the process dials
// inbound cluster-bus sockets.
func (c *ClusterCore) Serve(ctx context.Context, ln net.Listener) error {
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
		link := cluster.NewLink(conn, true)
		go c.readLink(link)
	}
}

// readLink drains frames off link until it errors or the peer hangs up,
// dispatching every frame synchronously through HandleFrame. One
// goroutine per inbound connection, matching the reference's one
// read-ready callback per client socket.
func (c *ClusterCore) readLink(link *cluster.Link) {
	defer link.Free()
	for {
		frames, err := link.Recv()
		for _, f := range frames {
			c.HandleFrame(link, f)
		}
		if err != nil {
			if link.Node != nil {
				c.Log.WithField("node", link.Node.ID).WithError(err).Debug("cluster-bus link closed")
			}
			return
		}
	}
}

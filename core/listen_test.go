package core

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nodecore/clustercore/cluster"
	"github.com/nodecore/clustercore/internal/wire"
)

func TestServeDispatchesFrameFromRealConnection(t *testing.T) {
	cc := testCore(t)
	senderID := cluster.NodeID{0x09}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		cc.Serve(ctx, ln)
		close(done)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	var bm cluster.SlotBitmap
	bm.Set(7)
	f := wire.Frame{
		Header: wire.Header{
			Type:         wire.MsgPing,
			CurrentEpoch: 1,
			ConfigEpoch:  1,
			SenderID:     [wire.IDLength]byte(senderID),
			SenderSlots:  [wire.SlotBitmapBytes]byte(bm),
			SenderIP:     net.ParseIP("10.0.0.9"),
		},
	}
	buf, err := wire.Encode(f)
	require.NoError(t, err)
	_, err = conn.Write(buf)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := cc.Cluster.Registry.Get(senderID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

package cluster

import (
	"net"
	"testing"
	"time"

	"github.com/nodecore/clustercore/internal/wire"
	"github.com/stretchr/testify/require"
)

func TestLinkWriteBarrierDefersToNextGeneration(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	link := NewLink(client, false)
	frame, err := wire.Encode(wire.Frame{Header: wire.Header{Type: wire.MsgAuthReq}})
	require.NoError(t, err)
	blk := NewMessageBlock(frame)

	link.Enqueue(blk, 1)

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 256)
		server.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _ := server.Read(buf)
		close(done)
		_ = n
	}()

	wrote, drained, err := link.Flush(1, 4096)
	require.NoError(t, err)
	require.Equal(t, 0, wrote, "write barrier must not flush bytes enqueued in the same generation")
	require.False(t, drained)

	wrote, drained, err = link.Flush(2, 4096)
	require.NoError(t, err)
	require.Equal(t, len(frame), wrote)
	require.True(t, drained)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("server never observed the flushed bytes")
	}
}

func TestLinkRecvReassemblesSplitFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	link := NewLink(server, true)
	frame, err := wire.Encode(wire.Frame{Header: wire.Header{Type: wire.MsgPing, Count: 0}})
	require.NoError(t, err)

	go func() {
		client.Write(frame[:10])
		time.Sleep(20 * time.Millisecond)
		client.Write(frame[10:])
	}()

	var frames []wire.Frame
	deadline := time.Now().Add(time.Second)
	for len(frames) == 0 && time.Now().Before(deadline) {
		server.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		fs, err := link.Recv()
		frames = append(frames, fs...)
		if err != nil && len(frames) == 0 {
			continue
		}
	}
	require.Len(t, frames, 1)
	require.Equal(t, wire.MsgPing, frames[0].Header.Type)
}

func TestMessageBlockRefcounting(t *testing.T) {
	blk := NewMessageBlock([]byte("x"))
	blk.Ref()
	require.EqualValues(t, 2, blk.refs)
	require.EqualValues(t, 1, blk.Unref())
	require.EqualValues(t, 0, blk.Unref())
}

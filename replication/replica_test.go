package replication

import (
	"bufio"
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/nodecore/clustercore/internal/resp"
	"github.com/stretchr/testify/require"
)

func TestClassifyPSyncReplyCases(t *testing.T) {
	cases := []struct {
		value    *resp.Value
		expected PSyncOutcome
	}{
		{resp.NewSimpleString("CONTINUE newid123"), OutcomeContinue},
		{resp.NewSimpleString("FULLRESYNC abc123 1000"), OutcomeFullResync},
		{resp.NewSimpleString("DUALCHANNELSYNC"), OutcomeDualChannel},
		{resp.NewError("NOMASTERLINK"), OutcomeTransientRetry},
		{resp.NewError("LOADING"), OutcomeTransientRetry},
		{resp.NewError("ERR unknown"), OutcomeLegacySync},
	}
	for _, c := range cases {
		got, _ := ClassifyPSyncReply(c.value)
		require.Equal(t, c.expected, got)
	}
}

func TestApplyContinueRotatesIDsOnReplidChange(t *testing.T) {
	r := NewReplica()
	r.Cached = &CachedPrimary{ReplID: "old-replid", Offset: 1000}
	r.ReplOffset = 1000

	rotated := r.ApplyContinue("new-replid")
	require.True(t, rotated)
	require.Equal(t, "old-replid", r.SecondaryReplID)
	require.Equal(t, uint64(1001), r.SecondaryWatermark)
	require.Equal(t, "new-replid", r.Cached.ReplID)
	require.Equal(t, StateConnected, r.State)
}

func TestApplyContinueNoRotationWhenReplidUnchanged(t *testing.T) {
	r := NewReplica()
	r.Cached = &CachedPrimary{ReplID: "same", Offset: 1000}

	rotated := r.ApplyContinue("same")
	require.False(t, rotated)
	require.Empty(t, r.SecondaryReplID)
}

func TestApplyFullResyncEntersTransfer(t *testing.T) {
	r := NewReplica()
	r.ApplyFullResync("replid-x", 2500)
	require.Equal(t, StateTransfer, r.State)
	require.Equal(t, uint64(2500), r.ReplOffset)
	require.Equal(t, "replid-x", r.Cached.ReplID)
}

// TestDualChannelScenarioS2 exercises S2: primary replies
// DUALCHANNELSYNC, the replica buffers incremental bytes until the RDB
// connection finishes loading, then drains into steady state.
func TestDualChannelScenarioS2(t *testing.T) {
	r := NewReplica()
	r.ApplyFullResync("replid-y", 2500)

	r.BufferDualChannelBytes([]byte("incrA"))
	r.BufferDualChannelBytes([]byte("incrB"))

	drained := r.DrainDualChannelBuffer()
	require.Equal(t, "incrAincrB", string(drained))
	require.Equal(t, StateConnected, r.State)
	require.Empty(t, r.pendingDualChannel)
}

func TestRDBReceiverLengthPrefixed(t *testing.T) {
	payload := []byte("some rdb bytes here")
	src := bufio.NewReader(bytes.NewReader(payload))
	var dest bytes.Buffer
	var sunk bytes.Buffer

	err := RDBReceiver(context.Background(), src, EOFByLength, "", &dest, func(b []byte) error {
		sunk.Write(b)
		return nil
	}, 0, nil, nil)
	require.NoError(t, err)
	require.Equal(t, payload, dest.Bytes())
	require.Equal(t, payload, sunk.Bytes())
}

func TestRDBReceiverDelimiterDetectsEOF(t *testing.T) {
	delim := "0123456789abcdef0123456789abcdef01234567"
	payload := append([]byte("rdbdata"), []byte(delim)...)
	src := bufio.NewReader(bytes.NewReader(payload))
	var dest bytes.Buffer

	err := RDBReceiver(context.Background(), src, EOFByDelimiter, delim, &dest, nil, 0, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "rdbdata", dest.String())
}

func TestAckLoopSendsPeriodicAcks(t *testing.T) {
	var buf bytes.Buffer
	rw := bufio.NewReadWriter(bufio.NewReader(&bytes.Buffer{}), bufio.NewWriter(&buf))
	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	offset := uint64(100)
	err := AckLoop(ctx, rw, 5*time.Millisecond, func() uint64 { return offset }, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Contains(t, buf.String(), "REPLCONF")
	require.Contains(t, buf.String(), "ACK")
}

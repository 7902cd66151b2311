package cluster

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.conf")

	cf, err := OpenConfigFile(path)
	require.NoError(t, err)
	defer cf.Close()

	reg := NewRegistry()
	a := NewNode(NodeID{0x01})
	a.ClientIPv4 = net.ParseIP("10.0.0.1")
	a.ClientPort = 6379
	a.ClusterPort = 16379
	a.Flags = FlagPrimary | FlagMyself
	a.ConfigEpoch = 5
	a.Hostname = "node-a"
	a.Name = "alpha"
	a.AddSlotLocal(0)
	a.AddSlotLocal(1)
	a.AddSlotLocal(2)
	a.AddSlotLocal(100)
	a.MigratingTo[2] = NodeID{0x02}
	reg.Insert(a)

	b := NewNode(NodeID{0x02})
	b.ClientIPv4 = net.ParseIP("10.0.0.2")
	b.ClientPort = 6380
	b.ClusterPort = 16380
	b.Flags = FlagReplica
	b.ReplicaOf = NodeID{0x01}
	b.ImportingFrom[2] = NodeID{0x01}
	reg.Insert(b)

	require.NoError(t, cf.Save(reg, 10, 3, true))

	reg2 := NewRegistry()
	ce, lv, err := cf.Load(reg2)
	require.NoError(t, err)
	require.Equal(t, uint64(10), ce)
	require.Equal(t, uint64(3), lv)

	got, ok := reg2.Get(NodeID{0x01})
	require.True(t, ok)
	require.Equal(t, a.ClientPort, got.ClientPort)
	require.Equal(t, a.ClusterPort, got.ClusterPort)
	require.True(t, got.Slots.Test(0))
	require.True(t, got.Slots.Test(1))
	require.True(t, got.Slots.Test(2))
	require.True(t, got.Slots.Test(100))
	require.False(t, got.Slots.Test(3))
	require.Equal(t, NodeID{0x02}, got.MigratingTo[2])
	require.Equal(t, "node-a", got.Hostname)
	require.Equal(t, "alpha", got.Name)
	require.True(t, got.HasFlag(FlagPrimary))

	gotB, ok := reg2.Get(NodeID{0x02})
	require.True(t, ok)
	require.True(t, gotB.HasFlag(FlagReplica))
	require.Equal(t, NodeID{0x01}, gotB.ReplicaOf)
	require.Equal(t, NodeID{0x01}, gotB.ImportingFrom[2])
}

func TestOpenConfigFileLockIsExclusive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.conf")

	cf1, err := OpenConfigFile(path)
	require.NoError(t, err)
	defer cf1.Close()

	_, err = OpenConfigFile(path)
	require.Error(t, err)
	var ce *CoreError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, ErrLockFatal, ce.Kind)
}

package core

import (
	"context"
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/nodecore/clustercore/cluster"
	"github.com/nodecore/clustercore/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.AddFlags(flags)
	require.NoError(t, flags.Parse(nil))
	c, err := config.Load(viper.New(), flags)
	require.NoError(t, err)
	return c
}

func TestNewWiresMyselfIntoRegistry(t *testing.T) {
	cfg := testConfig(t)
	myself := cluster.NodeID{0x01}
	cc := New(myself, cfg, nil, nil)

	require.Equal(t, myself, cc.Cluster.MyselfID)
	n, ok := cc.Cluster.Registry.Get(myself)
	require.True(t, ok)
	require.True(t, n.HasFlag(cluster.FlagPrimary))
	require.True(t, n.HasFlag(cluster.FlagMyself))
}

func TestNewPropagatesConfigKnobsToEpochAndFailover(t *testing.T) {
	cfg := testConfig(t)
	cfg.AllowUnconsensusEpochBump = false
	cfg.AllowReplicaMigration = true
	cfg.MigrationBarrier = 3

	cc := New(cluster.NodeID{0x02}, cfg, nil, nil)
	require.False(t, cc.Epoch.AllowUnconsensusEpochBump)
	require.True(t, cc.Epoch.AllowReplicaMigration)
	require.Equal(t, 3, cc.Failover.MigrationBarrier)
}

func TestCronRunsWithoutPanicking(t *testing.T) {
	cfg := testConfig(t)
	cc := New(cluster.NodeID{0x03}, cfg, nil, nil)
	cc.Cron(context.Background())
	cc.IOWorkers.Shutdown()
}

func TestRandomReplIDIsFortyHexChars(t *testing.T) {
	id := randomReplID()
	require.Len(t, id, 40)
	for _, c := range id {
		require.Contains(t, "0123456789abcdef", string(c))
	}
}

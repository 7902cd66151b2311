package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(flags)
	require.NoError(t, flags.Parse(nil))

	c, err := Load(viper.New(), flags)
	require.NoError(t, err)

	require.Equal(t, 15*time.Second, c.NodeTimeout)
	require.Equal(t, 6380+10000, c.ClusterBusPort)
	require.Equal(t, 30*time.Second, c.AuthTimeout, "derived max(2*node_timeout, 2000ms)")
	require.True(t, c.AllowUnconsensusEpochBump)
	require.False(t, c.AllowReplicaMigration)
	require.Equal(t, "info", c.LogLevel)
	require.Equal(t, "default", c.ClusterName)
}

func TestLoadRespectsOverrides(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(flags)
	require.NoError(t, flags.Parse([]string{
		"--node-timeout=2s",
		"--cluster-bus-port=7000",
		"--allow-unconsensus-epoch-bump=false",
	}))

	c, err := Load(viper.New(), flags)
	require.NoError(t, err)

	require.Equal(t, 2*time.Second, c.NodeTimeout)
	require.Equal(t, 7000, c.ClusterBusPort)
	require.Equal(t, 4*time.Second, c.AuthTimeout, "2*node_timeout exceeds the 2000ms floor")
	require.False(t, c.AllowUnconsensusEpochBump)
}

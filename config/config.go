// Package config implements C13's process configuration: pflag-defined
// flags bound into a viper instance, producing the timing, sizing, and
// operator-knob values every other component reads.
package config

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the resolved process configuration, populated by Load.
type Config struct {
	NodeTimeout           time.Duration
	PingInterval          time.Duration // 0 means derive node_timeout/2
	BacklogSize           uint64
	ReplicaValidityFactor float64
	MigrationBarrier      int
	AuthTimeout           time.Duration
	ReplicaMigrationDelay time.Duration
	MFTimeout             time.Duration

	// AllowUnconsensusEpochBump gates EpochEngine.BumpEpochWithoutConsensus
	// (Open Question O1): defaults true to match the reference's always-on
	// behavior, exposed so an operator can close the transient-collision
	// window entirely.
	AllowUnconsensusEpochBump bool

	// AllowReplicaMigration gates cross-shard shard-level promotion
	// (§4.7's Shard-level promotion rule).
	AllowReplicaMigration bool

	DisklessReplication bool

	ClientPort int
	ClusterBusPort int // 0 means ClientPort+10000

	ConfigFilePath string
	NodeID         string
	ClusterName    string

	ControlPlaneBindAddr string
	ControlPlaneJWTSecret string
	GRPCBindAddr          string

	LogLevel string
}

// AddFlags registers every C13 flag on flags, mirroring the teacher's
// component-owns-its-flags convention (cluster.ClusterSniffer.AddFlags).
func AddFlags(flags *pflag.FlagSet) {
	flags.Duration("node-timeout", 15*time.Second, "time before a silent node is marked PFAIL")
	flags.Duration("ping-interval", 0, "cluster-bus ping interval; 0 derives node-timeout/2")
	flags.Uint64("backlog-size", 1<<20, "replication backlog size in bytes")
	flags.Float64("replica-validity-factor", 10, "multiplier on node-timeout for the replica data-age gate")
	flags.Int("migration-barrier", 1, "minimum healthy replicas a primary must retain before one may migrate away")
	flags.Duration("auth-timeout", 0, "election auth_timeout; 0 derives max(2*node-timeout, 2000ms)")
	flags.Duration("replica-migration-delay", 10*time.Second, "how long a primary must be orphaned before migration is considered")
	flags.Duration("mf-timeout", 5*time.Second, "manual failover handshake timeout")
	flags.Bool("allow-unconsensus-epoch-bump", true, "allow bump_epoch_without_consensus after slot import/forced failover")
	flags.Bool("allow-replica-migration", false, "allow cross-shard replica migration on shard-level promotion")
	flags.Bool("diskless-replication", true, "stream RDB directly to sockets instead of a temp file when all replicas support EOF")
	flags.Int("client-port", 6380, "client-facing port")
	flags.Int("cluster-bus-port", 0, "cluster-bus port; 0 derives client-port+10000")
	flags.String("config-file", "nodes.conf", "path to the persisted node configuration file")
	flags.String("node-id", "", "override this node's generated id (testing only)")
	flags.String("cluster-name", "default", "cluster name the control plane serves under")
	flags.String("control-plane-bind", "127.0.0.1:8080", "HTTP control-plane bind address")
	flags.String("control-plane-jwt-secret", "", "HMAC secret for control-plane JWT bearer auth")
	flags.String("grpc-bind", "127.0.0.1:9090", "gRPC snapshot-stream bind address")
	flags.String("log-level", "info", "logrus level: debug, info, warn, error")
}

// Load binds flags into v and resolves a Config. flags must already be
// parsed.
func Load(v *viper.Viper, flags *pflag.FlagSet) (*Config, error) {
	if err := v.BindPFlags(flags); err != nil {
		return nil, err
	}
	v.SetEnvPrefix("CLUSTERCORE")
	v.AutomaticEnv()

	c := &Config{
		NodeTimeout:               v.GetDuration("node-timeout"),
		PingInterval:              v.GetDuration("ping-interval"),
		BacklogSize:               v.GetUint64("backlog-size"),
		ReplicaValidityFactor:     v.GetFloat64("replica-validity-factor"),
		MigrationBarrier:          v.GetInt("migration-barrier"),
		AuthTimeout:               v.GetDuration("auth-timeout"),
		ReplicaMigrationDelay:     v.GetDuration("replica-migration-delay"),
		MFTimeout:                 v.GetDuration("mf-timeout"),
		AllowUnconsensusEpochBump: v.GetBool("allow-unconsensus-epoch-bump"),
		AllowReplicaMigration:     v.GetBool("allow-replica-migration"),
		DisklessReplication:       v.GetBool("diskless-replication"),
		ClientPort:                v.GetInt("client-port"),
		ClusterBusPort:            v.GetInt("cluster-bus-port"),
		ConfigFilePath:            v.GetString("config-file"),
		NodeID:                    v.GetString("node-id"),
		ClusterName:               v.GetString("cluster-name"),
		ControlPlaneBindAddr:      v.GetString("control-plane-bind"),
		ControlPlaneJWTSecret:     v.GetString("control-plane-jwt-secret"),
		GRPCBindAddr:              v.GetString("grpc-bind"),
		LogLevel:                  v.GetString("log-level"),
	}
	if c.ClusterBusPort == 0 {
		c.ClusterBusPort = c.ClientPort + 10000
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = effectiveAuthTimeout(c.NodeTimeout)
	}
	return c, nil
}

func effectiveAuthTimeout(nodeTimeout time.Duration) time.Duration {
	t := 2 * nodeTimeout
	const floor = 2000 * time.Millisecond
	if t < floor {
		return floor
	}
	return t
}

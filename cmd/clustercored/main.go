// Command clustercored runs one cluster-bus node: it loads the persisted
// node table (if any), starts the cluster-bus listener, the HTTP control
// plane, and the gRPC snapshot stream, then drives the cron loop until a
// termination signal arrives.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nodecore/clustercore/cluster"
	"github.com/nodecore/clustercore/config"
	"github.com/nodecore/clustercore/core"
	"github.com/nodecore/clustercore/internal/wire"
	"github.com/nodecore/clustercore/server"
)

func main() {
	flags := pflag.NewFlagSet("clustercored", pflag.ExitOnError)
	config.AddFlags(flags)
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg, err := config.Load(viper.New(), flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	logEntry := log.NewEntry(log.StandardLogger())

	myself, err := resolveNodeID(cfg.NodeID)
	if err != nil {
		logEntry.WithError(err).Error("invalid --node-id")
		os.Exit(1)
	}

	cf, err := cluster.OpenConfigFile(cfg.ConfigFilePath)
	if err != nil {
		logEntry.WithError(err).Error("cannot acquire node-config lock")
		os.Exit(1)
	}
	defer cf.Close()

	transport := cluster.NewTCPTransport()
	cc := core.New(myself, cfg, logEntry, transport)

	currentEpoch, lastVoteEpoch, err := cf.Load(cc.Cluster.Registry)
	if err != nil {
		logEntry.WithError(err).Error("cannot load node-config file")
		os.Exit(1)
	}
	cc.Cluster.CurrentEpoch = currentEpoch
	cc.Cluster.LastVoteEpoch = lastVoteEpoch
	if n, ok := cc.Cluster.Registry.Get(myself); ok {
		n.AddFlag(cluster.FlagMyself)
	}
	cc.Cluster.RecomputeSize()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	busLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ClusterBusPort))
	if err != nil {
		logEntry.WithError(err).Error("cannot bind cluster-bus listener")
		os.Exit(1)
	}
	go func() {
		if err := cc.Serve(ctx, busLn); err != nil {
			logEntry.WithError(err).Warn("cluster-bus listener stopped")
		}
	}()

	replLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ClientPort))
	if err != nil {
		logEntry.WithError(err).Error("cannot bind replication listener")
		os.Exit(1)
	}
	go func() {
		if err := cc.ServeReplication(ctx, replLn); err != nil {
			logEntry.WithError(err).Warn("replication listener stopped")
		}
	}()

	srv := server.New(cc, cfg.ClusterName)
	srv.Ctx = ctx
	httpSrv := &http.Server{
		Addr:              cfg.ControlPlaneBindAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logEntry.WithField("addr", cfg.ControlPlaneBindAddr).Info("control plane listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logEntry.WithError(err).Error("control plane stopped")
		}
	}()

	grpcLn, err := net.Listen("tcp", cfg.GRPCBindAddr)
	if err != nil {
		logEntry.WithError(err).Error("cannot bind gRPC listener")
		os.Exit(1)
	}
	grpcSrv := server.NewGRPCServer(srv)
	go func() {
		logEntry.WithField("addr", cfg.GRPCBindAddr).Info("gRPC snapshot stream listening")
		if err := grpcSrv.Serve(grpcLn); err != nil {
			logEntry.WithError(err).Warn("gRPC server stopped")
		}
	}()

	go cc.Run(ctx, 100*time.Millisecond)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	s := <-sigs
	logEntry.WithField("signal", s).Info("shutting down")

	cancel()
	grpcSrv.GracefulStop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)

	if err := cf.Save(cc.Cluster.Registry, cc.Cluster.CurrentEpoch, cc.Cluster.LastVoteEpoch, true); err != nil {
		logEntry.WithError(err).Error("final config save failed")
		os.Exit(1)
	}
}

// resolveNodeID decodes an operator-supplied hex id (testing/recovery
// only) or mints a fresh random one, the same 40-byte identifier shape
// cluster.NewNode expects everywhere else.
func resolveNodeID(hexID string) (cluster.NodeID, error) {
	var id cluster.NodeID
	if hexID == "" {
		if _, err := rand.Read(id[:]); err != nil {
			return id, err
		}
		return id, nil
	}
	b, err := hex.DecodeString(hexID)
	if err != nil || len(b) != wire.IDLength {
		return id, fmt.Errorf("node id %q must be %d hex bytes", hexID, wire.IDLength)
	}
	copy(id[:], b)
	return id, nil
}

// Command master runs the Master coordinator: it brings up the configured
// slave mesh, maintains the root chain, and serves client/peer fan-out
// operations once the cluster is ready.
//
// The JSON-RPC and P2P front ends that would sit in front of the Master are
// out of scope here (see internal/network's doc comment); this binary wires
// the orchestrator itself, returns an error if bring-up fails, and after a
// successful bring-up starts the slave health monitor and runs until an
// interrupt signal or an unexpected Master shutdown, then shuts down.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dreamware/quarkmaster/internal/cluster"
	"github.com/dreamware/quarkmaster/internal/config"
	"github.com/dreamware/quarkmaster/internal/master"
	"github.com/dreamware/quarkmaster/internal/network"
	"github.com/dreamware/quarkmaster/internal/rootstate"
	"github.com/dreamware/quarkmaster/internal/storage"
	"github.com/dreamware/quarkmaster/internal/wire"
)

const dialRetryDelay = 2 * time.Second
const proofOfProgressBlocks = 1
const healthCheckInterval = 5 * time.Second

var env = config.DefaultEnv()

var rootCmd = &cobra.Command{
	Use:   "master",
	Short: "Run the Master coordinator for a sharded cluster",
	RunE:  run,
}

func init() {
	flags := rootCmd.Flags()
	flags.Int("server_port", env.ServerPort, "P2P listen port")
	flags.Bool("enable_local_server", env.EnableLocalServer, "enable the JSON-RPC front end")
	flags.Int("local_port", env.LocalPort, "JSON-RPC port")
	flags.String("seed_host", env.SeedHost, "bootstrap peer host")
	flags.Int("seed_port", env.SeedPort, "bootstrap peer port")
	flags.Int("node_port", env.NodePort, "intra-cluster RPC port")
	flags.String("cluster_config", env.ClusterConfig, "path to the cluster configuration JSON")
	flags.Bool("in_memory_db", env.InMemoryDB, "use an in-memory store for root-chain state")
	flags.String("db_path", env.DBPath, "filesystem path for root-chain state (wiped clean on start)")
	flags.String("log_level", env.LogLevel, "logrus level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Fatal("master exited with error")
	}
}

func run(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	logLevel, _ := flags.GetString("log_level")
	clusterConfigPath, _ := flags.GetString("cluster_config")

	log := logrus.New()
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	cfg, err := cluster.LoadClusterConfig(clusterConfigPath)
	if err != nil {
		return err
	}

	// The root-chain store always starts empty regardless of
	// --in_memory_db/--db_path, so an in-memory store satisfies either
	// setting; the flags exist for an operator-facing contract this
	// component honors without needing two code paths.
	store := storage.NewMemoryStore()
	rootState := rootstate.NewPersistentRootState(store, 1)

	net := network.NewFakeNetwork()

	shardSize := cfg.ShardSizeOrDefault()
	m := master.New(shardSize, wire.Dial, dialRetryDelay, proofOfProgressBlocks, rootState, net, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bringUpErrCh := make(chan error, 1)
	go func() {
		bringUpErrCh <- m.BringUp(ctx, *cfg)
	}()

	select {
	case err := <-bringUpErrCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	log.WithFields(logrus.Fields{"slaves": len(cfg.Slaves), "shard_size": shardSize}).Info("master ready")

	go m.StartHealthMonitor(ctx, healthCheckInterval)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case <-m.ShutdownDone():
		log.Warn("master shut down unexpectedly")
	}

	m.Shutdown(nil)
	return nil
}

// Command schedulerd runs one peer of the deployment scheduling core:
// raft-backed leader election, the group repository, the scheduler core,
// and the deployment manager, wired the same way the teacher's cmd/warren
// wires manager+scheduler+reconciler+api under one cobra root command.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimbusorch/scheduler/internal/backoff"
	"github.com/nimbusorch/scheduler/internal/config"
	"github.com/nimbusorch/scheduler/internal/coremetrics"
	"github.com/nimbusorch/scheduler/internal/corelog"
	"github.com/nimbusorch/scheduler/internal/deploymgr"
	"github.com/nimbusorch/scheduler/internal/election"
	"github.com/nimbusorch/scheduler/internal/events"
	"github.com/nimbusorch/scheduler/internal/executor"
	"github.com/nimbusorch/scheduler/internal/grouprepo"
	"github.com/nimbusorch/scheduler/internal/healthchecks"
	"github.com/nimbusorch/scheduler/internal/launchqueue"
	"github.com/nimbusorch/scheduler/internal/orch"
	"github.com/nimbusorch/scheduler/internal/schedactions"
	"github.com/nimbusorch/scheduler/internal/schedcore"
	"github.com/nimbusorch/scheduler/internal/trackerhub"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

// logDriver is the ReconcileDriver this demo binary wires in: submitting
// task statuses to an actual orchestration backend is out of this core's
// scope, so it just logs what the core would have sent.
type logDriver struct{}

func (logDriver) ReconcileTasks(ctx context.Context, statuses []orch.Task) error {
	if len(statuses) == 0 {
		return nil
	}
	logger := corelog.WithComponent("logdriver")
	logger.Info().Int("count", len(statuses)).Msg("reconcile: task statuses submitted")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "schedulerd",
	Short:   "Deployment scheduling core",
	Long:    "schedulerd runs the scheduler core, deployment manager, and leader election for one peer of the cluster.",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("schedulerd version %s\nCommit: %s\n", Version, Commit))
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start this peer and block until signalled",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		bootstrap, _ := cmd.Flags().GetBool("bootstrap")
		etcdEndpoint, _ := cmd.Flags().GetString("etcd-endpoint")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		configPath, _ := cmd.Flags().GetString("config")

		policy := backoff.DefaultPolicy
		instancesDBPath := ""
		logLevel := corelog.InfoLevel

		if configPath != "" {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			nodeID, bindAddr, dataDir, bootstrap = cfg.Raft.NodeID, cfg.Raft.BindAddr, cfg.Raft.DataDir, cfg.Raft.Bootstrap
			if len(cfg.Etcd.Endpoints) > 0 {
				etcdEndpoint = cfg.Etcd.Endpoints[0]
			}
			jsonLogs = cfg.Log.JSONOutput
			logLevel = cfg.Log.Level
			metricsAddr = cfg.Metrics.ListenAddr
			instancesDBPath = cfg.Storage.InstancesDBPath
			policy = cfg.Backoff.Policy()
		}

		corelog.Init(corelog.Config{Level: logLevel, JSONOutput: jsonLogs})
		log := corelog.WithComponent("schedulerd")

		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}

		var tracker *trackerhub.MemTracker
		if instancesDBPath != "" {
			persistent, closeTracker, err := trackerhub.NewPersistentMemTracker(instancesDBPath)
			if err != nil {
				return fmt.Errorf("open instance snapshot: %w", err)
			}
			defer closeTracker()
			tracker = persistent
		} else {
			tracker = trackerhub.NewMemTracker()
		}
		queue := launchqueue.NewMemQueue()
		health := healthchecks.NewMemManager()
		bus := events.NewBus()

		var repo grouprepo.Repository
		if etcdEndpoint != "" {
			etcdRepo, err := grouprepo.NewEtcdRepository([]string{etcdEndpoint})
			if err != nil {
				return fmt.Errorf("dial group repository: %w", err)
			}
			defer etcdRepo.Close()
			repo = etcdRepo
		} else {
			repo = &grouprepo.StaticRepository{Group: nil}
		}

		planRepo, err := deploymgr.NewBoltRepository(dataDir)
		if err != nil {
			return fmt.Errorf("open deployment repository: %w", err)
		}
		defer planRepo.Close()

		exec := executor.New(tracker, queue, health, bus, policy)
		manager := deploymgr.New(planRepo, exec)
		actions := &schedactions.Actions{Tracker: tracker, Queue: queue}

		elect, err := election.New(election.Config{
			NodeID:    nodeID,
			BindAddr:  bindAddr,
			DataDir:   dataDir,
			Bootstrap: bootstrap,
		})
		if err != nil {
			return fmt.Errorf("start election service: %w", err)
		}

		core := schedcore.New(schedcore.Config{
			Manager:  manager,
			Actions:  actions,
			Repo:     repo,
			Health:   health,
			Queue:    queue,
			Election: elect.Events(),
			Driver:   logDriver{},
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go elect.Run(ctx)
		go core.Run(ctx)

		metricsSrv := &http.Server{Addr: metricsAddr, Handler: coremetrics.Handler()}
		errCh := make(chan error, 1)
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()

		log.Info().Str("node_id", nodeID).Str("bind_addr", bindAddr).Str("metrics_addr", metricsAddr).Msg("schedulerd running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info().Msg("shutdown signal received")
		case err := <-errCh:
			log.Error().Err(err).Msg("metrics server failed")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)

		if err := elect.Shutdown(); err != nil {
			log.Error().Err(err).Msg("election shutdown error")
		}

		log.Info().Msg("shutdown complete")
		return nil
	},
}

func init() {
	runCmd.Flags().String("node-id", "scheduler-1", "Unique node ID for raft")
	runCmd.Flags().String("bind-addr", "127.0.0.1:7946", "Address for raft communication")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve Prometheus metrics on")
	runCmd.Flags().String("data-dir", "./schedulerd-data", "Data directory for raft and deployment state")
	runCmd.Flags().Bool("bootstrap", false, "Bootstrap a new single-node raft cluster")
	runCmd.Flags().String("etcd-endpoint", "", "etcd endpoint serving the group tree; empty uses a static empty tree")
	runCmd.Flags().Bool("json-logs", false, "Emit structured JSON logs instead of console output")
	runCmd.Flags().String("config", "", "Path to a YAML config file overriding the flags above")
}

package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"

	"github.com/syt100/bastion/internal/agentclient"
	"github.com/syt100/bastion/internal/agentclient/offline"
	"github.com/syt100/bastion/internal/cron"
	"github.com/syt100/bastion/internal/log"
	"github.com/syt100/bastion/internal/protocol"
	"github.com/syt100/bastion/internal/supervisor"
	"github.com/syt100/bastion/internal/targetstore"
)

func newAgentCommand() *cobra.Command {
	var hubURL, dataDir, enrollToken, name string
	var devLog bool

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Start an agent that executes backup runs for a hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), hubURL, dataDir, enrollToken, name, devLog)
		},
	}
	cmd.Flags().StringVar(&hubURL, "hub-url", "", "base URL of the hub (required for first enrollment)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "/var/lib/bastion-agent", "agent data directory")
	cmd.Flags().StringVar(&enrollToken, "enroll-token", "", "enrollment token, needed only when no identity exists yet")
	cmd.Flags().StringVar(&name, "name", "", "display name to enroll under")
	cmd.Flags().BoolVar(&devLog, "dev-log", false, "use console log output instead of JSON")
	return cmd
}

func runAgent(ctx context.Context, hubURL, dataDir, enrollToken, name string, devLog bool) error {
	opts := log.ProductionOptions()
	if devLog {
		opts = log.DevelopmentOptions()
	}
	logger := log.NewLogger(opts).WithName("agent")

	if v := os.Getenv(agentDataDirEnvVar); v != "" {
		dataDir = v
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return errors.Wrapf(err, "create data dir %s", dataDir)
	}

	identity, err := loadOrEnroll(ctx, hubURL, dataDir, enrollToken, name)
	if err != nil {
		return err
	}
	logger.Info("agent identity ready", "agent_id", identity.AgentID, "hub_url", identity.HubURL)

	runner := &agentclient.BuildRunner{
		StageDir: filepath.Join(dataDir, "stage"),
		Log:      logger.WithName("runbuilder"),
	}

	sched := &offline.Scheduler{
		DataDir: dataDir,
		AgentID: identity.AgentID,
		Runner:  runner,
		Targets: targetstore.ResolveFromSecrets,
		Cron:    cron.NewCache(),
		Log:     logger.WithName("offline"),
	}
	if err := seedSchedulerFromDisk(dataDir, sched); err != nil {
		logger.Error(err, "load persisted snapshots, starting with an empty job set")
	}

	client := &agentclient.Client{
		Identity:     identity,
		Runner:       runner,
		Targets:      targetstore.ResolveFromSecrets,
		NodeID:       identity.AgentID,
		Capabilities: []string{"backup_run_v1"},
		Log:          logger.WithName("client"),
		OnConfigSnapshot: func(snap protocol.ConfigSnapshot) {
			if err := offline.SaveConfigSnapshot(dataDir, snap); err != nil {
				logger.Error(err, "persist config snapshot", "snapshot_id", snap.SnapshotID)
			}
			jobs, err := offline.DecodeSnapshotJobs(&snap)
			if err != nil {
				logger.Error(err, "decode config snapshot", "snapshot_id", snap.SnapshotID)
				return
			}
			sched.SetJobs(jobs)
		},
		OnSecretsSnapshot: func(snap protocol.SecretsSnapshot) {
			if err := offline.SaveSecretsSnapshot(dataDir, snap); err != nil {
				logger.Error(err, "persist secrets snapshot", "snapshot_id", snap.SnapshotID)
			}
			secrets, err := offline.DecodeSnapshotSecrets(&snap)
			if err != nil {
				logger.Error(err, "decode secrets snapshot", "snapshot_id", snap.SnapshotID)
				return
			}
			sched.SetSecrets(secrets)
		},
	}
	client.OnConnected = func() {
		go func() {
			if err := offline.Sync(ctx, nil, identity.HubURL, identity.AgentKey, dataDir); err != nil {
				logger.Error(err, "drain offline runs")
			}
		}()
	}

	sup := supervisor.New(ctx, logger.WithName("supervisor"))
	sup.Spawn("hub-connection", client.Run)
	sup.Spawn("offline-cron", func(ctx context.Context) {
		runOfflineCron(ctx, client, sched)
	})

	<-sup.Context().Done()
	logger.Info("shutting down")
	sup.Shutdown(supervisor.DefaultShutdownGrace)

	if cause := sup.Cause(); cause != nil && cause != context.Canceled {
		return errors.Wrap(cause, "agent stopped")
	}
	return nil
}

const agentDataDirEnvVar = "BASTION_AGENT_DATA_DIR"

// loadOrEnroll returns the persisted identity, enrolling against the hub
// first if this agent has none yet.
func loadOrEnroll(ctx context.Context, hubURL, dataDir, enrollToken, name string) (*agentclient.Identity, error) {
	path := agentclient.IdentityPath(dataDir)
	identity, err := agentclient.LoadIdentity(path)
	if err != nil {
		return nil, err
	}
	if identity != nil {
		return identity, nil
	}

	if hubURL == "" {
		return nil, errors.New("no identity found: --hub-url is required to enroll")
	}
	if enrollToken == "" {
		return nil, errors.New("no identity found: --enroll-token is required to enroll")
	}
	identity, err = agentclient.Enroll(ctx, nil, hubURL, enrollToken, name, time.Now().Unix())
	if err != nil {
		return nil, err
	}
	if err := agentclient.SaveIdentity(path, identity); err != nil {
		return nil, err
	}
	return identity, nil
}

// seedSchedulerFromDisk loads the last persisted config/secrets snapshots
// so a restarted agent keeps its schedule before (or without) ever
// reconnecting.
func seedSchedulerFromDisk(dataDir string, sched *offline.Scheduler) error {
	confSnap, err := offline.LoadConfigSnapshot(dataDir)
	if err != nil {
		return err
	}
	jobs, err := offline.DecodeSnapshotJobs(confSnap)
	if err != nil {
		return err
	}
	sched.SetJobs(jobs)

	secSnap, err := offline.LoadSecretsSnapshot(dataDir)
	if err != nil {
		return err
	}
	secrets, err := offline.DecodeSnapshotSecrets(secSnap)
	if err != nil {
		return err
	}
	sched.SetSecrets(secrets)
	return nil
}

// runOfflineCron ticks the offline scheduler on every minute boundary,
// skipping minutes where the hub connection is live — a connected agent's
// runs are dispatched by the hub's own scheduler, and double-firing the
// same job from both sides would violate the overlap policy.
func runOfflineCron(ctx context.Context, client *agentclient.Client, sched *offline.Scheduler) {
	for {
		now := time.Now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}
		if client.Connected() {
			continue
		}
		sched.Tick(ctx, next)
	}
}

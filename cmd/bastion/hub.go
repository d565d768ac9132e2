package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/syt100/bastion/internal/agentmanager"
	"github.com/syt100/bastion/internal/config"
	"github.com/syt100/bastion/internal/deferredqueue"
	"github.com/syt100/bastion/internal/eventbus"
	"github.com/syt100/bastion/internal/httpapi"
	"github.com/syt100/bastion/internal/jobspec"
	"github.com/syt100/bastion/internal/log"
	"github.com/syt100/bastion/internal/notify"
	"github.com/syt100/bastion/internal/scheduler"
	"github.com/syt100/bastion/internal/secretsvault"
	"github.com/syt100/bastion/internal/store"
	"github.com/syt100/bastion/internal/supervisor"
	"github.com/syt100/bastion/internal/targetstore"
	"github.com/syt100/bastion/internal/worker"
)

const deferredQueuePollInterval = 15 * time.Second

func newHubCommand() *cobra.Command {
	var cfgPath string
	var devLog bool

	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Start the central hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHub(cmd.Context(), cfgPath, devLog)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to the hub's YAML configuration")
	cmd.Flags().BoolVar(&devLog, "dev-log", false, "use console log output instead of JSON")
	return cmd
}

func runHub(ctx context.Context, cfgPath string, devLog bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	opts := log.ProductionOptions()
	if devLog {
		opts = log.DevelopmentOptions()
	}
	logger := log.NewLogger(opts).WithName("hub")

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return errors.Wrapf(err, "create data dir %s", cfg.DataDir)
	}

	db, err := store.Open(ctx, cfg.DBPath())
	if err != nil {
		return err
	}
	defer db.Close()

	vault, err := secretsvault.LoadOrCreate(cfg.DataDir)
	if err != nil {
		return err
	}

	jobs := store.NewJobsRepo(db)
	runs := store.NewRunsRepo(db)
	runEvents := store.NewRunEventsRepo(db)
	agentTasks := store.NewAgentTasksRepo(db)
	agents := store.NewAgentsRepo(db)
	secrets := store.NewSecretsRepo(db, vault)
	deleteRepo := store.NewArtifactDeleteTasksRepo(db)
	cleanupRepo := store.NewIncompleteCleanupTasksRepo(db)
	notifications := store.NewNotificationsRepo(db)
	notifier := notify.New(notifications, logger.WithName("notify"))

	bus := eventbus.New()
	manager := agentmanager.New()

	// Both deferred queues perform the same side effect: resolve the
	// run's persisted target snapshot back to a concrete store and delete
	// the run's collection there.
	deleteFromSnapshot := func(ctx context.Context, task *store.DeferredTask) error {
		snap := task.TargetSnapshot
		target, err := targetstore.Resolve(ctx, secrets, snap.NodeID, jobspec.Target{
			Kind:       snap.Kind,
			SecretName: snap.SecretName,
			BasePath:   snap.BasePath,
		})
		if err != nil {
			return err
		}
		return target.DeleteRun(ctx, task.JobID, task.RunID)
	}
	deleteQueue := deferredqueue.New(deleteRepo, deleteFromSnapshot, logger.WithName("artifact-delete"))
	cleanupQueue := deferredqueue.New(cleanupRepo, deleteFromSnapshot, logger.WithName("incomplete-cleanup"))

	sched := scheduler.New(jobs, runs, runEvents, bus, logger.WithName("scheduler"), cfg.RunRetentionDays, cfg.IncompleteCleanupDays)

	w := &worker.Worker{
		Runs:       runs,
		Jobs:       jobs,
		AgentTasks: agentTasks,
		RunEvents:  runEvents,
		Secrets:    secrets,
		Agents:     manager,
		Bus:        bus,
		Targets: func(ctx context.Context, nodeID string, target jobspec.Target) (targetstore.Store, error) {
			return targetstore.Resolve(ctx, secrets, nodeID, target)
		},
		Runner: &worker.BuildRunner{
			StageDir: filepath.Join(cfg.DataDir, "stage"),
			Secrets:  secrets,
			Log:      logger.WithName("runbuilder"),
		},
		Notifier: notifier,
		OnArtifactStored: func(ctx context.Context, run *store.Run, snap store.TargetSnapshot) error {
			return deleteQueue.Enqueue(ctx, &store.DeferredTask{
				RunID:          run.ID,
				JobID:          run.JobID,
				NodeID:         snap.NodeID,
				TargetType:     snap.Kind,
				TargetSnapshot: snap,
			})
		},
		Log:    logger.WithName("worker"),
		Notify: sched.Notify,
	}

	api := httpapi.New(agents, jobs, runs, runEvents, agentTasks, secrets, manager, bus, cfg.EnrollmentToken, logger.WithName("httpapi"))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", api.Router())
	srv := &http.Server{Addr: cfg.Bind, Handler: mux}

	sup := supervisor.New(ctx, logger.WithName("supervisor"))
	sup.Spawn("worker", w.Run)
	sup.Spawn("cron", sched.RunCronLoop)
	sup.Spawn("retention", sched.RunRetentionLoop)
	sup.Spawn("incomplete-cleanup-sweep", func(ctx context.Context) {
		sched.RunIncompleteCleanupLoop(ctx, func(ctx context.Context, run *store.Run) error {
			if run.TargetSnapshot == nil {
				// Never reached the target; nothing remote to clean up.
				return nil
			}
			return cleanupQueue.Enqueue(ctx, &store.DeferredTask{
				RunID:          run.ID,
				JobID:          run.JobID,
				NodeID:         run.TargetSnapshot.NodeID,
				TargetType:     run.TargetSnapshot.Kind,
				TargetSnapshot: *run.TargetSnapshot,
			})
		})
	})
	sup.Spawn("artifact-delete-queue", func(ctx context.Context) {
		deleteQueue.Run(ctx, deferredQueuePollInterval)
	})
	sup.Spawn("incomplete-cleanup-queue", func(ctx context.Context) {
		cleanupQueue.Run(ctx, deferredQueuePollInterval)
	})

	// The listener runs under the supervisor like every other loop: if
	// ListenAndServe fails (bind in use, socket error), the errgroup
	// returns while the token is still live, which the supervisor treats
	// as an unexpected exit and cancels the whole hub.
	sup.Spawn("http", func(ctx context.Context) {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logger.Info("hub listening", "bind", cfg.Bind)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, "serve http")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		if err := g.Wait(); err != nil {
			logger.Error(err, "http server stopped")
		}
	})

	<-sup.Context().Done()
	logger.Info("shutting down", "grace", cfg.ShutdownGrace.String())

	if clean := sup.Shutdown(cfg.ShutdownGrace); !clean {
		logger.Info("shutdown grace elapsed before every loop exited")
	}

	if cause := sup.Cause(); cause != nil && cause != context.Canceled {
		return errors.Wrap(cause, "hub stopped")
	}
	return nil
}

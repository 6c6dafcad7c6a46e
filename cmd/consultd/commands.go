package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"anamnesis-pipeline-go/internal/aggregator"
	"anamnesis-pipeline-go/internal/api"
	"anamnesis-pipeline-go/internal/dataset"
	"anamnesis-pipeline-go/internal/store"
	"anamnesis-pipeline-go/internal/worker"
)

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(cmd.Context())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.ErrOrStderr(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func (a *app) newPool() (*worker.Pool, error) {
	return worker.New(a.orch, a.tracker, worker.Config{
		Concurrency: a.cfg.Worker.Concurrency,
		Buffer:      a.cfg.Worker.QueueBuffer,
		ResyncSpec:  a.cfg.Worker.ResyncSpec,
	}, a.log)
}

func newServeCmd() *cobra.Command {
	var (
		port      int
		noWorkers bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API with an in-process worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, true)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()

			var sched api.Scheduler
			if !noWorkers {
				pool, err := a.newPool()
				if err != nil {
					return err
				}
				if err := pool.Start(ctx); err != nil {
					return err
				}
				defer pool.Stop()
				sched = pool
			}
			if port <= 0 {
				port = a.cfg.Server.Port
			}
			return api.Start(ctx, api.StartOpts{
				Deps: api.Deps{DB: a.db, Jobs: a.tracker, Files: a.files, Scheduler: sched, Log: a.log},
				Port: port,
			})
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (defaults to config)")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "accept uploads without processing them here")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process queued jobs until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, true)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()

			pool, err := a.newPool()
			if err != nil {
				return err
			}
			if err := pool.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			pool.Stop()
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
			if err != nil {
				return err
			}
			if err := store.AutoMigrate(db); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %d tables (%s)\n", len(store.AllModels()), cfg.Database.Driver)
			return nil
		},
	}
}

func newImportCmd() *cobra.Command {
	var (
		user   string
		dryRun bool
		queue  bool
	)
	cmd := &cobra.Command{
		Use:   "import <manifest.xlsx>",
		Short: "Queue one job per row of an xlsx manifest",
		Long: `Reads a manifest whose header has consultation and audio columns, plus
optional type and notes columns. Each valid row's audio is copied into
storage and a job is created for it. Jobs run immediately unless --queue is
set, in which case a worker or server picks them up.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := dataset.LoadManifest(args[0])
			if err != nil {
				return err
			}
			out := json.NewEncoder(cmd.OutOrStdout())
			out.SetIndent("", "  ")
			if dryRun {
				return out.Encode(dataset.Summarize(entries))
			}

			a, err := newApp(cmd, true)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()

			im := &dataset.Importer{DB: a.db, Jobs: a.tracker, Files: a.files, UserID: user, Log: a.log}
			if !queue {
				im.Dispatch = worker.Inline{Runner: a.orch}
			}
			rep, err := im.Import(ctx, entries)
			if encErr := out.Encode(rep); encErr != nil && err == nil {
				err = encErr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id recorded on created jobs")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "summarize the manifest without importing")
	cmd.Flags().BoolVar(&queue, "queue", false, "only queue the jobs")
	return cmd
}

func newRetryCmd() *cobra.Command {
	var (
		user  string
		queue bool
	)
	cmd := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Create a new job from a finished one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, true)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()

			job, err := a.tracker.Retry(ctx, args[0], user)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s queued (retry of %s)\n", job.ID, args[0])
			if queue {
				return nil
			}
			if err := a.orch.Run(ctx, worker.RequestFromJob(*job)); err != nil {
				return err
			}
			view, err := a.tracker.View(ctx, job.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s %s at %s (%d%%)\n", view.ID, view.Status, view.Step, view.Progress)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id recorded on the new job")
	cmd.Flags().BoolVar(&queue, "queue", false, "only queue the job")
	return cmd
}

func newStatsCmd() *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize recent job outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, false)
			if err != nil {
				return err
			}
			recent, err := a.tracker.Since(cmd.Context(), time.Now().Add(-since))
			if err != nil {
				return err
			}
			out := json.NewEncoder(cmd.OutOrStdout())
			out.SetIndent("", "  ")
			return out.Encode(aggregator.Aggregate(recent))
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "window of job creation times to include")
	return cmd
}

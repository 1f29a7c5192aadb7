package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ClearPeaks/knime-audit/internal/adapters/outboxrelay"
	"github.com/ClearPeaks/knime-audit/internal/adapters/retention"
	"github.com/ClearPeaks/knime-audit/internal/data"
	"github.com/ClearPeaks/knime-audit/internal/domain/model"
)

func runListOutbox(cmdCtx *commandContext, args []string) error {
	opts, err := parseListFlags("list-outbox", args, false)
	if err != nil {
		return err
	}
	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		repo := data.NewOutboxRepo(db)
		pending, countErr := repo.CountPending(ctx)
		if countErr != nil {
			return fmt.Errorf("count pending outbox entries: %w", countErr)
		}
		rows, listErr := repo.ListPending(ctx, opts.Limit)
		if listErr != nil {
			return fmt.Errorf("list outbox: %w", listErr)
		}
		if opts.JSON {
			return writeJSON(os.Stdout, rows)
		}
		return printOutbox(os.Stdout, rows, pending, time.Now())
	})
}

func printOutbox(w io.Writer, rows []*model.OutboxEntry, pending int, now time.Time) error {
	if err := writef(w, "%s pending audit event(s)\n", humanize.Comma(int64(pending))); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writeln(tw, "JOB ID\tATTEMPTS\tSIZE\tQUEUED\tNEXT ATTEMPT\tLAST ERROR"); err != nil {
		return err
	}
	for _, e := range rows {
		if err := writef(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			e.JobID,
			e.Attempts,
			humanize.IBytes(uint64(len(e.Payload))),
			humanize.RelTime(e.CreatedAt, now, "ago", "from now"),
			humanize.RelTime(e.NextAttemptAt, now, "ago", "from now"),
			truncate(deref(e.LastError), 60),
		); err != nil {
			return err
		}
	}
	return tw.Flush()
}

type runOnceOptions struct {
	Timeout time.Duration
}

func parseRunOnceFlags(name string, args []string) (runOnceOptions, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := runOnceOptions{Timeout: defaultMigrationTimeout}
	fs.DurationVar(&opts.Timeout, "timeout", defaultMigrationTimeout, "Maximum duration of the pass")
	if err := fs.Parse(args); err != nil {
		return runOnceOptions{}, err
	}
	if opts.Timeout <= 0 {
		return runOnceOptions{}, errors.New("--timeout must be greater than zero")
	}
	return opts, nil
}

func runRelayOutbox(cmdCtx *commandContext, args []string) error {
	opts, err := parseRunOnceFlags("relay-outbox", args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	db, redisClient, err := connectInfra(&connectInfraOptions{
		Logger:    cmdCtx.Logger,
		Config:    &cmdCtx.Config,
		WantRedis: true,
	})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeInfra(db, redisClient); closeErr != nil {
			cmdCtx.Logger.Warn("close infrastructure failed", "error", closeErr)
		}
	}()

	runner, err := outboxrelay.NewRunner(outboxrelay.RunnerOptions{
		DB:          db,
		RedisClient: redisClient,
		Config:      cmdCtx.Config.OutboxRelay,
		Bus:         cmdCtx.Config.Bus,
		Logger:      cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("create outbox relay: %w", err)
	}

	stats, err := runner.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("relay outbox: %w", err)
	}
	return writef(os.Stdout, "claimed %d, delivered %d, failed %d\n", stats.Claimed, stats.Delivered, stats.Failed)
}

func runRetentionSweep(cmdCtx *commandContext, args []string) error {
	opts, err := parseRunOnceFlags("retention-sweep", args)
	if err != nil {
		return err
	}
	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		runner, runnerErr := retention.NewRunner(retention.RunnerOptions{
			DB:     db,
			Config: cmdCtx.Config.Retention,
			Logger: cmdCtx.Logger,
		})
		if runnerErr != nil {
			return fmt.Errorf("create retention runner: %w", runnerErr)
		}
		if sweepErr := runner.Sweep(ctx); sweepErr != nil {
			return fmt.Errorf("retention sweep: %w", sweepErr)
		}
		cmdCtx.Logger.Info("retention sweep completed")
		return nil
	})
}

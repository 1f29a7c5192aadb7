package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ClearPeaks/knime-audit/internal/core"
	"github.com/ClearPeaks/knime-audit/internal/data"
	"github.com/ClearPeaks/knime-audit/internal/domain/model"
	apperrors "github.com/ClearPeaks/knime-audit/internal/errors"
)

type listOptions struct {
	Limit   int
	Offset  int
	Status  model.OutcomeStatus
	JSON    bool
	Timeout time.Duration
}

func parseListFlags(name string, args []string, withStatus bool) (listOptions, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := listOptions{Limit: defaultListLimit, Timeout: defaultCommandTimeout}
	var status string
	fs.IntVar(&opts.Limit, "limit", defaultListLimit, "Maximum number of rows to print")
	fs.IntVar(&opts.Offset, "offset", 0, "Number of rows to skip")
	fs.BoolVar(&opts.JSON, "json", false, "Print rows as JSON instead of a table")
	fs.DurationVar(&opts.Timeout, "timeout", defaultCommandTimeout, "Maximum duration of the query")
	if withStatus {
		fs.StringVar(&status, "status", "", "Only list outcomes with this status (delivered, partial, dead_lettered)")
	}

	if err := fs.Parse(args); err != nil {
		return listOptions{}, err
	}
	if opts.Limit <= 0 {
		return listOptions{}, errors.New("--limit must be greater than zero")
	}
	if opts.Offset < 0 {
		return listOptions{}, errors.New("--offset must not be negative")
	}
	if opts.Timeout <= 0 {
		return listOptions{}, errors.New("--timeout must be greater than zero")
	}
	if status = strings.TrimSpace(status); status != "" {
		opts.Status = model.OutcomeStatus(strings.ToLower(status))
		if !opts.Status.Valid() {
			return listOptions{}, fmt.Errorf("invalid --status %q", status)
		}
	}
	return opts, nil
}

func runListDeadLetters(cmdCtx *commandContext, args []string) error {
	opts, err := parseListFlags("list-dead-letters", args, false)
	if err != nil {
		return err
	}
	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		rows, listErr := data.NewDeadLetterRepo(db).List(ctx, opts.Limit, opts.Offset)
		if listErr != nil {
			return fmt.Errorf("list dead letters: %w", listErr)
		}
		if opts.JSON {
			return writeJSON(os.Stdout, rows)
		}
		return printDeadLetters(os.Stdout, rows, time.Now())
	})
}

func printDeadLetters(w io.Writer, rows []*model.DeadLetter, now time.Time) error {
	if len(rows) == 0 {
		return writeln(w, "No dead letters.")
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writeln(tw, "JOB ID\tSTAGE\tKIND\tATTEMPTS\tDETECTED\tERROR"); err != nil {
		return err
	}
	for _, dl := range rows {
		if err := writef(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			dl.JobID,
			dl.Stage,
			dl.Kind,
			dl.Attempts,
			humanize.RelTime(dl.DetectedAt, now, "ago", "from now"),
			truncate(dl.LastError, 80),
		); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func runListOutcomes(cmdCtx *commandContext, args []string) error {
	opts, err := parseListFlags("list-outcomes", args, true)
	if err != nil {
		return err
	}
	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		rows, listErr := data.NewOutcomeRepo(db).List(ctx, core.OutcomeListOptions{
			Status: opts.Status,
			Limit:  opts.Limit,
			Offset: opts.Offset,
		})
		if listErr != nil {
			return fmt.Errorf("list outcomes: %w", listErr)
		}
		if opts.JSON {
			return writeJSON(os.Stdout, rows)
		}
		return printOutcomes(os.Stdout, rows, time.Now())
	})
}

func printOutcomes(w io.Writer, rows []*model.Outcome, now time.Time) error {
	if len(rows) == 0 {
		return writeln(w, "No outcomes.")
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writeln(tw, "JOB ID\tSTATUS\tDELIVERY\tRECORDED\tBACKUP"); err != nil {
		return err
	}
	for _, o := range rows {
		if err := writef(tw, "%s\t%s\t%s\t%s\t%s\n",
			o.JobID,
			o.Status,
			deref(o.Delivery),
			humanize.RelTime(o.RecordedAt, now, "ago", "from now"),
			deref(o.BackupPath),
		); err != nil {
			return err
		}
	}
	return tw.Flush()
}

type jobOptions struct {
	JobID       string
	Yes         bool
	AllowRemote bool
	Timeout     time.Duration
}

func parseJobFlags(name string, args []string, destructive bool) (jobOptions, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := jobOptions{Timeout: defaultCommandTimeout}
	fs.StringVar(&opts.JobID, "job-id", "", "Execution server job id")
	fs.DurationVar(&opts.Timeout, "timeout", defaultCommandTimeout, "Maximum duration of the command")
	if destructive {
		fs.BoolVar(&opts.Yes, "yes", false, "Skip the confirmation prompt")
		fs.BoolVar(&opts.AllowRemote, "allow-remote", false, "Allow running against a non-local database host")
	}

	if err := fs.Parse(args); err != nil {
		return jobOptions{}, err
	}
	opts.JobID = strings.TrimSpace(opts.JobID)
	if opts.JobID == "" {
		return jobOptions{}, errors.New("--job-id is required")
	}
	if opts.Timeout <= 0 {
		return jobOptions{}, errors.New("--timeout must be greater than zero")
	}
	return opts, nil
}

func runShowOutcome(cmdCtx *commandContext, args []string) error {
	opts, err := parseJobFlags("show-outcome", args, false)
	if err != nil {
		return err
	}
	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		outcome, getErr := data.NewOutcomeRepo(db).Get(ctx, opts.JobID)
		if apperrors.IsNotFound(getErr) {
			return writef(os.Stdout, "No outcome recorded for job %s.\n", opts.JobID)
		}
		if getErr != nil {
			return fmt.Errorf("get outcome: %w", getErr)
		}
		return printOutcomeDetail(os.Stdout, outcome)
	})
}

func printOutcomeDetail(w io.Writer, o *model.Outcome) error {
	lines := []string{
		"Job:       " + o.JobID,
		"Status:    " + string(o.Status),
		"Detected:  " + o.DetectedAt.UTC().Format(time.RFC3339),
		"Recorded:  " + o.RecordedAt.UTC().Format(time.RFC3339),
		"Delivery:  " + deref(o.Delivery),
		"Event key: " + deref(o.EventKey),
		"Backup:    " + deref(o.BackupPath),
	}
	for _, line := range lines {
		if err := writeln(w, line); err != nil {
			return err
		}
	}

	var stages []model.StageReport
	if len(o.Stages) > 0 {
		if err := json.Unmarshal(o.Stages, &stages); err != nil {
			return fmt.Errorf("decode stage reports: %w", err)
		}
	}
	if len(stages) == 0 {
		return nil
	}

	if err := writeln(w, "\nStages:"); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, st := range stages {
		if err := writef(tw, "  %s\t%s\t%s\t%s\n", st.Stage, st.Status, st.Kind, truncate(st.Error, 80)); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func runForgetJob(cmdCtx *commandContext, args []string) error {
	opts, err := parseJobFlags("forget-job", args, true)
	if err != nil {
		return err
	}
	if guardErr := guardRemoteHost(cmdCtx, opts.AllowRemote, "delete the outcome of job "+opts.JobID); guardErr != nil {
		return guardErr
	}
	if confirmErr := confirmAction(os.Stdin, os.Stdout, opts.Yes,
		fmt.Sprintf("forget job %s (outcome and dead letters)", opts.JobID)); confirmErr != nil {
		return confirmErr
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		res, forgetErr := forgetJob(ctx, data.NewOutcomeRepo(db), data.NewDeadLetterRepo(db), opts.JobID)
		if forgetErr != nil {
			return forgetErr
		}
		cmdCtx.Logger.Info("job forgotten",
			"job_id", opts.JobID,
			"outcome_deleted", res.OutcomeDeleted,
			"dead_letters_deleted", res.DeadLettersDeleted)
		return nil
	})
}

type forgetResult struct {
	OutcomeDeleted     bool
	DeadLettersDeleted int
}

// forgetJob removes the idempotency record of a job so the next detection of
// the same id runs the full pipeline again.
func forgetJob(
	ctx context.Context,
	outcomes core.OutcomeRepository,
	deadLetters core.DeadLetterRepository,
	jobID string,
) (forgetResult, error) {
	deleted, err := outcomes.Delete(ctx, jobID)
	if err != nil {
		return forgetResult{}, fmt.Errorf("delete outcome: %w", err)
	}
	n, err := deadLetters.DeleteByJobID(ctx, jobID)
	if err != nil {
		return forgetResult{OutcomeDeleted: deleted}, fmt.Errorf("delete dead letters: %w", err)
	}
	return forgetResult{OutcomeDeleted: deleted, DeadLettersDeleted: n}, nil
}

type rewindOptions struct {
	Name        string
	Offset      int64
	Yes         bool
	AllowRemote bool
	Timeout     time.Duration
}

func parseRewindFlags(args []string, defaultName string) (rewindOptions, error) {
	fs := flag.NewFlagSet("rewind-cursor", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := rewindOptions{Timeout: defaultCommandTimeout}
	fs.StringVar(&opts.Name, "name", defaultName, "Cursor name")
	fs.Int64Var(&opts.Offset, "offset", 0, "Byte offset to resume reading from")
	fs.BoolVar(&opts.Yes, "yes", false, "Skip the confirmation prompt")
	fs.BoolVar(&opts.AllowRemote, "allow-remote", false, "Allow running against a non-local database host")
	fs.DurationVar(&opts.Timeout, "timeout", defaultCommandTimeout, "Maximum duration of the command")

	if err := fs.Parse(args); err != nil {
		return rewindOptions{}, err
	}
	opts.Name = strings.TrimSpace(opts.Name)
	if opts.Name == "" {
		return rewindOptions{}, errors.New("--name is required")
	}
	if opts.Offset < 0 {
		return rewindOptions{}, errors.New("--offset must not be negative")
	}
	if opts.Timeout <= 0 {
		return rewindOptions{}, errors.New("--timeout must be greater than zero")
	}
	return opts, nil
}

func runRewindCursor(cmdCtx *commandContext, args []string) error {
	opts, err := parseRewindFlags(args, cmdCtx.Config.Tailer.CursorName)
	if err != nil {
		return err
	}
	if guardErr := guardRemoteHost(cmdCtx, opts.AllowRemote, "move tailer cursor "+opts.Name); guardErr != nil {
		return guardErr
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		repo := data.NewCursorRepo(db)
		cur, loadErr := repo.Load(ctx, opts.Name)
		if loadErr != nil {
			return fmt.Errorf("load cursor: %w", loadErr)
		}

		action := fmt.Sprintf("move cursor %s on %s from offset %s to %s (the pipeline must be stopped)",
			cur.Name, cur.FilePath, humanize.Comma(cur.Offset), humanize.Comma(opts.Offset))
		if confirmErr := confirmAction(os.Stdin, os.Stdout, opts.Yes, action); confirmErr != nil {
			return confirmErr
		}

		cur.Offset = opts.Offset
		cur.UpdatedAt = time.Time{}
		if saveErr := repo.Save(ctx, *cur); saveErr != nil {
			return fmt.Errorf("save cursor: %w", saveErr)
		}
		cmdCtx.Logger.Info("cursor moved", "name", cur.Name, "file", cur.FilePath, "offset", cur.Offset)
		return nil
	})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func truncate(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

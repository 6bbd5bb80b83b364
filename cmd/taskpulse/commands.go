package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/taskpulse/internal/app"
	"github.com/ent0n29/taskpulse/internal/credential"
	"github.com/ent0n29/taskpulse/internal/history"
	"github.com/ent0n29/taskpulse/internal/logging"
	"github.com/ent0n29/taskpulse/internal/protocol"
	"github.com/ent0n29/taskpulse/internal/tasks"
)

var errNoHistorySource = errors.New("no history source configured: set TASKPULSE_HISTORY_URL or TASKPULSE_HISTORY_DATABASE_URL")

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream task notifications until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, _ := cmd.Flags().GetString("task")
		noAPI, _ := cmd.Flags().GetBool("no-api")
		return runWatch(cmd.Context(), cmd.OutOrStdout(), strings.TrimSpace(taskID), noAPI)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print recently updated tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		hours, _ := cmd.Flags().GetInt("hours")
		limit, _ := cmd.Flags().GetInt("limit")
		op, _ := cmd.Flags().GetString("operation")
		all, _ := cmd.Flags().GetBool("all")
		asJSON, _ := cmd.Flags().GetBool("json")
		return runHistory(cmd.Context(), cmd.OutOrStdout(), hours, limit, strings.TrimSpace(op), all, asJSON)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Print the server's current status for one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return runStatus(cmd.Context(), cmd.OutOrStdout(), args[0], asJSON)
	},
}

func runWatch(ctx context.Context, out io.Writer, taskID string, noAPI bool) error {
	c := cfg
	if noAPI {
		c.BindAddr = ""
	}
	a, err := app.Build(ctx, c, logging.Default())
	if err != nil {
		return err
	}

	r := newRenderer(out)
	snaps, stopWatch := a.Store.Watch()
	defer stopWatch()

	if taskID != "" {
		unsubscribe := a.Subscriptions.Subscribe(taskID, r.event)
		defer unsubscribe()
	}

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		n := newNotifier(r)
		for snap := range snaps {
			n.update(snap)
		}
	}()

	err = a.Run(ctx)
	// The store closes every watch channel on shutdown.
	<-printed
	if errors.Is(err, credential.ErrInteractionRequired) || errors.Is(err, credential.ErrNoCredential) {
		return fmt.Errorf("sign in again and retry: %w", err)
	}
	return err
}

func historySource(ctx context.Context) (tasks.HistorySource, func(), error) {
	switch {
	case cfg.HistoryDatabaseURL != "":
		src, err := history.NewPostgresSource(ctx, cfg.HistoryDatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return src, func() { _ = src.Close() }, nil
	case cfg.HistoryURL != "":
		return historyClient(), func() {}, nil
	default:
		return nil, nil, errNoHistorySource
	}
}

func historyClient() *history.Client {
	creds := credential.FromConfig(cfg.Token, cfg.TokenFile)
	return history.NewClient(cfg.HistoryURL, creds, history.WithLogger(logging.Default()))
}

func runHistory(ctx context.Context, out io.Writer, hours, limit int, op string, all, asJSON bool) error {
	window := cfg.HistoryWindow()
	if hours > 0 {
		window.Lookback = time.Duration(hours) * time.Hour
	}
	if limit > 0 {
		window.Limit = limit
	}

	var (
		events []protocol.TaskStatus
		err    error
	)
	switch {
	case (op != "" || all) && cfg.HistoryURL == "":
		return errors.New("--operation and --all need TASKPULSE_HISTORY_URL")
	case op != "":
		events, err = historyClient().ByOperation(ctx, tasks.OperationKind(op))
	case all:
		events, err = historyClient().AllTasks(ctx)
	default:
		src, closeSrc, srcErr := historySource(ctx)
		if srcErr != nil {
			return srcErr
		}
		defer closeSrc()
		events, err = src.RecentTasks(ctx, window)
	}
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	}
	r := newRenderer(out)
	shown := 0
	for _, ev := range events {
		if ev.Validate() != nil {
			continue
		}
		r.record(tasks.NewRecord(ev))
		shown++
	}
	if shown == 0 {
		if all || op != "" {
			r.note("no tasks")
		} else {
			r.note("no tasks in the last " + window.Lookback.String())
		}
	}
	return nil
}

func runStatus(ctx context.Context, out io.Writer, taskID string, asJSON bool) error {
	if cfg.HistoryURL == "" {
		return errors.New("status needs TASKPULSE_HISTORY_URL")
	}
	ev, err := historyClient().Task(ctx, strings.TrimSpace(taskID))
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(ev)
	}
	newRenderer(out).record(tasks.NewRecord(ev))
	return nil
}

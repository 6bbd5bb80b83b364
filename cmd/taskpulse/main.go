// Command taskpulse follows background task progress from the task server
// and surfaces finished tasks as notifications.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/taskpulse/internal/config"
	"github.com/ent0n29/taskpulse/internal/logging"
)

var version = "dev"

var (
	configPath string
	cfg        config.Config
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer logging.Flush(2 * time.Second)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}

var rootCmd = &cobra.Command{
	Use:   "taskpulse",
	Short: "Follow background task status in real time",
	Long: `taskpulse keeps a websocket open to the task server, tracks every task
it reports and raises a notification when one finishes.

Configuration comes from TASKPULSE_* environment variables over an optional
taskpulse.yaml file.

Examples:
  taskpulse watch                  # Stream notifications and serve the local API
  taskpulse watch --task 7f3a      # Also print every event for one task
  taskpulse history --hours 6      # Print tasks updated in the last 6 hours
  taskpulse status 7f3a            # Print the server's view of one task`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		_, err = logging.Init(logging.Config{
			Level:     logging.ParseLevel(cfg.LogLevel),
			Format:    cfg.LogFormat,
			SentryDSN: cfg.SentryDSN,
			Env:       cfg.Env,
			Version:   version,
			LogFile:   cfg.LogFile,
		})
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a taskpulse.yaml config file")

	watchCmd.Flags().String("task", "", "also print every event for this task id")
	watchCmd.Flags().Bool("no-api", false, "do not serve the local HTTP API")

	historyCmd.Flags().Int("hours", 0, "lookback window in hours (default from config)")
	historyCmd.Flags().Int("limit", 0, "maximum number of tasks (default from config)")
	historyCmd.Flags().String("operation", "", "only list tasks of this operation kind")
	historyCmd.Flags().Bool("all", false, "list every task the server holds, ignoring --hours")
	historyCmd.Flags().Bool("json", false, "print raw JSON")

	statusCmd.Flags().Bool("json", false, "print raw JSON")

	rootCmd.AddCommand(watchCmd, historyCmd, statusCmd, versionCmd)
}

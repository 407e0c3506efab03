// Command sv is the SemperVigil CLI: schema migration, worker
// processes, job queue administration, source management, CVE sync,
// event maintenance, and site publishing.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sempervigil/sempervigil/internal/config"
	"github.com/sempervigil/sempervigil/internal/ingest"
	"github.com/sempervigil/sempervigil/internal/ops"
	"github.com/sempervigil/sempervigil/internal/storage"
	"github.com/sempervigil/sempervigil/internal/storage/sqlite"
	"github.com/sempervigil/sempervigil/internal/telemetry"
)

// Build metadata, stamped via -ldflags at release time.
var (
	version = "dev"
	commit  = ""
)

var (
	dbPathFlag  string
	jsonOutput  bool
	verboseFlag bool
	quietFlag   bool

	// Signal-aware context for graceful cancellation.
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "sv",
	Short: "SemperVigil news and vulnerability intelligence",
	Long: `SemperVigil ingests feeds, syncs CVEs from NVD, correlates both into
events, and publishes a static site. Work flows through a durable job
queue in the database; 'sv worker' runs the processes that execute it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			return err
		}
		if dbPathFlag != "" {
			config.Set("db", dbPathFlag)
		}
		if jsonOutput {
			config.Set("json", true)
		} else {
			jsonOutput = config.GetBool("json")
		}
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "run", Title: "Running The System:"},
		&cobra.Group{ID: "queue", Title: "Job Queue:"},
		&cobra.Group{ID: "content", Title: "Sources & Content:"},
		&cobra.Group{ID: "admin", Title: "Administration:"},
	)

	rootCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "Database path (default: <data-dir>/sempervigil.db)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output (errors only)")
}

// newLogger builds the process logger honoring --verbose/--quiet and
// the log-level / log-json startup keys.
func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(config.GetString("log-level")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verboseFlag {
		level = slog.LevelDebug
	}
	if quietFlag {
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if config.GetBool("log-json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openStore opens the database, applying pending migrations. Telemetry
// wrapping is applied when OTel is enabled so every command's storage
// calls are measured the same way the workers' are.
func openStore(ctx context.Context) (storage.Storage, func(), error) {
	s, err := sqlite.New(ctx, config.DBPath())
	if err != nil {
		return nil, nil, err
	}
	closer := func() { _ = s.Close() }
	if telemetry.Enabled() {
		return telemetry.WrapStorage(s), closer, nil
	}
	return s, closer, nil
}

// withService opens the store, assembles the admin service, and runs fn.
// Every administrative subcommand goes through here so store lifecycle
// and error-to-exit-code mapping live in one place.
func withService(fn func(ctx context.Context, svc *ops.Service) error) error {
	store, closeStore, err := openStore(rootCtx)
	if err != nil {
		return err
	}
	defer closeStore()

	log := newLogger(os.Stderr)
	runner := ingest.NewRunner(store, ingest.NewFetcher(log), log)
	return fn(rootCtx, ops.NewService(store, runner, log))
}

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	rootCmd.InitDefaultHelpCmd()
	if err := rootCmd.Execute(); err != nil {
		if jsonOutput {
			outputJSONError(err)
		}
		fmt.Fprintln(os.Stderr, "Error: "+errorMessage(err))
		os.Exit(exitCode(err))
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sempervigil/sempervigil/internal/config"
	"github.com/sempervigil/sempervigil/internal/events"
	"github.com/sempervigil/sempervigil/internal/ingest"
	"github.com/sempervigil/sempervigil/internal/llm"
	"github.com/sempervigil/sempervigil/internal/nvd"
	"github.com/sempervigil/sempervigil/internal/ops"
	"github.com/sempervigil/sempervigil/internal/publish"
	"github.com/sempervigil/sempervigil/internal/queue"
	"github.com/sempervigil/sempervigil/internal/secrets"
	"github.com/sempervigil/sempervigil/internal/storage"
	"github.com/sempervigil/sempervigil/internal/telemetry"
	"github.com/sempervigil/sempervigil/internal/types"
)

var (
	workerClass   string
	workerOnce    bool
	workerSlots   int
	workerWatch   bool
	workerSources string
)

var workerCmd = &cobra.Command{
	Use:     "worker",
	GroupID: "run",
	Short:   "Run a worker process",
	Long: `Runs a pool of worker slots that claim and execute jobs.

The fetch class serves ingest, content fetch, publishing, CVE sync and
event rebuilds; the llm class serves only summarization so provider
rate limits cannot starve general work. Run one process per class.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		class, err := types.ParseWorkerClass(workerClass)
		if err != nil {
			return types.Tag(types.KindValidation, err)
		}
		return runWorker(rootCtx, class)
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerClass, "class", "fetch", "Worker class: fetch or llm")
	workerCmd.Flags().BoolVar(&workerOnce, "once", false, "Drain currently claimable jobs and exit")
	workerCmd.Flags().IntVar(&workerSlots, "slots", 0, "Concurrent handler slots (default: worker.count)")
	workerCmd.Flags().BoolVar(&workerWatch, "watch-sources", false, "Watch the sources file and re-import it on change")
	workerCmd.Flags().StringVar(&workerSources, "sources-file", "", "Sources file for --watch-sources (default: <data-dir>/sources.yaml)")
	rootCmd.AddCommand(workerCmd)
}

// workerLogWriter wires log rotation when log-file is configured; the
// worker is the long-running process where unbounded logs actually hurt.
func workerLogWriter() io.Writer {
	path := config.GetString("log-file")
	if path == "" {
		return os.Stderr
	}
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // MiB
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}
	return io.MultiWriter(os.Stderr, rotator)
}

func runWorker(ctx context.Context, class types.WorkerClass) error {
	log := newLogger(workerLogWriter())

	if telemetry.Enabled() {
		if err := telemetry.Init(ctx, "sempervigil-worker", version); err != nil {
			log.Warn("telemetry init failed", "error", err)
		} else {
			defer telemetry.Shutdown(context.Background())
		}
	}

	store, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	slots := workerSlots
	if slots <= 0 {
		slots = config.GetInt("worker.count")
	}
	pool := queue.New(store, queue.Options{
		Class:         class,
		Slots:         slots,
		ShutdownGrace: config.GetDuration("worker.shutdown-grace"),
		Log:           log,
	})
	registerHandlers(pool, store, class, log)

	if workerOnce {
		n, err := pool.RunOnce(ctx)
		if err != nil {
			return err
		}
		if !quietFlag {
			fmt.Printf("Executed %d job(s)\n", n)
		}
		return nil
	}

	if workerWatch && class == types.WorkerClassFetch {
		stop, err := watchSourcesFile(ctx, store, log)
		if err != nil {
			log.Warn("sources watcher unavailable", "error", err)
		} else {
			defer stop()
		}
	}

	log.Info("worker starting",
		"class", class, "slots", slots, "worker_id", pool.WorkerID(), "db", config.DBPath())
	return pool.Run(ctx)
}

// registerHandlers binds the job types a class serves. The scan
// heartbeat is registered only on the fetch class, which is also the
// class that executes it.
func registerHandlers(pool *queue.Pool, store storage.Storage, class types.WorkerClass, log *slog.Logger) {
	if class == types.WorkerClassLLM {
		box, err := secrets.FromConfig()
		if err != nil {
			if !errors.Is(err, secrets.ErrNoMasterKey) {
				log.Warn("secrets unavailable", "error", err)
			}
			box = nil // keyless providers still work
		}
		router := llm.NewRouter(store, box, log)
		pool.Register(types.JobTypeSummarizeArticleLLM, llm.NewSummarizeArticleHandler(router))
		return
	}

	runner := ingest.NewRunner(store, ingest.NewFetcher(log), log)
	publisher := publish.NewPublisher(store, config.SiteDir(), log)
	syncer := nvd.NewSyncer(store, nvd.NewClient(log), config.GetString("nvd.api-key"), log)
	rebuilder := events.NewRebuilder(store, log)

	pool.Register(types.JobTypeIngestDueSources, queue.NewSchedulerHandler(store))
	pool.Register(types.JobTypeIngestSource, ingest.NewIngestSourceHandler(runner))
	pool.Register(types.JobTypeFetchArticleContent, ingest.NewFetchContentHandler(runner))
	pool.Register(types.JobTypeWriteArticleMarkdown, publish.NewWriteArticleMarkdownHandler(publisher))
	pool.Register(types.JobTypeBuildSite, publish.NewBuildSiteHandler(publisher))
	pool.Register(types.JobTypeBuildDailyBrief, publish.NewDailyBriefHandler(publisher))
	pool.Register(types.JobTypeCveSync, nvd.NewCveSyncHandler(syncer))
	pool.Register(types.JobTypeEventsRebuild, events.NewEventsRebuildHandler(rebuilder))

	pool.Recur(queue.NewIngestScanJob, func(rt *config.Runtime) time.Duration {
		return rt.Scheduler.IngestScanInterval()
	})
}

// watchSourcesFile re-imports the sources file whenever it changes, so
// a deploy can drop an updated sources.yaml next to the data dir and
// have the running worker pick it up. Events are debounced; editors
// produce bursts of writes for one save.
func watchSourcesFile(ctx context.Context, store storage.Storage, log *slog.Logger) (func(), error) {
	path := workerSources
	if path == "" {
		path = filepath.Join(config.DataDir(), "sources.yaml")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("sources file %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files by rename, which drops
	// a watch registered on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	runner := ingest.NewRunner(store, ingest.NewFetcher(log), log)
	svc := ops.NewService(store, runner, log)
	target := filepath.Base(path)

	go func() {
		var pending *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(500*time.Millisecond, func() {
					res, err := svc.ImportSources(ctx, path)
					if err != nil {
						log.Error("sources re-import failed", "path", path, "error", err)
						return
					}
					log.Info("sources re-imported", "path", path, "imported", res.Imported)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("sources watcher error", "error", err)
			}
		}
	}()

	log.Info("watching sources file", "path", path)
	return func() { _ = watcher.Close() }, nil
}

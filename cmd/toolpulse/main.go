package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/ToolPulse/internal/audit"
	"github.com/TobiSchelling/ToolPulse/internal/collect"
	"github.com/TobiSchelling/ToolPulse/internal/config"
	"github.com/TobiSchelling/ToolPulse/internal/database"
	"github.com/TobiSchelling/ToolPulse/internal/detect"
	"github.com/TobiSchelling/ToolPulse/internal/fetch"
	"github.com/TobiSchelling/ToolPulse/internal/llm"
	"github.com/TobiSchelling/ToolPulse/internal/pipeline"
	"github.com/TobiSchelling/ToolPulse/internal/reanalysis"
	"github.com/TobiSchelling/ToolPulse/internal/retry"
	"github.com/TobiSchelling/ToolPulse/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	logger     = slog.Default()
	closeLog   = func() error { return nil }
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "toolpulse",
	Short:   "Track which AI developer tools Reddit talks about",
	Long:    "toolpulse collects Reddit posts, detects the AI tools they mention, and reanalyzes stored posts when the tool catalog changes.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		level := config.ParseLogLevel(cfg.Logging.Level)
		if verbose {
			level = slog.LevelDebug
		}
		logger, closeLog = config.SetupLogger(level, cfg.Logging.AuditFile)
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeLog()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	collectCmd.Flags().Bool("no-fetch", false, "Skip fetching linked article content")
	collectCmd.Flags().Bool("reanalyze", false, "Queue a reanalysis job when new posts arrive")
	collectCmd.Flags().Int("fetch-limit", 200, "Maximum link posts to fetch content for")

	serveCmd.Flags().IntP("port", "p", 0, "Port to listen on (default from config)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(reanalyzeCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("toolpulse", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/toolpulse/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure feeds, the detection provider, and reanalysis limits.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and job status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s\n\n", db.Path())
		fmt.Println("Documents:")
		fmt.Printf("  Total collected: %d\n", stats.TotalDocuments)
		fmt.Printf("  Analyzed: %d\n", stats.AnalyzedDocuments)
		fmt.Println("\nTools:")
		fmt.Printf("  Total: %d\n", stats.TotalTools)
		fmt.Printf("  Active: %d\n", stats.ActiveTools)
		fmt.Printf("  Aliases: %d\n", stats.Aliases)
		fmt.Println("\nReanalysis jobs:")
		if len(stats.JobsByStatus) == 0 {
			fmt.Println("  none")
		}
		statuses := make([]string, 0, len(stats.JobsByStatus))
		for s := range stats.JobsByStatus {
			statuses = append(statuses, string(s))
		}
		sort.Strings(statuses)
		for _, s := range statuses {
			fmt.Printf("  %s: %d\n", s, stats.JobsByStatus[database.JobStatus(s)])
		}
		return nil
	},
}

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collect new posts from the configured subreddit feeds",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		noFetch, _ := cmd.Flags().GetBool("no-fetch")
		reanalyze, _ := cmd.Flags().GetBool("reanalyze")
		fetchLimit, _ := cmd.Flags().GetInt("fetch-limit")

		eng := newEngine(db, audit.LogNotifier{Logger: logger})
		p := pipeline.New(
			collect.NewCollector(cfg, db, logger),
			fetch.NewContentFetcher(db, 0, cfg.Sources.UserAgent, logger),
			eng.trigger,
			logger,
		)
		result := p.Run(ctx, pipeline.Options{
			SkipFetch:  noFetch,
			Reanalyze:  reanalyze,
			FetchLimit: fetchLimit,
		})

		for _, step := range result.Steps {
			if step.Err != nil {
				fmt.Printf("  %s: ERROR %v\n", step.Name, step.Err)
			} else {
				fmt.Printf("  %s: %s\n", step.Name, step.Summary)
			}
		}
		if result.JobID != "" {
			fmt.Printf("\nRun 'toolpulse reanalyze run' or 'toolpulse serve' to process job %s\n", result.JobID)
		}
		return result.Err()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the JSON API and process reanalysis jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		port, _ := cmd.Flags().GetInt("port")
		if port == 0 {
			port = cfg.Server.Port
		}

		hub := audit.NewHub(logger)
		eng := newEngine(db, audit.Multi{audit.LogNotifier{Logger: logger}, hub})
		eng.trigger.SetQueue(eng.worker)

		if n, err := eng.worker.RecoverInterrupted(ctx); err != nil {
			return fmt.Errorf("recovering interrupted jobs: %w", err)
		} else if n > 0 {
			fmt.Printf("Marked %d job(s) with expired leases as failed; retry them to resume from their checkpoint\n", n)
		}

		srv := server.New(db, eng.trigger, eng.merger, hub, logger)
		addr := server.ListenAddr(port)
		fmt.Printf("Serving at http://%s\n", addr)
		fmt.Println("Press Ctrl+C to stop")

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			hub.Run(ctx)
			return nil
		})
		g.Go(func() error {
			return eng.worker.Run(ctx)
		})
		g.Go(func() error {
			return server.Serve(ctx, addr, srv.Handler(), logger)
		})
		return g.Wait()
	},
}

// engine holds the reanalysis components wired to one database.
type engine struct {
	trigger *reanalysis.Trigger
	worker  *reanalysis.Worker
	merger  *reanalysis.Merger
}

func newEngine(db *database.DB, notifier audit.Notifier) *engine {
	policy := retry.New(cfg.Retry, logger)
	store := reanalysis.NewStore(db, policy)
	guard := reanalysis.NewGuard(db)

	processor := reanalysis.NewProcessor(store, db, db, detectorFactory(db), policy, notifier, logger,
		reanalysis.ProcessorConfig{
			MaxAliasDepth: cfg.Reanalysis.MaxAliasDepth,
			MaxErrorLog:   cfg.Reanalysis.MaxErrorLog,
			LeaseTimeout:  cfg.Reanalysis.LeaseTimeout,
		})

	return &engine{
		trigger: reanalysis.NewTrigger(store, guard, db, db, notifier, logger, cfg.Reanalysis),
		worker:  reanalysis.NewWorker(store, processor, cfg.Reanalysis.PollInterval, logger),
		merger:  reanalysis.NewMerger(guard, db, db, policy, logger),
	}
}

// detectorFactory builds a detector from the catalog at the start of each
// job. LLM providers are checked per job so that a provider coming up later
// is picked up without a restart.
func detectorFactory(db *database.DB) reanalysis.DetectorFactory {
	det := cfg.Detection
	return func(ctx context.Context) (detect.Detector, error) {
		var provider llm.Provider
		if !strings.EqualFold(det.Provider, "keyword") {
			provider = llm.CreateProvider(det.Provider, det.Model, det.OllamaURL, det.OpenAIModel, det.APIKeyEnv)
			if provider == nil {
				return nil, fmt.Errorf("no LLM provider available for detection provider %q", det.Provider)
			}
		}
		return detect.FromCatalog(ctx, db, provider, det.MaxTokens)
	}
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "toolpulse.db")
	return database.Open(dbPath)
}

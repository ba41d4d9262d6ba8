// Command sketchmatch-index precomputes the embeddings of the reference corpus
// into the persistent cache so that the first search does not pay for them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/scrypster/sketchmatch/internal/app"
	"github.com/scrypster/sketchmatch/internal/config"
	_ "github.com/scrypster/sketchmatch/internal/embedding/dnn"
	"github.com/scrypster/sketchmatch/pkg/types"
)

var (
	configPath = flag.String("config", "", "Path to a YAML config file (overrides SKETCH_CONFIG_FILE)")
	invalidate = flag.Bool("invalidate", false, "Drop every cached embedding before indexing")
	strategies = flag.String("strategy", "all", "Strategy to index: standard, face or all")
	backupDir  = flag.String("backup-dir", "", "Back up the SQLite database here before indexing")
	keep       = flag.Int("keep", 5, "Number of backups to retain in -backup-dir")
)

type options struct {
	invalidate bool
	strategy   string
	backupDir  string
	keep       int
}

func main() {
	flag.Parse()

	if *configPath != "" {
		_ = os.Setenv("SKETCH_CONFIG_FILE", *configPath)
	}
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := options{invalidate: *invalidate, strategy: *strategies, backupDir: *backupDir, keep: *keep}
	if err := run(ctx, cfg, opts); err != nil {
		log.Fatalf("Indexing failed: %v", err)
	}
}

// loadConfig loads and validates the configuration for indexing.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Cache.Backend == "memory" {
		return nil, errors.New("indexing requires a persistent cache backend (sqlite or postgres)")
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, opts options) error {
	list, err := parseStrategies(opts.strategy)
	if err != nil {
		return err
	}

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if opts.backupDir != "" {
		path, err := a.DB.Backup(ctx, opts.backupDir, opts.keep)
		if err != nil {
			return fmt.Errorf("backup: %w", err)
		}
		log.Printf("Backed up database to %s", path)
	}

	if opts.invalidate {
		if err := a.Cache.InvalidateAll(ctx); err != nil {
			return fmt.Errorf("invalidate cache: %w", err)
		}
		log.Println("Cleared embedding cache")
	}

	for _, s := range list {
		start := time.Now()
		stats, err := a.Searcher.Warm(ctx, s)
		if err != nil {
			return fmt.Errorf("index %s: %w", s, err)
		}
		fmt.Printf("%-8s indexed %d images, skipped %d in %v\n", s, stats.Images, stats.Skipped, time.Since(start).Round(time.Millisecond))
	}

	cs := a.Cache.Stats()
	fmt.Printf("cache: %d hits, %d misses, %d computed\n", cs.Hits, cs.Misses, cs.Computations)

	stored, err := a.Cache.Stored(ctx)
	if err != nil {
		return err
	}
	models := make([]string, 0, len(stored))
	for m := range stored {
		models = append(models, m)
	}
	sort.Strings(models)
	for _, m := range models {
		fmt.Printf("stored: %-24s %d vectors\n", m, stored[m])
	}
	return nil
}

func parseStrategies(s string) ([]types.Strategy, error) {
	if s == "all" {
		return []types.Strategy{types.StrategyStandard, types.StrategyFace}, nil
	}
	strategy := types.Strategy(s)
	if !strategy.Valid() {
		return nil, fmt.Errorf("unknown strategy %q", s)
	}
	return []types.Strategy{strategy}, nil
}

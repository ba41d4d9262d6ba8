// Command sketchmatch-web serves the sketch composer and the photo ranking API.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scrypster/sketchmatch/internal/app"
	"github.com/scrypster/sketchmatch/internal/config"
	"github.com/scrypster/sketchmatch/internal/corpus"
	_ "github.com/scrypster/sketchmatch/internal/embedding/dnn"
	"github.com/scrypster/sketchmatch/internal/server"
	"github.com/scrypster/sketchmatch/internal/session"
	fsstore "github.com/scrypster/sketchmatch/internal/storage/fs"
	"github.com/scrypster/sketchmatch/pkg/types"
	"github.com/scrypster/sketchmatch/web/handlers"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (overrides SKETCH_CONFIG_FILE)")
	warmup := flag.Bool("warmup", false, "Load the embedding model at startup instead of on first use")
	warmupTimeout := flag.Duration("warmup-timeout", 2*time.Minute, "How long -warmup waits for the model")
	flag.Parse()

	if *configPath != "" {
		_ = os.Setenv("SKETCH_CONFIG_FILE", *configPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	closeLog, err := app.SetupLogging(cfg.Logging.File)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer closeLog()

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	if *warmup {
		if err := a.Warmup(context.Background(), *warmupTimeout); err != nil {
			log.Printf("Warning: %v", err)
		}
	}

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	canvas := types.Canvas{Width: cfg.Canvas.Width, Height: cfg.Canvas.Height}
	sessions := session.NewManager(a.Catalog, canvas, cfg.Session.TTL, cfg.Session.MaxSessions)

	h := server.Handlers{
		Composer: handlers.NewComposerHandlers(a.Catalog, fsstore.NewStore(cfg.Paths.Assets), sessions, a.DB,
			fsstore.NewStore(cfg.Paths.Output), canvas),
		Match: handlers.NewMatchHandlers(a.Searcher, sessions, a.References, a.Cache, a.Provider, handlers.MatchConfig{
			MaxUploadSize: cfg.Server.MaxUploadSize,
			DefaultTopN:   cfg.Search.DefaultTopN,
			RetryAfter:    cfg.Embedding.RetryAfter,
		}),
	}

	addr, hub, err := server.Start(ctx, cfg, h)
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	a.Searcher.SetProgressFunc(hub.SearchProgress())
	log.Printf("sketchmatch running at http://%s", addr)

	if cfg.Search.WatchCorpus {
		watcher := corpus.NewWatcher(cfg.Paths.Reference, func(id string) {
			if err := a.Cache.Invalidate(context.Background(), id); err != nil {
				log.Printf("Failed to invalidate %s: %v", id, err)
			}
		})
		if err := watcher.Start(); err != nil {
			log.Printf("Warning: corpus watcher disabled: %v", err)
		} else {
			defer watcher.Stop()
		}
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")
	cancel()
	time.Sleep(1 * time.Second) // Give time for connections to close
}

// Command history-sync runs the Spotify listening-history sync service:
// the HTTP surface, the background queue worker, the backfill loops and
// the reconciler sweep.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/justestif/go-spotify-history-sync/internal/breaker"
	"github.com/justestif/go-spotify-history-sync/internal/cache"
	"github.com/justestif/go-spotify-history-sync/internal/db"
	"github.com/justestif/go-spotify-history-sync/internal/healer"
	"github.com/justestif/go-spotify-history-sync/internal/importer"
	"github.com/justestif/go-spotify-history-sync/internal/metrics"
	"github.com/justestif/go-spotify-history-sync/internal/queue"
	"github.com/justestif/go-spotify-history-sync/internal/spotify"
	"github.com/justestif/go-spotify-history-sync/internal/tokens"
	"github.com/justestif/go-spotify-history-sync/internal/web"
)

const spotifyTokenURL = "https://accounts.spotify.com/api/token"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type config struct {
	databaseURL   string
	redisURL      string
	clientID      string
	clientSecret  string
	encryptionKey []byte
	addr          string
	spoolDir      string
}

func loadConfig() (*config, error) {
	// Missing .env is fine in production; the environment is already set.
	_ = godotenv.Load()

	cfg := &config{
		databaseURL:  os.Getenv("DATABASE_URL"),
		redisURL:     os.Getenv("REDIS_URL"),
		clientID:     os.Getenv("SPOTIFY_ID"),
		clientSecret: os.Getenv("SPOTIFY_SECRET"),
		addr:         os.Getenv("LISTEN_ADDR"),
		spoolDir:     os.Getenv("SPOOL_DIR"),
	}
	if cfg.databaseURL == "" {
		return nil, fmt.Errorf("please set DATABASE_URL")
	}
	if cfg.redisURL == "" {
		return nil, fmt.Errorf("please set REDIS_URL")
	}
	if cfg.clientID == "" || cfg.clientSecret == "" {
		return nil, fmt.Errorf("please set SPOTIFY_ID and SPOTIFY_SECRET")
	}

	keyHex := os.Getenv("TOKEN_ENCRYPTION_KEY")
	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY must be 64 hex characters (32 bytes)")
	}
	cfg.encryptionKey = key

	if cfg.spoolDir == "" {
		cfg.spoolDir = os.TempDir()
	}
	return cfg, nil
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "history-sync",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, cfg.databaseURL, db.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer database.Close()

	if err := database.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}

	// Partitions for the current year plus next, so live ingestion never
	// races partition creation at a month boundary.
	year := time.Now().UTC().Year()
	if _, err := database.Partitions().EnsureForRange(ctx, year, year+1); err != nil {
		return fmt.Errorf("bootstrapping partitions: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.redisURL)
	if err != nil {
		return fmt.Errorf("parsing redis URL: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	store := cache.NewStoreFromClient(redisClient)
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}

	cipher, err := tokens.NewCipher(cfg.encryptionKey)
	if err != nil {
		return fmt.Errorf("initializing token cipher: %w", err)
	}

	breakers := breaker.NewRegistry()
	breakers.Observe(func(service string, from, to breaker.State) {
		metrics.ObserveBreakerTransition(service, to.String())
		logger.Warn("breaker state change", "service", service, "from", from, "to", to)
	})
	client := spotify.NewClient(breakers)

	manager := tokens.NewManager(store, database.Auth(), client, cipher, tokens.Config{
		ClientID:     cfg.clientID,
		ClientSecret: cfg.clientSecret,
		TokenURL:     spotifyTokenURL,
	}, tokens.WithLogger(logger))

	tasks := queue.New(redisClient)

	pipeline := importer.NewPipeline(
		database.Tracks(), database.Events(), database.Imports(),
		database.Partitions(), store,
		importer.WithPipelineLogger(logger),
	)
	imports := importer.NewService(database.Imports(), tasks, pipeline,
		importer.WithServiceLogger(logger))

	workers := healer.NewWorkers(client, database.Tracks(), database.Artists(),
		database.Stats(), store, manager, database.Auth(),
		healer.WithWorkersLogger(logger))

	reconciler := healer.New(database.Tracks(), database.Artists(),
		database.Stats(), database.Imports(), store, tasks,
		healer.WithLogger(logger))

	worker := queue.NewWorker(tasks, queue.WithWorkerLogger(logger))
	worker.Handle(importer.TaskProcessImport, imports.ProcessTask)
	worker.Handle(healer.TaskRefreshTopStats, workers.HandleTopStatsTask)

	go runLoop(ctx, logger, "queue worker", worker.Run)
	go runLoop(ctx, logger, "track metadata worker", workers.RunTrackMetadataWorker)
	go runLoop(ctx, logger, "artist worker", workers.RunArtistWorker)
	go runLoop(ctx, logger, "feature worker", workers.RunFeatureWorker)
	go runLoop(ctx, logger, "reconciler", reconciler.Run)

	handlers := web.NewHandlers(imports, store, database.Auth(), cipher,
		database, store, cfg.spoolDir, logger)
	server := web.NewServer(web.ServerConfig{Addr: cfg.addr, SpoolDir: cfg.spoolDir}, handlers, logger)

	return server.Run()
}

// runLoop logs a background loop's exit. Context cancellation is the
// normal shutdown path.
func runLoop(ctx context.Context, logger *log.Logger, name string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil && ctx.Err() == nil {
		logger.Error("background loop exited", "loop", name, "err", err)
	}
}

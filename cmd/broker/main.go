package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"openactive/broker/internal/config"
	"openactive/broker/internal/cursors"
	"openactive/broker/internal/harvest"
	"openactive/broker/internal/metrics"
	"openactive/broker/internal/server"
	"openactive/broker/internal/store"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05"})
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

func main() {
	cfg := config.DefaultConfig()

	startCmd := flag.NewFlagSet("start", flag.ExitOnError)
	startCmd.StringVar(&cfg.FeedsPath, "feeds", cfg.FeedsPath,
		"Path to the feeds YAML file (env: BROKER_FEEDS_PATH)")
	startCmd.StringVar(&cfg.CursorDBPath, "cursor-db", cfg.CursorDBPath,
		"Path to the order feed cursor database, empty to disable persistence (env: BROKER_CURSOR_DB_PATH)")
	startCmd.StringVar(&cfg.ServerHost, "host", cfg.ServerHost,
		"Host to bind the server to (env: BROKER_HOST)")
	startCmd.IntVar(&cfg.ServerPort, "port", cfg.ServerPort,
		"Port to listen on (env: BROKER_PORT)")

	var startLogLevelStr string
	startCmd.StringVar(&startLogLevelStr, "log-level", config.GetEnvString("BROKER_LOG_LEVEL", config.DefaultLogLevel),
		"Log level: debug, info, warn, error (env: BROKER_LOG_LEVEL)")

	checkCmd := flag.NewFlagSet("check-feeds", flag.ExitOnError)
	checkCmd.StringVar(&cfg.FeedsPath, "feeds", cfg.FeedsPath,
		"Path to the feeds YAML file (env: BROKER_FEEDS_PATH)")

	if len(os.Args) < 2 {
		fmt.Println("Usage: broker [command] [options]")
		fmt.Println("Commands: start, check-feeds")
		fmt.Println("\nFor command-specific options, use: broker [command] -h")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		startCmd.Parse(os.Args[2:])

		if level, err := zerolog.ParseLevel(startLogLevelStr); err == nil {
			cfg.LogLevel = level
		}
		zerolog.SetGlobalLevel(cfg.LogLevel)

		if err := runStart(cfg); err != nil {
			log.Error().Err(err).Msg("Broker failed")
			os.Exit(1)
		}

	case "check-feeds":
		checkCmd.Parse(os.Args[2:])

		if err := runCheckFeeds(cfg); err != nil {
			log.Error().Err(err).Msg("Feed check failed")
			os.Exit(1)
		}

	case "-h", "--help", "help":
		fmt.Println("Usage: broker [command] [options]")
		fmt.Println("Commands: start, check-feeds")
		fmt.Println("\nFor command-specific options, use: broker [command] -h")
		os.Exit(0)

	default:
		log.Error().Str("command", os.Args[1]).Msg("Unknown command")
		fmt.Println("Available commands: start, check-feeds")
		fmt.Println("\nFor command-specific options, use: broker [command] -h")
		os.Exit(1)
	}
}

// runStart harvests all configured feeds and serves the broker API until
// a shutdown signal arrives.
func runStart(cfg *config.Config) error {
	feeds, err := config.LoadFeeds(cfg.FeedsPath)
	if err != nil {
		return fmt.Errorf("failed to load feeds: %w", err)
	}
	log.Info().
		Int("opportunity_feeds", len(feeds.OpportunityFeeds)).
		Int("order_feeds", len(feeds.OrderFeeds)).
		Msg("Loaded feed definitions")

	var cursorStore store.CursorStore
	var cursorDB *cursors.Store
	if cfg.CursorDBPath != "" {
		cursorDB, err = cursors.Open(cfg.CursorDBPath)
		if err != nil {
			return fmt.Errorf("failed to open cursor store: %w", err)
		}
		defer cursorDB.Close()
		cursorStore = cursorDB
	} else {
		log.Info().Msg("Order feed cursor persistence disabled")
	}

	registry := prometheus.NewRegistry()
	brokerMetrics := metrics.NewBrokerMetrics(registry)

	broker := harvest.New(harvest.Options{
		Feeds:         feeds,
		CursorStore:   cursorStore,
		Metrics:       brokerMetrics,
		PollInterval:  cfg.PollInterval,
		SleepInterval: cfg.SleepInterval,
		UserAgent:     cfg.UserAgent,
	})

	if cursorDB != nil {
		seedCursors(cursorDB, broker)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := broker.Run(ctx); err != nil && !harvest.IsShutdown(err) {
			log.Error().Err(err).Msg("Harvesting stopped unexpectedly")
		}
	}()

	// RunServer blocks until a shutdown signal; cancelling the context
	// afterwards stops the harvesters.
	serveErr := server.RunServer(ctx, broker, registry, cfg.ListenAddr(), log.Logger, cfg.APIKey, cfg.ListenerTimeout)
	cancel()
	wg.Wait()
	return serveErr
}

// seedCursors restores persisted order feed cursors into the tracker.
func seedCursors(cursorDB *cursors.Store, broker *harvest.Broker) {
	loadCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	persisted, err := cursorDB.LoadAll(loadCtx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to restore order feed cursors")
		return
	}
	for _, c := range persisted {
		broker.OrderUUIDs.Restore(store.OrderFeedKey{
			FeedType:       store.OrderFeedType(c.FeedType),
			BookingPartner: c.BookingPartner,
		}, c.Cursor)
	}
	if len(persisted) > 0 {
		log.Info().Int("cursors", len(persisted)).Msg("Restored order feed cursors")
	}
}

// runCheckFeeds validates the feed definition file and prints what would
// be harvested.
func runCheckFeeds(cfg *config.Config) error {
	feeds, err := config.LoadFeeds(cfg.FeedsPath)
	if err != nil {
		return err
	}
	for _, f := range feeds.OpportunityFeeds {
		fmt.Printf("opportunity feed %-25s %s\n", f.Kind, f.URL)
	}
	for _, f := range feeds.OrderFeeds {
		fmt.Printf("order feed       %-25s %s\n", f.OrderFeedID(), f.URL)
	}
	fmt.Printf("%d feed(s) OK\n", len(feeds.OpportunityFeeds)+len(feeds.OrderFeeds))
	return nil
}

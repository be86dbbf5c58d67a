// Chain state daemon: serves the read-side chain provider and keeps the
// lock-hash index in step with the canonical chain.
//
// Usage:
//
//	chaind [--datadir=...] [--consensus=...] [--log-level=...]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nervoscommunity/ckb-miner-opt/config"
	"github.com/nervoscommunity/ckb-miner-opt/internal/chain"
	"github.com/nervoscommunity/ckb-miner-opt/internal/lockindex"
	klog "github.com/nervoscommunity/ckb-miner-opt/internal/log"
	"github.com/nervoscommunity/ckb-miner-opt/internal/notify"
	"github.com/nervoscommunity/ckb-miner-opt/internal/storage"
)

func main() {
	var (
		dataDir       = flag.String("datadir", "data", "data directory")
		consensusPath = flag.String("consensus", "", "consensus parameters file (JSON); defaults to the dev chain")
		logLevel      = flag.String("log-level", "info", "log level (debug|info|warn|error)")
		logJSON       = flag.Bool("log-json", false, "log JSON to stdout")
	)
	flag.Parse()

	if err := klog.Init(*logLevel, *logJSON, ""); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	logger := klog.WithComponent("chaind")

	consensus := config.Default()
	if *consensusPath != "" {
		var err error
		consensus, err = config.Load(*consensusPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to load consensus parameters")
		}
	}
	logger.Info().Str("chain", consensus.ID).Msg("Starting chain state daemon")

	chainDB, err := storage.NewBadger(filepath.Join(*dataDir, "chain"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open chain database")
	}
	defer chainDB.Close()

	indexDB, err := storage.NewBadger(filepath.Join(*dataDir, "lockindex"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open lock index database")
	}
	defer indexDB.Close()

	store := chain.NewChainStore(chainDB)
	provider, err := chain.NewProvider(store, consensus)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build chain provider")
	}
	tip := provider.TipState().Tip()
	logger.Info().
		Uint64("number", tip.Number()).
		Str("hash", tip.Hash().String()).
		Msg("Chain state loaded")

	index, err := lockindex.NewIndex(indexDB, provider)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build lock index")
	}
	// The index may have checkpoints on a dead fork if the node was
	// stopped mid-reorg; repair before processing new events.
	if err := index.SyncIndexStates(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to sync lock index states")
	}

	notifier := notify.NewNotifier()
	index.Start(notifier.SubscribeNewTip("lockindex"))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info().Msg("Shutting down")

	notifier.Close()
	<-index.Done()
}

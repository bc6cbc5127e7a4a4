// Package main provides ankhd, the account link daemon.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/klingon-exchange/ankh/internal/config"
	"github.com/klingon-exchange/ankh/internal/node"
	"github.com/klingon-exchange/ankh/internal/rpc"
	"github.com/klingon-exchange/ankh/internal/storage"
	"github.com/klingon-exchange/ankh/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data", "~/.ankh", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data>/config.yaml)")
		apiAddr     = flag.String("api", "", "JSON-RPC API address, overrides config")
		testnet     = flag.Bool("testnet", false, "Run on testnet (separate config and data)")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Initial logger, replaced once the config is known
	log := logging.New(&logging.Config{
		Level:      orDefault(*logLevel, "info"),
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("ankhd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	network := config.Mainnet
	effectiveDataDir := *dataDir
	if *testnet {
		network = config.Testnet
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	}

	var cfg *node.Config
	var err error
	configPath := node.ConfigPath(effectiveDataDir)
	if *configFile != "" {
		configPath = *configFile
		cfg, err = node.LoadConfigFile(*configFile, network)
	} else {
		cfg, err = node.LoadConfig(effectiveDataDir, network)
	}
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file
	if *apiAddr != "" {
		cfg.API.Address = *apiAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *configFile == "" {
		cfg.Storage.DataDir = effectiveDataDir
	}

	var logFile io.Closer
	logCfg := &logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	}
	if cfg.Logging.File != "" {
		out, closer, err := logging.OpenFile(expandPath(cfg.Logging.File))
		if err != nil {
			log.Fatal("Failed to open log file", "error", err)
		}
		logCfg.Output = out
		logFile = closer
	}
	log = logging.New(logCfg)
	logging.SetDefault(log)

	log.Info("Config loaded", "path", configPath, "network", cfg.Network)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataPath := expandPath(cfg.Storage.DataDir)
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	log.Info("Storage initialized", "path", dataPath)

	n, err := node.New(ctx, cfg, store)
	if err != nil {
		store.Close()
		log.Fatal("Failed to create node", "error", err)
	}
	if err := n.Start(ctx); err != nil {
		n.Stop()
		store.Close()
		log.Fatal("Failed to start node", "error", err)
	}

	rpcServer := rpc.NewServer(n, cfg.API.AllowedOrigins)
	if err := rpcServer.Start(cfg.API.Address); err != nil {
		n.Stop()
		store.Close()
		log.Fatal("Failed to start RPC server", "error", err)
	}

	printBanner(log, n, cfg, rpcServer.Addr())

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				info := n.Info()
				log.Info("Status", "sessions", info.Sessions, "ws_clients", rpcServer.WSHub().ClientCount(), "uptime", info.Uptime)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")
	cancel()

	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}
	n.Stop()
	if err := store.Close(); err != nil {
		log.Error("Error closing storage", "error", err)
	}

	log.Info("Goodbye!")
	if logFile != nil {
		logFile.Close()
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func printBanner(log *logging.Logger, n *node.Node, cfg *node.Config, apiAddr string) {
	info := n.Info()
	networkLabel := "mainnet"
	if cfg.Network == config.Testnet {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  Ankh Link Daemon (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Primary chain:   %s", info.PrimaryChainID)
	log.Infof("  Secondary chain: %d", info.SecondaryChainID)
	log.Infof("  Entry point:     %s", info.EntryPoint)
	log.Infof("  Factory:         %s", info.Factory)
	log.Infof("  Account:         %s (derivation %s)", info.Scheme, info.Derivation)
	log.Info("")
	for role, url := range info.Endpoints {
		log.Infof("  %-8s %s", role+":", url)
	}
	log.Info("")
	log.Infof("  API: http://%s", apiAddr)
	log.Infof("  WS:  ws://%s/ws", apiAddr)
	log.Infof("  Data dir: %s", expandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}

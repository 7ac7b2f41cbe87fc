// spvd runs the SPV chain engine as a standalone daemon with a small HTTP
// status surface.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btclog"
	"github.com/btcsuite/btcwallet/walletdb"
	flags "github.com/jessevdk/go-flags"

	"github.com/spvclient/spvchain"
	"github.com/spvclient/spvchain/status"

	// Register the bbolt walletdb driver.
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
)

const (
	defaultDataDir    = "spvd-data"
	defaultDebugLevel = "info"
	defaultStatusAddr = "127.0.0.1:8334"

	dbOpenTimeout = 60 * time.Second
)

// config describes the daemon's command line.
type config struct {
	DataDir string `long:"datadir" description:"Directory holding the header database and address book" default:"spvd-data"`

	Network string `long:"network" description:"Network to run on" choice:"mainnet" choice:"testnet" choice:"regtest" choice:"simnet" default:"mainnet"`

	ConnectPeers []string `long:"connect" description:"Peer to connect to (may be repeated)"`

	AddPeers []string `long:"addpeer" description:"Peer to seed the address book with (may be repeated)"`

	TargetOutbound int `long:"targetoutbound" description:"Number of outbound connections to maintain" default:"8"`

	DebugLevel string `long:"debuglevel" description:"Logging level (trace, debug, info, warn, error, critical)" default:"info"`

	StatusAddr string `long:"statusaddr" description:"Listen address for the HTTP status server" default:"127.0.0.1:8334"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "spvd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config{}
	if _, err := flags.Parse(&cfg); err != nil {
		if flagErr, ok := err.(*flags.Error); ok &&
			flagErr.Type == flags.ErrHelp {

			return nil
		}
		return err
	}

	params, err := netParams(cfg.Network)
	if err != nil {
		return err
	}

	logger, err := setupLogging(cfg.DebugLevel)
	if err != nil {
		return err
	}

	dataDir := filepath.Join(cfg.DataDir, params.Name)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("unable to create data dir: %w", err)
	}

	db, err := openHeaderDB(filepath.Join(dataDir, "headers.db"))
	if err != nil {
		return fmt.Errorf("unable to open header database: %w", err)
	}
	defer db.Close()

	svc, err := spvchain.NewChainService(spvchain.Config{
		ChainParams:    *params,
		Database:       db,
		AddrBookDir:    filepath.Join(dataDir, "addrbook"),
		ConnectPeers:   cfg.ConnectPeers,
		AddPeers:       cfg.AddPeers,
		TargetOutbound: cfg.TargetOutbound,
	})
	if err != nil {
		return fmt.Errorf("unable to create chain service: %w", err)
	}

	statusServer := status.NewServer(status.Config{
		ListenAddr: cfg.StatusAddr,
		Chain:      svc,
	})

	svc.Start()
	statusServer.Start()

	logger.Infof("spvd running on %s, status on %s", params.Name,
		cfg.StatusAddr)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt

	logger.Infof("Shutting down")

	if err := statusServer.Stop(); err != nil {
		logger.Warnf("Status server shutdown: %v", err)
	}
	return svc.Stop()
}

// netParams maps a network name to its consensus parameters.
func netParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	}
	return nil, fmt.Errorf("unknown network %q", network)
}

// setupLogging builds the backend logger and hands it to every subsystem.
func setupLogging(level string) (btclog.Logger, error) {
	logLevel, ok := btclog.LevelFromString(level)
	if !ok {
		return nil, fmt.Errorf("invalid debug level %q", level)
	}

	backend := btclog.NewBackend(os.Stdout)

	chainLogger := backend.Logger("SPVC")
	chainLogger.SetLevel(logLevel)
	spvchain.UseLogger(chainLogger)

	statusLogger := backend.Logger("STAT")
	statusLogger.SetLevel(logLevel)
	status.UseLogger(statusLogger)

	daemonLogger := backend.Logger("SPVD")
	daemonLogger.SetLevel(logLevel)

	return daemonLogger, nil
}

// openHeaderDB opens the header database, creating it on first run.
func openHeaderDB(path string) (walletdb.DB, error) {
	db, err := walletdb.Open("bdb", path, true, dbOpenTimeout)
	if err == walletdb.ErrDbDoesNotExist {
		return walletdb.Create("bdb", path, true, dbOpenTimeout)
	}
	return db, err
}

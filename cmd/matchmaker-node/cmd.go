package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	_ "github.com/mattn/go-sqlite3"
	"github.com/proofmarket/matchmaker-node/api"
	"github.com/proofmarket/matchmaker-node/db"
	"github.com/proofmarket/matchmaker-node/escrow"
	"github.com/proofmarket/matchmaker-node/eth"
	"github.com/proofmarket/matchmaker-node/matching"
	"github.com/proofmarket/matchmaker-node/matchmaker"
	"github.com/proofmarket/matchmaker-node/verifier"
	flag "github.com/spf13/pflag"
	"go.vocdoni.io/dvote/log"
)

// Config contains the main configuration parameters of the node
type Config struct {
	dir, logLevel, port           string
	ethURL, contractAddr, privKey string
	verifierURL                   string
	startScanBlock                uint64
	ackDeadline                   time.Duration
	matchInterval, settleInterval time.Duration
	retryBudget                   int
}

func main() {
	config := Config{}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	flag.StringVarP(&config.dir, "dir", "d",
		filepath.Join(home, ".matchmaker-node"), "storage data directory")
	flag.StringVarP(&config.logLevel, "logLevel", "l", "info",
		"log level (info, debug, warn, error)")
	flag.StringVarP(&config.port, "port", "p", "8080",
		"network port for the HTTP API")
	flag.StringVar(&config.ethURL, "ethurl", "",
		"websocket url of the ethereum node")
	flag.StringVar(&config.contractAddr, "addr", "",
		"address of the escrow contract")
	flag.StringVar(&config.privKey, "privkey", "",
		"hex private key signing the escrow contract calls (read-only sync"+
			" when empty)")
	flag.StringVar(&config.verifierURL, "verifierurl", "http://127.0.0.1:9000",
		"url of the proof verifier service")
	flag.Uint64Var(&config.startScanBlock, "startscanblock", 0,
		"block from which to start scanning the contract events on an empty db")
	flag.DurationVar(&config.ackDeadline, "ackdeadline",
		matchmaker.DefaultAckDeadline,
		"how long an assigned operator has to acknowledge")
	flag.DurationVar(&config.matchInterval, "matchinterval", 5*time.Second,
		"interval between matching and timeout passes")
	flag.DurationVar(&config.settleInterval, "settleinterval", 30*time.Second,
		"interval between settlement and reconcile passes")
	flag.IntVar(&config.retryBudget, "retrybudget",
		matchmaker.DefaultProofRetryBudget,
		"failed proof verifications before a request is rejected")

	flag.CommandLine.SortFlags = false
	flag.Parse()

	log.Init(config.logLevel, "stdout")

	log.Debugf("Config: %#v\n", config)

	if err := os.MkdirAll(config.dir, 0700); err != nil {
		log.Fatal(err)
	}
	sqlDB, err := sql.Open("sqlite3",
		filepath.Join(config.dir, "matchmaker.sqlite3"))
	if err != nil {
		log.Fatal(err)
	}
	sqlite := db.NewSQLite(sqlDB)
	if err := sqlite.Migrate(); err != nil {
		log.Fatal(err)
	}

	ethOpts := eth.Options{
		EthURL:       config.ethURL,
		SQLite:       sqlite,
		ContractAddr: common.HexToAddress(config.contractAddr),
	}
	if config.privKey != "" {
		key, err := crypto.HexToECDSA(config.privKey)
		if err != nil {
			log.Fatal(err)
		}
		ethOpts.SignKey = key
	}
	ethClient, err := eth.New(ethOpts)
	if err != nil {
		log.Fatal(err)
	}

	esc := escrow.New(sqlite, ethClient)
	ethClient.SetEscrow(esc)

	if _, err := sqlite.GetLastSyncBlockNum(); err != nil {
		if !errors.Is(err, db.ErrMetaNotInDB) {
			log.Fatal(err)
		}
		err = sqlite.InitMeta(ethClient.ChainID, config.startScanBlock)
		if err != nil {
			log.Fatal(err)
		}
	}

	mm := matchmaker.New(matchmaker.Config{
		AckDeadline:      config.ackDeadline,
		ProofRetryBudget: config.retryBudget,
	}, sqlite, matching.New(sqlite, nil), esc,
		verifier.NewClient(config.verifierURL))

	go func() {
		if err := ethClient.Sync(); err != nil {
			log.Fatal(err)
		}
	}()

	go runPasses(mm, esc, config.matchInterval, config.settleInterval)

	a, err := api.New(mm)
	if err != nil {
		log.Fatal(err)
	}
	if err := a.Serve(config.port); err != nil {
		log.Fatal(err)
	}
}

// runPasses drives the periodic acceptance, matching, timeout, settlement
// and reconcile sweeps. The timeout sweep wakes up with the nearest
// acknowledge deadline instead of a fixed tick.
func runPasses(mm *matchmaker.Matchmaker, esc *escrow.Controller,
	matchInterval, settleInterval time.Duration) {
	ctx := context.Background()
	matchTicker := time.NewTicker(matchInterval)
	settleTicker := time.NewTicker(settleInterval)
	timeoutTimer := time.NewTimer(mm.NextTimeout(time.Now(), matchInterval))

	for {
		select {
		case <-timeoutTimer.C:
			if err := mm.TimeoutPass(time.Now()); err != nil {
				log.Error(err)
			}
			timeoutTimer.Reset(mm.NextTimeout(time.Now(), matchInterval))
		case <-matchTicker.C:
			if err := mm.AcceptPass(ctx); err != nil {
				log.Error(err)
			}
			if err := mm.MatchPass(ctx); err != nil {
				log.Error(err)
			}
		case <-settleTicker.C:
			if err := esc.SettlePass(ctx); err != nil {
				log.Error(err)
			}
			if err := esc.ReconcilePass(ctx); err != nil {
				log.Error(err)
			}
		}
	}
}

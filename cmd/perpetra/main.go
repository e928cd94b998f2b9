package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/atharvParlikar/perpetra/params"
	"github.com/atharvParlikar/perpetra/pkg/api"
	"github.com/atharvParlikar/perpetra/pkg/engine"
	"github.com/atharvParlikar/perpetra/pkg/engine/risk"
	"github.com/atharvParlikar/perpetra/pkg/gateway"
	"github.com/atharvParlikar/perpetra/pkg/storage"
	"github.com/atharvParlikar/perpetra/pkg/util"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := params.Load(*configPath)
	if err != nil {
		panic(err)
	}

	var logger *zap.Logger
	if cfg.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.LogLevel, cfg.LogFile)
	} else {
		logger, err = util.NewLogger(cfg.LogLevel)
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	journal, err := storage.Open(cfg.JournalPath)
	if err != nil {
		logger.Fatal("open journal", zap.Error(err))
	}
	defer journal.Close()

	oracle := risk.NewRandomWalk(cfg.Mark.Seed, cfg.Mark.Start, cfg.Mark.Min, cfg.Mark.Max, cfg.Mark.Step, cfg.DecimalScale)

	hub := api.NewHub(logger)
	eng := engine.New(cfg, logger, oracle,
		engine.WithSink(hub),
		engine.WithSink(journal.Sink(func(err error) {
			logger.Warn("journal write failed", zap.Error(err))
		})),
	)
	eng.Start()

	gw := gateway.New(eng, gateway.NewHMACVerifier(cfg.AuthSecret), logger)
	server := api.NewServer(gw, eng, hub, logger)

	go func() {
		if err := server.Start(cfg.ListenAddr); err != nil {
			logger.Fatal("api server", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Info("shutting down", zap.String("signal", s.String()))
	case <-eng.Dying():
		logger.Error("engine worker died, shutting down")
	}

	if err := eng.Stop(); err != nil {
		logger.Error("engine stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/sith-oath/apexd"
	"github.com/sith-oath/apexd/flags"
	"github.com/sith-oath/apexd/service"
)

var (
	GitVersion = ""
	GitCommit  = ""
	GitDate    = ""
)

func main() {
	// Set up logger with a default INFO level in case we fail to parse flags.
	// Otherwise the final critical log won't show what the parsing error was.
	apexd.SetLogLevel(slog.LevelInfo)

	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", GitVersion, GitCommit, GitDate)
	app.Name = "apexd"
	app.Usage = "Apex test runner and analytics extractor"
	app.Description = "Runs Apex test classes asynchronously, streams their progress and harvests analytics events from the debug logs"
	app.Flags = flags.Flags
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Crit("Application failed", "err", err)
	}
}

func run(ctx *cli.Context) error {
	if err := flags.CheckRequired(ctx); err != nil {
		return err
	}

	config, err := apexd.LoadConfig(ctx.String(flags.Config.Name))
	if err != nil {
		return err
	}
	if lvl := ctx.String(flags.LogLevel.Name); lvl != "" {
		config.Server.LogLevel = lvl
	}
	if port := ctx.Int(flags.Port.Name); port != 0 {
		config.Server.Port = port
	}
	if url := ctx.String(flags.RedisURL.Name); url != "" {
		config.Redis.URL = url
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logLevel, err := log.LvlFromString(config.Server.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", config.Server.LogLevel, err)
	}
	apexd.SetLogLevel(logLevel)

	log.Info("starting apexd", "version", ctx.App.Version)

	srv, shutdown, err := apexd.Start(config)
	if err != nil {
		return fmt.Errorf("error starting apexd: %w", err)
	}

	svc := service.New(service.Config{
		Healthz: config.Healthz,
		Metrics: config.Metrics,
	})
	svc.Healthz.Check = srv.Check
	svcCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(svcCtx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	recvSig := <-sig
	log.Info("caught signal, shutting down", "signal", recvSig)
	shutdown()
	svc.Shutdown()
	return nil
}

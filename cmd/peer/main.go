package main

import (
	"context"
	"log"
	"os"

	"github.com/dmitrijs2005/fragnet/internal/buildinfo"
	"github.com/dmitrijs2005/fragnet/internal/client/cli"
	"github.com/dmitrijs2005/fragnet/internal/client/config"
	"github.com/dmitrijs2005/fragnet/internal/logging"
)

func main() {

	buildinfo.PrintBuildData(os.Stdout)

	ctx := context.Background()
	cfg := config.LoadConfig()

	// the REPL owns stdout, so logs go to stderr
	app, err := cli.NewApp(cfg, logging.NewFile(os.Stderr, cfg.LogLevel, cfg.LogFormat))

	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := app.Run(ctx, os.Stdin); err != nil {
		log.Fatalf("%v", err)
	}

}

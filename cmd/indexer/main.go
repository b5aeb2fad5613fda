package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/JakeFAU/campaign-indexer/internal/config"
	"github.com/JakeFAU/campaign-indexer/internal/server"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	app, err := server.Build(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build application failed: %v\n", err)
		os.Exit(1)
	}
	if err := app.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "application error: %v\n", err)
		os.Exit(1)
	}
}

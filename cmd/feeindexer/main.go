package main

import (
	"fmt"
	"log"
	"os"

	"referralfees/internal/app"
	"referralfees/internal/config"
)

const usage = "usage: feeindexer ingest | aggregate-and-publish | serve"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	mode := os.Args[1]

	switch mode {
	case config.ModeIngest, config.ModePublish, config.ModeServe:
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n%s\n", mode, usage)
		os.Exit(1)
	}

	cfgPath := os.Getenv("CONFIG")
	if cfgPath == "" {
		cfgPath = "cmd/feeindexer/config.yaml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed load config, error=%v", err)
	}

	if err = app.Run(mode, cfg); err != nil {
		log.Fatalf("App run is failed, mode=%s, error=%v", mode, err)
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"funding_arb/internal/bootstrap"
	"funding_arb/internal/config"
	"funding_arb/pkg/logging"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	var cfg *config.Config
	if _, err := os.Stat(*configFile); err == nil {
		loaded, err := config.LoadConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config %s: %v\n", *configFile, err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		fmt.Fprintf(os.Stderr, "config file %s not found, using defaults\n", *configFile)
		cfg = config.DefaultConfig()
	}

	app, err := bootstrap.NewApp(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(context.Background()); err != nil {
		logging.Fatal("Engine exited with error", "error", err.Error())
	}
}

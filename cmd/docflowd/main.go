package main

import (
	"context"
	"flag"
	"log"

	"docflow/internal/config"
	"docflow/internal/daemon"
)

func main() {
	configPath := flag.String("config", "", "configuration file path")
	logLevel := flag.String("log-level", "", "override configured log level")
	flag.Parse()

	cfg, _, _, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := daemon.Run(context.Background(), cfg, daemon.Options{LogLevel: *logLevel}); err != nil {
		log.Fatalf("docflowd: %v", err)
	}
}

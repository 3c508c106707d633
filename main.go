package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"

	"docflow/cmd"
	"docflow/internal/config"
	"docflow/internal/logger"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	// Commands load and validate their own configuration; this pass only
	// picks the log settings.
	cfg, err := config.Load()
	if err != nil {
		log.Printf("Warning: Could not load configuration: %v", err)
		if err := logger.Setup(logger.DefaultConfig()); err != nil {
			log.Fatalf("Failed to initialize logger: %v", err)
		}
	} else {
		if err := logger.Setup(cfg.GetLoggerConfig()); err != nil {
			log.Fatalf("Failed to initialize logger: %v", err)
		}
	}

	log := logger.WithComponent("main")
	log.Debug().Msg("Starting docflow")

	cmd.Execute()

	log.Debug().Msg("docflow shutdown")
	os.Exit(0)
}

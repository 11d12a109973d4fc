// Command migrate applies or rolls back the PostgreSQL schema.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/emberapp/matchcore/internal/config"
	"github.com/emberapp/matchcore/internal/logging"
	"github.com/emberapp/matchcore/internal/store/postgres"
)

func main() {
	configPath := flag.String("config", "", "optional config file")
	down := flag.Int("down", 0, "roll back this many migrations instead of applying")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Development())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	mg, err := postgres.NewMigrator(cfg.Store.DatabaseURL)
	if err != nil {
		log.Fatalw("migrator", "error", err)
	}
	defer mg.Close()

	if *down > 0 {
		err = mg.Down(*down)
	} else {
		err = mg.Up()
	}
	if err != nil {
		log.Fatalw("migration failed", "error", err)
	}

	version, dirty, err := mg.Version()
	if err != nil {
		log.Fatalw("read version", "error", err)
	}
	log.Infow("schema migrated", "version", version, "dirty", dirty)
}

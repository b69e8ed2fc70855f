// The migrate binary applies schema migrations. Usage:
//
//	migrate up
//	migrate down
//	migrate version
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"

	"github.com/contextmesh/contextmesh/pkg/config"
	"github.com/contextmesh/contextmesh/pkg/observability"
)

func main() {
	_ = godotenv.Load()

	logger := observability.NewLogger("migrate")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", map[string]interface{}{"error": err.Error()})
	}

	source := os.Getenv("MIGRATIONS_PATH")
	if source == "" {
		source = "file://migrations"
	}

	m, err := migrate.New(source, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to initialize migrations", map[string]interface{}{"error": err.Error()})
	}
	defer m.Close()

	command := "up"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	switch command {
	case "up":
		err = m.Up()
	case "down":
		err = m.Steps(-1)
	case "version":
		version, dirty, verErr := m.Version()
		if verErr != nil && !errors.Is(verErr, migrate.ErrNilVersion) {
			logger.Fatal("Failed to read version", map[string]interface{}{"error": verErr.Error()})
		}
		fmt.Printf("version=%d dirty=%v\n", version, dirty)
		return
	default:
		logger.Fatal("Unknown command", map[string]interface{}{"command": command})
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatal("Migration failed", map[string]interface{}{"error": err.Error()})
	}
	logger.Info("Migrations complete", map[string]interface{}{"command": command})
}

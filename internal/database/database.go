package database

import (
	"fmt"
	"log"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase opens a gorm connection and runs pending migrations. The
// driver is chosen from the URL scheme: postgres://... connects to postgres,
// anything else is treated as a sqlite path.
func NewDatabase(databaseURL string) (*gorm.DB, error) {
	log.Println("Connecting to database...")

	var dialector gorm.Dialector
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		dialector = postgres.Open(databaseURL)
	} else {
		dialector = sqlite.Open(databaseURL)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	if err := GetMigrator(db).Migrate(); err != nil {
		return nil, fmt.Errorf("error running migrations: %w", err)
	}

	log.Println("Database connection established.")
	return db, nil
}

package versions

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ConversionRecord struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Format      string `gorm:"size:40;not null"`
	PrimaryFile string

	State string `gorm:"size:20;not null"`

	Options datatypes.JSON

	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime

	ResultRef   sql.NullString
	LogRef      sql.NullString
	Error       sql.NullString
	CallbackURL sql.NullString
}

func Migration0(db *gorm.DB) error {
	err := db.AutoMigrate(&ConversionRecord{})
	if err != nil {
		return fmt.Errorf("initial migration failed: %w", err)
	}
	return nil
}

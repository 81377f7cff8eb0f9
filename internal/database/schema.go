package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ConversionRecord is the persisted history row for a task that reached a
// terminal state. Live tasks exist only in the task manager's registry; a row
// is appended exactly once, at the terminal transition.
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

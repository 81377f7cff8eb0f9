package database

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// SaveRecord appends the terminal history row for a task.
func SaveRecord(ctx context.Context, db *gorm.DB, record *ConversionRecord) error {
	if err := db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("error saving conversion record %s: %w", record.Id, err)
	}
	return nil
}

// ListRecords returns persisted terminal tasks, newest first, optionally
// filtered by state.
func ListRecords(ctx context.Context, db *gorm.DB, state string) ([]ConversionRecord, error) {
	query := db.WithContext(ctx).Order("creation_time DESC")
	if state != "" {
		query = query.Where("state = ?", state)
	}

	var records []ConversionRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("error listing conversion records: %w", err)
	}
	return records, nil
}

package api

import (
	"time"

	"conversion-backend/pkg/models"

	"github.com/google/uuid"
)

// Task is the snapshot shape returned to clients. Mutable task fields are
// copied at read time; two reads without an intervening transition return
// identical values.
type Task struct {
	Id       uuid.UUID
	State    string
	Progress int

	Format      models.ModelFormat
	PrimaryFile string

	CreationTime   time.Time
	StartTime      *time.Time `json:"StartTime,omitempty"`
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`

	ResultRef string `json:"ResultRef,omitempty"`
	Error     string `json:"Error,omitempty"`
}

type SubmitTaskResponse struct {
	TaskId  uuid.UUID
	Message string

	Format      models.ModelFormat
	PrimaryFile string
	TotalFiles  int
}

type ListTasksResponse struct {
	Tasks []Task
	Total int
}

type TaskLogsResponse struct {
	TaskId uuid.UUID
	Logs   []string
}

type CancelTaskResponse struct {
	Message string
}

type HealthResponse struct {
	Status    string
	Version   string
	Timestamp time.Time
}

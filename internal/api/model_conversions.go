package api

import (
	"conversion-backend/internal/database"
	"conversion-backend/pkg/api"
	"conversion-backend/pkg/models"
)

func convertRecord(r database.ConversionRecord) api.Task {
	task := api.Task{
		Id:           r.Id,
		State:        r.State,
		Format:       models.ModelFormat(r.Format),
		PrimaryFile:  r.PrimaryFile,
		CreationTime: r.CreationTime,
	}

	if r.State == models.TaskCompleted {
		task.Progress = 100
	}
	if r.StartTime.Valid {
		started := r.StartTime.Time
		task.StartTime = &started
	}
	if r.CompletionTime.Valid {
		finished := r.CompletionTime.Time
		task.CompletionTime = &finished
	}
	if r.ResultRef.Valid {
		task.ResultRef = r.ResultRef.String
	}
	if r.Error.Valid {
		task.Error = r.Error.String
	}

	return task
}

func convertRecords(rs []database.ConversionRecord) []api.Task {
	tasks := make([]api.Task, 0, len(rs))
	for _, r := range rs {
		tasks = append(tasks, convertRecord(r))
	}
	return tasks
}

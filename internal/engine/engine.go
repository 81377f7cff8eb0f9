package engine

import (
	"context"

	"conversion-backend/pkg/models"
)

// LocalBundle is a model bundle whose files have been materialized on the
// worker's filesystem, role to local path.
type LocalBundle struct {
	Format models.ModelFormat
	Roles  map[string]string
	Shards []string
}

// ConvertRequest is one conversion invocation. OutputPath names the file the
// engine must produce on success.
type ConvertRequest struct {
	Bundle     LocalBundle
	Options    models.ConversionOptions
	OutputPath string
}

// Engine is the opaque conversion routine. Convert may block for minutes; it
// must observe ctx cancellation at bounded intervals and report progress in
// [0,100] through onProgress. Any returned error is preserved verbatim in the
// task record.
type Engine interface {
	Convert(ctx context.Context, req ConvertRequest, onProgress func(percent int)) error
}

// ConversionError marks a failure produced by the engine itself, as opposed
// to an orchestration fault around it.
type ConversionError struct {
	Detail string
}

func (e *ConversionError) Error() string {
	return e.Detail
}

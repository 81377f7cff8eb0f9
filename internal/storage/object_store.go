package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned by GetObject when no object exists at the
// given key.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is durable byte storage for uploaded model files and produced
// artifacts, addressed by key. Uploads are namespaced by an upload id,
// artifacts and logs by the task id, via the helpers below.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, data io.Reader) error

	GetObject(ctx context.Context, key string) (io.ReadCloser, error)

	// DeleteObjects removes every object under the given prefix.
	DeleteObjects(ctx context.Context, prefix string) error

	// DownloadObject copies an object to a local file, creating parent
	// directories as needed.
	DownloadObject(ctx context.Context, key, filename string) error
}

func UploadKey(uploadId, filename string) string {
	return "uploads/" + uploadId + "/" + filename
}

func UploadPrefix(uploadId string) string {
	return "uploads/" + uploadId + "/"
}

func ArtifactKey(taskId, filename string) string {
	return "outputs/" + taskId + "/" + filename
}

func LogKey(taskId string) string {
	return "logs/" + taskId + ".log"
}

package classifier

import "fmt"

const (
	AmbiguousInput    = "AmbiguousInput"
	UnsupportedFormat = "UnsupportedFormat"
	MissingRole       = "MissingRole"
)

// ClassificationError reports why a set of uploaded files could not be
// organized into a model bundle. Surfaced at submission time; no task is
// created when classification fails.
type ClassificationError struct {
	Kind   string
	Detail string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func ambiguousf(format string, args ...any) error {
	return &ClassificationError{Kind: AmbiguousInput, Detail: fmt.Sprintf(format, args...)}
}

func unsupportedf(format string, args ...any) error {
	return &ClassificationError{Kind: UnsupportedFormat, Detail: fmt.Sprintf(format, args...)}
}

func missingRolef(format string, args ...any) error {
	return &ClassificationError{Kind: MissingRole, Detail: fmt.Sprintf(format, args...)}
}

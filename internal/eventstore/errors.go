package eventstore

import (
	"errors"
	"fmt"
)

// Common store errors
var (
	ErrNotFound         = errors.New("record not found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// VersionConflictError is returned when an append's expected version does
// not match the aggregate's current version, or when a concurrent append
// claimed the same version first. The caller must re-read and retry the
// business operation, not just the append.
type VersionConflictError struct {
	AggregateID     string
	ExpectedVersion int
	ActualVersion   int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on aggregate %s: expected %d, current %d",
		e.AggregateID, e.ExpectedVersion, e.ActualVersion)
}

// IsVersionConflict reports whether err is a version conflict
func IsVersionConflict(err error) bool {
	var conflict *VersionConflictError
	return errors.As(err, &conflict)
}

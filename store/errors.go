package store

import (
	"errors"
	"fmt"
)

var (
	ErrRejectedRecord = errors.New("rejected record")
	ErrStaleCommit    = errors.New("stale commit")
)

// RejectedRecordError describes a malformed EventRecord that was skipped
// during a fold.
type RejectedRecordError struct {
	Record EventRecord
	Reason string
}

func (e *RejectedRecordError) Error() string {
	return fmt.Sprintf("rejected record at %s (key=%q, kind=%s): %s",
		e.Record.Sequence, e.Record.Key, e.Record.Kind, e.Reason)
}

func (e *RejectedRecordError) Unwrap() error {
	return ErrRejectedRecord
}

func validate(r EventRecord) error {
	switch {
	case r.Key == "":
		return &RejectedRecordError{Record: r, Reason: "missing entity key"}
	case !r.Kind.Valid():
		return &RejectedRecordError{Record: r, Reason: "missing or unknown kind"}
	}
	return nil
}

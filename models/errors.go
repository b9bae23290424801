package models

import (
	"errors"
	"fmt"
)

// ErrPageMissing marks a title that no longer exists on the wiki.
var ErrPageMissing = errors.New("page missing")

// VerificationMismatch reports a downloaded file that disagrees with the
// size or hash published by the wiki.
type VerificationMismatch struct {
	Filename string
	Field    string
	Want     string
	Got      string
}

func (e *VerificationMismatch) Error() string {
	return fmt.Sprintf("verify %s: %s mismatch (want %s, got %s)", e.Filename, e.Field, e.Want, e.Got)
}

// CorruptArtifact reports an on-disk artifact whose tail cannot be trusted.
// It is never retried; the artifact gets regenerated.
type CorruptArtifact struct {
	Path   string
	Reason string
}

func (e *CorruptArtifact) Error() string {
	return fmt.Sprintf("corrupt artifact %s: %s", e.Path, e.Reason)
}

// FatalConfigError aborts the run.
type FatalConfigError struct {
	Reason string
	Err    error
}

func (e *FatalConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Reason, e.Err)
	}
	return "fatal: " + e.Reason
}

func (e *FatalConfigError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err carries a FatalConfigError.
func IsFatal(err error) bool {
	var fatal *FatalConfigError
	return errors.As(err, &fatal)
}

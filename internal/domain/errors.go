package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds. Every StageError matches exactly one of them through errors.Is.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrConnection    = errors.New("connection error")
	ErrTransfer      = errors.New("transfer error")
	ErrCleanup       = errors.New("cleanup error")
	ErrBucketAccess  = errors.New("bucket access error")
)

// StageError describes a failure of one stage for one source, and optionally
// one file.
type StageError struct {
	Source string
	Stage  Stage
	File   string
	Kind   error
	Err    error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Stage)
	if e.Source != "" {
		msg = fmt.Sprintf("%s [source=%s]", msg, e.Source)
	}
	if e.File != "" {
		msg = fmt.Sprintf("%s [file=%s]", msg, e.File)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *StageError) Unwrap() error { return e.Err }

func (e *StageError) Is(target error) bool { return target == e.Kind }

// NewStageError wraps err with a stack trace and tags it with kind.
func NewStageError(kind error, source string, stage Stage, file string, err error) *StageError {
	if err != nil {
		err = errors.WithStack(err)
	}
	return &StageError{
		Source: source,
		Stage:  stage,
		File:   file,
		Kind:   kind,
		Err:    err,
	}
}

// ConfigErrorWrap tags err as a configuration failure of one stage.
func ConfigErrorWrap(source string, stage Stage, err error) *StageError {
	return NewStageError(ErrConfiguration, source, stage, "", err)
}

// ConfigError is a shorthand for configuration failures that have no file.
func ConfigError(source string, stage Stage, format string, args ...any) *StageError {
	return &StageError{
		Source: source,
		Stage:  stage,
		Kind:   ErrConfiguration,
		Err:    errors.Errorf(format, args...),
	}
}

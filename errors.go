package bkd

import (
	"errors"
	"fmt"

	"github.com/hupe1980/bkd/internal/store"
)

var (
	// ErrAlreadyFinished is returned when a writer is used after it built a tree.
	ErrAlreadyFinished = errors.New("bkd: writer already finished")
	// ErrMixedBuild is returned when Add is mixed with WriteField or Merge.
	ErrMixedBuild = errors.New("bkd: cannot mix add with writeField or merge")
	// ErrTooManyPoints is returned when more points arrive than were declared.
	ErrTooManyPoints = errors.New("bkd: more points than declared total")
	// ErrPackedValueLength is returned for a packed value of the wrong size.
	ErrPackedValueLength = errors.New("bkd: packed value has wrong length")
	// ErrOneDimOnly is returned by operations restricted to one-dimensional trees.
	ErrOneDimOnly = errors.New("bkd: operation requires a single dimension")
	// ErrTreeNotFound is returned when no committed tree exists under a name.
	ErrTreeNotFound = errors.New("bkd: tree not found")
	// ErrEmptyTree is returned when persisting a build that produced no points.
	ErrEmptyTree = errors.New("bkd: tree has no points")
	// ErrCorruptIndex matches every *CorruptIndexError.
	ErrCorruptIndex = errors.New("bkd: corrupt index")
	// ErrInvalidArgument reports a caller-side argument violation.
	ErrInvalidArgument = errors.New("bkd: invalid argument")
)

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("bkd: invalid %s=%v: %s", e.Field, e.Value, e.Reason)
}

// CorruptIndexError reports stored data that fails validation.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type CorruptIndexError struct {
	Resource string
	Msg      string
	cause    error
}

func (e *CorruptIndexError) Error() string {
	if e.Resource == "" {
		return "bkd: corrupt index: " + e.Msg
	}
	return fmt.Sprintf("bkd: corrupt index (resource=%s): %s", e.Resource, e.Msg)
}

func (e *CorruptIndexError) Unwrap() error { return e.cause }

// Is makes every CorruptIndexError match ErrCorruptIndex.
func (e *CorruptIndexError) Is(target error) bool { return target == ErrCorruptIndex }

func corruptf(resource, format string, args ...any) error {
	return &CorruptIndexError{Resource: resource, Msg: fmt.Sprintf(format, args...)}
}

func invalidArgf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// translateError lifts low-level corruption reports into *CorruptIndexError.
func translateError(resource string, err error) error {
	if err == nil {
		return nil
	}

	var cie *CorruptIndexError
	if errors.As(err, &cie) {
		return err
	}
	if errors.Is(err, store.ErrCorrupt) {
		return &CorruptIndexError{Resource: resource, Msg: err.Error(), cause: err}
	}

	return err
}

package model

import (
	"errors"
	"fmt"
	"time"
)

// FetchError is a per-channel read failure. It never aborts a cycle.
type FetchError struct {
	Channel    string
	Temporary  bool
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("fetch %s: %v (retry after %s)", e.Channel, e.Err, e.RetryAfter)
	}
	return fmt.Sprintf("fetch %s: %v", e.Channel, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

type DispatchKind int

const (
	Transient DispatchKind = iota
	Permanent
)

func (k DispatchKind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// DispatchError is returned by mail transports. Transient errors are retried
// within the cycle; permanent ones stop the dispatch immediately.
type DispatchError struct {
	Kind DispatchKind
	Err  error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch (%s): %v", e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

func NewTransient(err error) error {
	if err == nil {
		return nil
	}
	return &DispatchError{Kind: Transient, Err: err}
}

func NewPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &DispatchError{Kind: Permanent, Err: err}
}

// IsPermanent reports whether err carries a permanent DispatchError.
func IsPermanent(err error) bool {
	var de *DispatchError
	return errors.As(err, &de) && de.Kind == Permanent
}

// StorageError aborts a cycle without mutating cursors or dedup records.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// WrapStorage returns nil for a nil err.
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// ConfigError means the configuration cannot drive a cycle.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func ConfigErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

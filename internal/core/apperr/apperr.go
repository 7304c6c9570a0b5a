// Package apperr holds the error taxonomy surfaced by the POI subsystem.
package apperr

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

// ValidationError reports bad caller input. It is never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

// UpstreamError is a non-2xx status or an unreadable payload from the geodata service.
type UpstreamError struct {
	Status int
	Body   string
	Err    error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("upstream status %d: %v", e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("upstream: %v", e.Err)
	default:
		return fmt.Sprintf("upstream status %d: %s", e.Status, e.Body)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("%s timed out: %v", e.Op, e.Err) }

func (e *TimeoutError) Unwrap() error { return e.Err }

// StoreError wraps a cache persistence failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsUpstream(err error) bool {
	var u *UpstreamError
	return errors.As(err, &u)
}

func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}

func IsStore(err error) bool {
	var s *StoreError
	return errors.As(err, &s)
}

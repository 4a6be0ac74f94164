package ble

import (
	"errors"
	"fmt"
)

// Error classes. The supervisor retries everything except ErrPrecondition.
var (
	ErrPrecondition = errors.New("ble: precondition failed")
	ErrNotFound     = errors.New("ble: device not found")
	ErrConnect      = errors.New("ble: connect failed")
)

var (
	ErrRadioOff         = fmt.Errorf("%w: bluetooth is powered off", ErrPrecondition)
	ErrPermissionDenied = fmt.Errorf("%w: bluetooth permissions missing", ErrPrecondition)
)

// retryable reports whether a failed attempt should be scheduled again.
func retryable(err error) bool {
	return !errors.Is(err, ErrPrecondition)
}

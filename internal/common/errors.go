package common

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrCapacityExceeded = errors.New("storage capacity exceeded")
	ErrConflict         = errors.New("concurrent modification conflict")
)

package realtime

import "errors"

var (
	// ErrTornDown is returned by operations on a coordinator that has been
	// torn down.
	ErrTornDown = errors.New("coordinator torn down")

	// ErrAlreadyRunning is returned when Run is called more than once.
	ErrAlreadyRunning = errors.New("coordinator already running")
)

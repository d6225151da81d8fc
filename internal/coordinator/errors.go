package coordinator

import "errors"

// Operation failures reported to the requesting caller only. Nothing in
// this package broadcasts an error to a thread's group.
var (
	ErrThreadNotFound = errors.New("thread not found")
	ErrThreadClosed   = errors.New("thread is closed")
)

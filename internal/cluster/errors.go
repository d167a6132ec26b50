package cluster

import (
	"context"
	"errors"
)

// Failures a node is expected to report while a fault is active.
var (
	ErrConnectRefused = errors.New("connection refused")
	ErrTimeout        = errors.New("request timed out")
	ErrNoMaster       = errors.New("no master")
	ErrBlocked        = errors.New("blocked by cluster block")
)

// Misuse of the cluster surface.
var (
	ErrUnknownNode    = errors.New("unknown node")
	ErrNotStarted     = errors.New("cluster not started")
	ErrAlreadyStarted = errors.New("cluster already started")
	ErrClosed         = errors.New("cluster closed")
)

// IsDisruption reports whether err is one a node may legitimately return
// while the network between nodes is faulty.
func IsDisruption(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, ErrConnectRefused) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNoMaster) ||
		errors.Is(err, ErrBlocked) ||
		errors.Is(err, context.DeadlineExceeded)
}

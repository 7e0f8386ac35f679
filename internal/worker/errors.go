package worker

import "errors"

// ErrCleanup rejects every pending request when a connection is torn down,
// whether by Disconnect, a reconnect or an unexpected worker exit.
var ErrCleanup = errors.New("cleanup")

// ErrTimeout rejects waits that exceeded their deadline, distinguishable
// from a commandError reported by the worker itself.
var ErrTimeout = errors.New("timeout")

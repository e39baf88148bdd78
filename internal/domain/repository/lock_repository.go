package repository

import (
	"context"
	"time"
)

// LockInfo describes the process holding a lock
type LockInfo struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	Command    string    `json:"command,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock is a held exclusive lock
type Lock interface {
	// Release unlocks; releasing twice is a no-op
	Release() error
}

// Locker guards a shared resource across processes
type Locker interface {
	// Acquire blocks until the lock is held, ctx ends, or the configured
	// timeout elapses (LockContention)
	Acquire(ctx context.Context, command string) (Lock, error)

	// Probe reports whether some process currently holds the lock, without
	// waiting. info is best effort and may be nil.
	Probe(ctx context.Context) (held bool, info *LockInfo, err error)
}

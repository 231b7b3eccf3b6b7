//go:build !windows && !unix

package singleinstance

// Lock is a no-op where neither flock nor named mutexes exist.
type Lock struct{}

// TryLock always succeeds.
func TryLock(string) (*Lock, error) { return &Lock{}, nil }

// Release is a no-op.
func (l *Lock) Release() error { return nil }

// DefaultName returns "".
func DefaultName(string) string { return "" }

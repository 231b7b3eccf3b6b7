// Package singleinstance keeps a second gitdeck window from opening against
// the same workspace file.
package singleinstance

import "errors"

// ErrAlreadyRunning is returned by TryLock when another process holds the
// lock.
var ErrAlreadyRunning = errors.New("another instance is already running")

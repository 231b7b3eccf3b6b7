package workerutil

import "fmt"

// PanicError is returned by Guard when fn panicked.
type PanicError struct {
	Worker string
	Value  any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.Worker, e.Value)
}

// Guard runs fn on the calling goroutine and converts a panic into a
// *PanicError. The panic and its stack are logged.
func Guard(name string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(name, r)
			err = &PanicError{Worker: name, Value: r}
		}
	}()
	fn()
	return nil
}

package counterstore

import "errors"

var (
	// ErrStoreUnavailable wraps every transport failure and timeout. Callers
	// must never read it as a negative answer.
	ErrStoreUnavailable = errors.New("counter store unavailable")
	ErrNotInteger       = errors.New("value is not an integer")
	ErrWrongType        = errors.New("operation against a key holding the wrong kind of value")
)

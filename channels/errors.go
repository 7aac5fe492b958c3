package channels

import "errors"

// TransportError is a transient, adapter-level failure (connection reset,
// SMTP 4xx, HTTP 5xx or 429). Adapters retry these internally.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "channel transport failure: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// PermanentError is a failure retrying cannot fix (invalid address, hard
// bounce, rejected payload). It halts the enrollment.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "channel permanent failure: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Transient(err error) error { return &TransportError{Err: err} }
func Permanent(err error) error { return &PermanentError{Err: err} }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

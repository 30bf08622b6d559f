package fetch

import "errors"

// Error classifies a fetch failure. Transient failures are retried by the
// orchestrator; permanent ones (identifier does not exist, malformed source
// response) short-circuit to Failed without consuming the retry budget.
type Error struct {
	Transient bool
	Msg       string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func transient(msg string, err error) *Error {
	return &Error{Transient: true, Msg: msg, Err: err}
}

func permanent(msg string, err error) *Error {
	return &Error{Transient: false, Msg: msg, Err: err}
}

// IsPermanent reports whether err is a fetch error that retrying cannot fix.
// Unclassified errors count as transient.
func IsPermanent(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return !fe.Transient
	}
	return false
}

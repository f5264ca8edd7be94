package common

import (
	"errors"

	"github.com/hermeznetwork/tracerr"
)

// ErrDone is used when a function returns earlier due to a cancelled context
var ErrDone = errors.New("done")

// ErrCallRejected is used when the ethereum node explicitly rejects a call as
// invalid (reverted execution, bad arguments).  Retrying such a call never
// succeeds.
var ErrCallRejected = errors.New("call rejected by the node")

// ErrInsufficientBalance is used when the account balance is below the
// configured minimum
var ErrInsufficientBalance = errors.New("insufficient account balance")

// IsErrDone returns true if the error or wrapped error is ErrDone
func IsErrDone(err error) bool {
	return Unwrap(err) == ErrDone
}

// IsErrCallRejected returns true if the error chain contains ErrCallRejected
func IsErrCallRejected(err error) bool {
	return errors.Is(Unwrap(err), ErrCallRejected)
}

// Wrap annotates the error with the stack trace of the caller.  Returns nil
// if err is nil.
func Wrap(err error) error {
	return tracerr.Wrap(err)
}

// Unwrap returns the original error stripped of the stack trace
func Unwrap(err error) error {
	return tracerr.Unwrap(err)
}

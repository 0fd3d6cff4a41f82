package conversation

import (
	"errors"
)

var (
	ErrValidation      = errors.New("validation error")
	ErrEmptyBody       = errors.New("message body is empty")
	ErrBodyTooLong     = errors.New("message body is too long")
	ErrNotAParticipant = errors.New("not a participant")
	ErrMatchNotFound   = errors.New("match not found")
	ErrMatchClosed     = errors.New("match is closed")
	ErrResourceHalted  = errors.New("resource halted")
	ErrTransientStore  = errors.New("transient store failure")
)

type TooFastError struct {
	RetryAfterSec int64
}

func (e TooFastError) Error() string {
	return "too fast"
}

func (e TooFastError) RetryAfter() int64 {
	if e.RetryAfterSec <= 0 {
		return 1
	}
	return e.RetryAfterSec
}

func IsTooFast(err error) (*TooFastError, bool) {
	var tf TooFastError
	if errors.As(err, &tf) {
		return &tf, true
	}
	return nil, false
}

// PossibleDuplicateError marks an append whose outcome is unknown. The message may already be
// stored, so a retry can create a second copy.
type PossibleDuplicateError struct {
	Err error
}

func (e PossibleDuplicateError) Error() string {
	return "append outcome unknown, retry may duplicate: " + e.Err.Error()
}

func (e PossibleDuplicateError) Unwrap() error {
	return e.Err
}

func IsPossibleDuplicate(err error) bool {
	var pd PossibleDuplicateError
	return errors.As(err, &pd)
}

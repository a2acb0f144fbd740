package message

import "errors"

var (
	ErrEmptyType       = errors.New("message type is required")
	ErrInvalidPriority = errors.New("message priority must be normal or high")
	ErrIdentityChanged = errors.New("message id does not match its type and payload")
	ErrMissingField    = errors.New("payload field is missing")
)

// UnprocessableError marks a message that can never be handled successfully,
// no matter how often it is redelivered.
type UnprocessableError struct {
	err error
}

func NewUnprocessableError(err error) *UnprocessableError {
	return &UnprocessableError{err: err}
}

func (e *UnprocessableError) Error() string { return "unprocessable message: " + e.err.Error() }

func (e *UnprocessableError) Unwrap() error { return e.err }

func IsUnprocessable(err error) bool {
	var unprocessable *UnprocessableError

	return errors.As(err, &unprocessable)
}

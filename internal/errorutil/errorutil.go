package errorutil

import "errors"

// ErrDataIntegrity is a base error type to use for failures that are due to
// unrecoverable data integrity issues, such as a trace log that does not
// replay.
var ErrDataIntegrity = errors.New("data integrity error")

// ErrInvalidArgument marks malformed input received from a caller.
var ErrInvalidArgument = errors.New("invalid argument")

package convert

import (
	"errors"
	"fmt"
)

// MaterializerError reports that a dataset's bytes could not be turned
// into a canonical CSV: an unparsable container, a truncated file, or a
// format this build cannot convert. Profiling treats it as a terminal
// per-dataset failure (quarantine, no retry).
type MaterializerError struct {
	msg string
	err error
}

func (e *MaterializerError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *MaterializerError) Unwrap() error { return e.err }

func materializerErrorf(format string, args ...any) error {
	return &MaterializerError{msg: fmt.Sprintf(format, args...)}
}

func wrapMaterializer(msg string, err error) error {
	return &MaterializerError{msg: msg, err: err}
}

// IsMaterializerError reports whether err is (or wraps) a
// MaterializerError.
func IsMaterializerError(err error) bool {
	var me *MaterializerError
	return errors.As(err, &me)
}

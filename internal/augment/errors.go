// Package augment executes join and union augmentations between a
// query dataset and a materialized catalog dataset, streaming the
// combined table out through a format writer.
package augment

import (
	"errors"
	"fmt"
)

// AugmentationError reports a schema mismatch between the task and the
// actual data. Callers surface it as a client error, not a retryable
// failure.
type AugmentationError struct {
	msg string
}

func (e *AugmentationError) Error() string {
	return "augment: " + e.msg
}

func errorf(format string, args ...any) error {
	return &AugmentationError{msg: fmt.Sprintf(format, args...)}
}

// IsAugmentationError reports whether err is a schema mismatch.
func IsAugmentationError(err error) bool {
	var ae *AugmentationError
	return errors.As(err, &ae)
}

package pipeline

import (
	"errors"
	"fmt"
)

// PermanentError marks a document that can never be processed: malformed
// payload, unsupported format. Workers fail such items without spending
// retries.
type PermanentError struct {
	// DocID is the document that cannot be processed
	DocID string

	// Err is the underlying failure
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("process %s: %v", e.DocID, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is, or wraps, a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

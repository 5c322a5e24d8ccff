package source

import (
	"errors"
	"fmt"
)

// PermanentError marks a fetch or enumerate failure that retrying cannot
// repair: the document does not exist, the credentials are rejected, or the
// identifier is malformed. Workers fail such items without spending retries.
type PermanentError struct {
	// Op is the operation that failed (fetch, enumerate)
	Op string

	// DocID is the document involved, if any
	DocID string

	// Err is the underlying failure
	Err error
}

func (e *PermanentError) Error() string {
	if e.DocID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.DocID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is, or wraps, a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

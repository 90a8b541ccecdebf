package messaging

import (
	"errors"
	"fmt"

	"github.com/wakala/paysettle/internal/domain"
)

// ErrPublishFailed is returned once a publish has used its whole retry
// budget without a broker ack.
var ErrPublishFailed = errors.New("publish failed")

// PermanentError marks a handler failure that retrying cannot fix. The
// consumer sends such messages straight to the stage DLQ.
type PermanentError struct {
	Category domain.ExceptionCategory
	Err      error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(category domain.ExceptionCategory, err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Category: category, Err: err}
}

// IsPermanent reports whether err carries a permanent classification and
// returns its category.
func IsPermanent(err error) (domain.ExceptionCategory, bool) {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.Category, true
	}
	return "", false
}

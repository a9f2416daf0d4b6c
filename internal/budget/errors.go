package budget

import (
	"errors"
	"fmt"
)

// Limit kinds carried by ErrExceeded.
const (
	KindTime      = "time"
	KindToolCalls = "tool_calls"
	KindBlocks    = "blocks"
)

// ErrExceeded names the first run limit that was reached.
type ErrExceeded struct {
	Kind  string
	Usage string
	Limit string
}

func (e ErrExceeded) Error() string {
	return fmt.Sprintf("run budget reached (%s): used %s of %s", e.Kind, e.Usage, e.Limit)
}

// AsExceeded unwraps a budget breach from err.
func AsExceeded(err error) (ErrExceeded, bool) {
	var e ErrExceeded
	ok := errors.As(err, &e)
	return e, ok
}

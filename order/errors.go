package order

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals the order does not exist.
	ErrNotFound = errors.New("order: not found")
	// ErrForbidden signals the acting user is not allowed to perform the
	// operation on this order.
	ErrForbidden = errors.New("order: forbidden")
)

// InvalidStateError reports a guard violation. It carries the actual
// current status so callers can resynchronize their view.
type InvalidStateError struct {
	OrderID   string
	Current   Status
	Attempted string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("order: cannot %s order %s in status %s", e.Attempted, e.OrderID, e.Current)
}

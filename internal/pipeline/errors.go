package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Category is the coarse failure class reported to clients. Clients
// never see more detail than this; the full error is logged.
type Category string

// Failure categories.
const (
	CategoryTransport      Category = "transport"
	CategoryMalformedInput Category = "malformed_input"
	CategoryPersistence    Category = "persistence"
	CategoryDelivery       Category = "delivery"
	CategoryInternal       Category = "internal"
)

// Error is a pipeline failure tagged with its category.
type Error struct {
	Category Category
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps err to a category. Tagged errors keep their own;
// cancellations and network failures are transport; anything else is
// internal.
func Classify(err error) Category {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Category
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.As(err, &ne) {
		return CategoryTransport
	}
	return CategoryInternal
}

// panicError wraps a recovered panic value.
type panicError struct{ value any }

func (p panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

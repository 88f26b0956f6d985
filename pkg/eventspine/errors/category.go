// Package errors provides error categorization, typed errors, and retry
// support for the event backbone.
//
// The error taxonomy maps onto four categories:
//   - Transient: retry will likely help (flaky handler, busy backend)
//   - Permanent: retry won't help (validation failure, shredded aggregate)
//   - RateLimited: the throttling behavior aborted the publish
//   - Timeout: a handler exceeded its time budget
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help.
	CategoryPermanent

	// CategoryRateLimited indicates a publish was throttled.
	CategoryRateLimited

	// CategoryTimeout indicates a handler exceeded its time budget.
	CategoryTimeout
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	case CategoryRateLimited:
		return "rate_limited"
	case CategoryTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Attempts is the number of attempts that have been made.
	Attempts int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Attempts)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Attempts)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Transient creates a transient error.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Permanent creates a permanent error.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

// ValidationError reports a malformed event envelope. Validation failures
// are permanent: the same event will never become valid on retry.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// RateLimitError indicates the throttling behavior aborted a publish.
type RateLimitError struct {
	ActorID string
	Limit   int
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for actor %s (limit %d)", e.ActorID, e.Limit)
}

// TimeoutError indicates a handler exceeded its time budget. The underlying
// handler call is abandoned, not cancelled, so it may still be running.
type TimeoutError struct {
	Handler  string
	Duration string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("handler %s timed out after %s", e.Handler, e.Duration)
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent // shouldn't happen, fail safe
	}

	// Check for already-categorized errors
	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return CategoryPermanent
	}

	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return CategoryRateLimited
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return CategoryTimeout
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CategoryPermanent
	}

	// Unknown errors are transient: a flaky handler is the common case and
	// the retry budget bounds the damage.
	return CategoryTransient
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

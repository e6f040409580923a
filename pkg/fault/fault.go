// Package fault defines the canonical error taxonomy shared by the
// gateway, session store, token authority, and stream pipeline. Clients
// only ever see a structured rendering of these errors; raw internals
// stay server-side.
package fault

import (
	"errors"
	"fmt"
)

type Category string

const (
	CategoryValidation Category = "validation"
	CategoryAuth       Category = "auth"
	CategoryRateLimit  Category = "rate_limit"
	CategorySystem     Category = "system"
	CategoryProtocol   Category = "protocol"
)

// Error is the canonical error shape. Recoverable tells the client
// whether retrying the same operation can ever succeed.
type Error struct {
	Category    Category
	Code        string
	Message     string
	Recoverable bool
	// RetryAfter is set on rate-limit errors, in seconds.
	RetryAfter int
	// Suggestion is a client-facing recovery hint, optional.
	Suggestion string

	wrapped error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.wrapped
}

func Validation(code, message string) *Error {
	return &Error{Category: CategoryValidation, Code: code, Message: message}
}

// Auth returns the undifferentiated authentication error. Callers must
// not learn which verification step failed.
func Auth() *Error {
	return &Error{Category: CategoryAuth, Code: "invalid_token", Message: "authentication failed"}
}

func RateLimited(retryAfter int) *Error {
	return &Error{
		Category:    CategoryRateLimit,
		Code:        "rate_limited",
		Message:     "rate limit exceeded",
		Recoverable: true,
		RetryAfter:  retryAfter,
		Suggestion:  "back off and retry",
	}
}

func System(code, message string, wrapped error) *Error {
	return &Error{
		Category:    CategorySystem,
		Code:        code,
		Message:     message,
		Recoverable: true,
		wrapped:     wrapped,
	}
}

func Protocol(code, message string) *Error {
	return &Error{Category: CategoryProtocol, Code: code, Message: message}
}

// As unwraps err into a *Error, or wraps it as an internal system
// error so callers always have a canonical shape to render.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) && fe != nil {
		return fe
	}
	return System("internal", "internal error", err)
}

// CategoryOf reports the taxonomy category of err, defaulting to
// system for unclassified errors.
func CategoryOf(err error) Category {
	if fe := As(err); fe != nil {
		return fe.Category
	}
	return CategorySystem
}

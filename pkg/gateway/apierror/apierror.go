// Package apierror translates fault errors into HTTP responses.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/voicewire/voicewire/pkg/fault"
)

type body struct {
	Error payload `json:"error"`
}

type payload struct {
	Category    string `json:"category"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	RetryAfter  int    `json:"retryAfter,omitempty"`
	Suggestion  string `json:"recoverySuggestion,omitempty"`
}

// FromError normalizes any error into a fault and the HTTP status it
// maps to.
func FromError(err error) (*fault.Error, int) {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.System("upstream_timeout", "upstream timed out", err), http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return fault.System("request_canceled", "request canceled", err), 499
	}
	fe := fault.As(err)
	return fe, statusFromCategory(fe)
}

func statusFromCategory(fe *fault.Error) int {
	switch fe.Category {
	case fault.CategoryValidation, fault.CategoryProtocol:
		return http.StatusBadRequest
	case fault.CategoryAuth:
		return http.StatusUnauthorized
	case fault.CategoryRateLimit:
		return http.StatusTooManyRequests
	case fault.CategorySystem:
		if fe.Recoverable {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Write sends err as a JSON error envelope with the mapped status.
func Write(w http.ResponseWriter, err error) {
	fe, status := FromError(err)
	w.Header().Set("Content-Type", "application/json")
	if fe.Category == fault.CategoryRateLimit && fe.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(fe.RetryAfter))
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body{Error: payload{
		Category:    string(fe.Category),
		Code:        fe.Code,
		Message:     fe.Message,
		Recoverable: fe.Recoverable,
		RetryAfter:  fe.RetryAfter,
		Suggestion:  fe.Suggestion,
	}})
}

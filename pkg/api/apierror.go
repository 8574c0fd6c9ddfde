// Package api serves the ledger over HTTP, reporting errors as RFC 7807 problem details.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/cybertechsoft/loopgrid/pkg/contracts"
)

// ErrRateLimited is returned when a client exceeds its replay allowance.
var ErrRateLimited = errors.New("rate limit exceeded")

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID echoes the request's X-Request-ID.
	TraceID string `json:"trace_id,omitempty"`
	// Field names the rejected payload field on validation errors.
	Field string `json:"field,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteProblem writes an RFC 7807 response enriched with request context.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblem(w, r, &ProblemDetail{Status: status, Detail: detail})
}

func writeProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	p.Type = fmt.Sprintf("https://loopgrid.dev/errors/%d", p.Status)
	p.Title = http.StatusText(p.Status)
	p.Instance = r.URL.Path
	p.TraceID = w.Header().Get(RequestIDHeader)

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError maps a domain error onto its problem response.
// Unclassified errors are logged and never exposed to the client.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *contracts.ValidationError
	switch {
	case errors.As(err, &ve):
		writeProblem(w, r, &ProblemDetail{Status: http.StatusBadRequest, Detail: err.Error(), Field: ve.Field})
	case errors.Is(err, contracts.ErrValidation):
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, contracts.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, contracts.ErrImmutabilityViolation):
		WriteProblem(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		WriteProblem(w, r, http.StatusTooManyRequests, "Rate limit exceeded. Retry after the specified interval.")
	default:
		slog.ErrorContext(r.Context(), "internal server error",
			"error", err,
			"path", r.URL.Path,
			"request_id", RequestIDFrom(r.Context()),
		)
		WriteProblem(w, r, http.StatusInternalServerError, "An unexpected error occurred. Please try again later.")
	}
}

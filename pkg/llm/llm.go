// Package llm holds the thin provider clients used for live replays.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Request is one single-turn completion.
type Request struct {
	Model  string
	System string
	User   string
}

// Response is the provider's text answer.
type Response struct {
	Content string
	Tokens  int
}

// Invoker executes a completion against one provider.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// ErrEmptyResponse is returned when a provider answers without content.
var ErrEmptyResponse = errors.New("llm: empty response")

// StatusError reports a non-2xx provider response.
type StatusError struct {
	Provider   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s error: %d", e.Provider, e.StatusCode)
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 60 * time.Second}
}

package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/cybertechsoft/loopgrid/pkg/annotations"
	"github.com/cybertechsoft/loopgrid/pkg/ledger"
	"github.com/cybertechsoft/loopgrid/pkg/replay"
	"github.com/cybertechsoft/loopgrid/pkg/verifier"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

const maxBodyBytes = 1 << 20

// Server exposes the ledger, annotations, replays and verification over HTTP.
type Server struct {
	ledger      *ledger.Ledger
	annotations *annotations.Store
	replays     *replay.Engine
	verifier    *verifier.Verifier
	replayLimit Limiter
	ipLimiter   *IPRateLimiter
	logger      *slog.Logger
}

func NewServer(l *ledger.Ledger, a *annotations.Store, e *replay.Engine, v *verifier.Verifier) *Server {
	return &Server{
		ledger:      l,
		annotations: a,
		replays:     e,
		verifier:    v,
		logger:      slog.Default().With("component", "api"),
	}
}

// WithReplayLimiter caps replay creation per client.
func (s *Server) WithReplayLimiter(l Limiter) *Server {
	s.replayLimit = l
	return s
}

// WithRateLimit caps all requests per client IP. A non-positive rps disables it.
func (s *Server) WithRateLimit(rps float64, burst int) *Server {
	if rps > 0 {
		s.ipLimiter = NewIPRateLimiter(rps, burst)
	}
	return s
}

// RegisterRoutes registers the API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /v1/decisions", s.handleRecordDecision)
	mux.HandleFunc("GET /v1/decisions", s.handleListDecisions)
	mux.HandleFunc("GET /v1/decisions/{id}", s.handleGetDecision)
	mux.HandleFunc("POST /v1/decisions/{id}/incorrect", s.handleMarkIncorrect)
	mux.HandleFunc("POST /v1/decisions/{id}/corrections", s.handleAttachCorrection)
	mux.HandleFunc("POST /v1/decisions/{id}/correction", s.handleAttachCorrection)
	mux.HandleFunc("GET /v1/decisions/{id}/corrections", s.handleListCorrections)
	mux.HandleFunc("GET /v1/decisions/{id}/events", s.handleListEvents)
	mux.HandleFunc("GET /v1/decisions/{id}/replays", s.handleListReplays)
	mux.HandleFunc("GET /v1/decisions/{id}/compare/{replay_id}", s.handleCompare)
	mux.HandleFunc("GET /v1/corrections/{id}", s.handleGetCorrection)

	mux.HandleFunc("POST /v1/replays", s.handleCreateReplay)
	mux.HandleFunc("GET /v1/replays/{id}", s.handleGetReplay)

	mux.HandleFunc("GET /v1/integrity/verify", s.handleVerify)
}

// Handler returns the routed API wrapped in request id, logging and rate
// limiting middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var h http.Handler = mux
	if s.ipLimiter != nil {
		h = s.ipLimiter.Middleware(h)
	}
	h = LoggingMiddleware(s.logger, h)
	return RequestIDMiddleware(h)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

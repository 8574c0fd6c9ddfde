package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/cybertechsoft/loopgrid/pkg/annotations"
	"github.com/cybertechsoft/loopgrid/pkg/contracts"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type decisionResponse struct {
	*contracts.Decision
	Status contracts.Status `json:"status"`
}

type decisionListResponse struct {
	Decisions []decisionResponse `json:"decisions"`
	Total     int                `json:"total"`
	Page      int                `json:"page"`
	PageSize  int                `json:"page_size"`
	HasMore   bool               `json:"has_more"`
}

type markIncorrectRequest struct {
	Reason string `json:"reason"`
}

type correctionRequest struct {
	Correction  json.RawMessage `json:"correction"`
	CorrectedBy string          `json:"corrected_by"`
	Notes       string          `json:"notes"`
}

type replayRequest struct {
	DecisionID  string          `json:"decision_id"`
	Overrides   json.RawMessage `json:"overrides"`
	TriggeredBy string          `json:"triggered_by"`
}

// decodeBody reads a JSON body into v. An empty body is allowed only when
// optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF) && optional:
		return nil
	default:
		return &contracts.ValidationError{Field: "body", Reason: "invalid JSON request body"}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
		"service": "loopgrid",
	})
}

func (s *Server) handleRecordDecision(w http.ResponseWriter, r *http.Request) {
	var in contracts.DecisionInput
	if err := decodeBody(w, r, &in, false); err != nil {
		WriteError(w, r, err)
		return
	}
	d, err := s.ledger.Append(r.Context(), in)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, decisionResponse{Decision: d, Status: contracts.StatusRecorded})
}

func (s *Server) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	resp, err := s.decision(r, r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) decision(r *http.Request, id string) (decisionResponse, error) {
	d, err := s.ledger.Get(r.Context(), id)
	if err != nil {
		return decisionResponse{}, err
	}
	status, err := s.annotations.CurrentStatus(r.Context(), id)
	if err != nil {
		return decisionResponse{}, err
	}
	return decisionResponse{Decision: d, Status: status}, nil
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), 1, "page")
	if err != nil {
		WriteError(w, r, err)
		return
	}
	pageSize, err := intParam(q.Get("page_size"), defaultPageSize, "page_size")
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if page < 1 || pageSize < 1 || pageSize > maxPageSize {
		WriteError(w, r, &contracts.ValidationError{Field: "page_size", Reason: "page must be >= 1 and page_size between 1 and 100"})
		return
	}

	filter := contracts.DecisionFilter{
		ServiceName:  q.Get("service_name"),
		DecisionType: q.Get("decision_type"),
		Status:       contracts.Status(q.Get("status")),
		Limit:        pageSize,
		Offset:       (page - 1) * pageSize,
		Descending:   true,
	}
	switch q.Get("order") {
	case "", "desc":
	case "asc":
		filter.Descending = false
	default:
		WriteError(w, r, &contracts.ValidationError{Field: "order", Reason: "must be asc or desc"})
		return
	}

	total, err := s.ledger.Count(r.Context(), filter)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	decisions, err := s.ledger.List(r.Context(), filter)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	out := decisionListResponse{
		Decisions: make([]decisionResponse, 0, len(decisions)),
		Total:     total,
		Page:      page,
		PageSize:  pageSize,
		HasMore:   page*pageSize < total,
	}
	for _, d := range decisions {
		status, err := s.annotations.CurrentStatus(r.Context(), d.ID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		out.Decisions = append(out.Decisions, decisionResponse{Decision: d, Status: status})
	}
	writeJSON(w, http.StatusOK, out)
}

func intParam(raw string, def int, field string) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &contracts.ValidationError{Field: field, Reason: "must be an integer"}
	}
	return n, nil
}

func (s *Server) handleMarkIncorrect(w http.ResponseWriter, r *http.Request) {
	var req markIncorrectRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		WriteError(w, r, err)
		return
	}
	id := r.PathValue("id")
	if _, err := s.annotations.MarkIncorrect(r.Context(), id, req.Reason); err != nil {
		WriteError(w, r, err)
		return
	}
	resp, err := s.decision(r, id)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAttachCorrection(w http.ResponseWriter, r *http.Request) {
	var req correctionRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		WriteError(w, r, err)
		return
	}
	c, err := s.annotations.AttachCorrection(r.Context(), r.PathValue("id"), req.Correction, req.CorrectedBy, req.Notes)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListCorrections(w http.ResponseWriter, r *http.Request) {
	cs, err := s.annotations.ListCorrections(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"corrections": cs})
}

func (s *Server) handleGetCorrection(w http.ResponseWriter, r *http.Request) {
	c, err := s.annotations.GetCorrection(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.annotations.ListStatusEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": evs,
		"status": annotations.StatusOf(evs),
	})
}

func (s *Server) handleListReplays(w http.ResponseWriter, r *http.Request) {
	rs, err := s.replays.ListReplays(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"replays": rs})
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	diff, err := s.replays.Compare(r.Context(), r.PathValue("id"), r.PathValue("replay_id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

func (s *Server) handleCreateReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		WriteError(w, r, err)
		return
	}
	if req.DecisionID == "" {
		WriteError(w, r, &contracts.ValidationError{Field: "decision_id", Reason: "is required"})
		return
	}
	overrides, err := contracts.ParseOverrides(req.Overrides)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	if s.replayLimit != nil {
		allowed, err := s.replayLimit.Allow(r.Context(), clientIP(r))
		if err != nil {
			s.logger.WarnContext(r.Context(), "replay limiter unavailable, allowing request", "error", err)
		} else if !allowed {
			WriteError(w, r, ErrRateLimited)
			return
		}
	}

	rep, err := s.replays.CreateReplay(r.Context(), req.DecisionID, overrides, req.TriggeredBy)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rep)
}

func (s *Server) handleGetReplay(w http.ResponseWriter, r *http.Request) {
	rep, err := s.replays.GetReplay(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	report, err := s.verifier.Verify(r.Context(), r.URL.Query().Get("service_name"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

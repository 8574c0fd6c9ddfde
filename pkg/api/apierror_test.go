package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertechsoft/loopgrid/pkg/contracts"
)

func TestWriteError_Mapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{&contracts.ValidationError{Field: "input", Reason: "required"}, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", contracts.ErrValidation), http.StatusBadRequest},
		{contracts.NotFound("decision", "dec_1"), http.StatusNotFound},
		{fmt.Errorf("insert: %w", contracts.ErrImmutabilityViolation), http.StatusConflict},
		{ErrRateLimited, http.StatusTooManyRequests},
		{errors.New("connection refused to db at 10.0.0.5"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, httptest.NewRequest(http.MethodGet, "/v1/decisions/dec_1", nil), tt.err)
			assert.Equal(t, tt.status, rec.Code)

			var p ProblemDetail
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
			assert.Equal(t, tt.status, p.Status)
			assert.Equal(t, http.StatusText(tt.status), p.Title)
			assert.Equal(t, "/v1/decisions/dec_1", p.Instance)
			assert.NotContains(t, p.Detail, "10.0.0.5")
		})
	}
}

func TestWriteError_ValidationField(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, httptest.NewRequest(http.MethodPost, "/v1/decisions", nil), &contracts.ValidationError{Field: "model.provider", Reason: "missing"})
	var p ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "model.provider", p.Field)
	assert.Equal(t, "https://loopgrid.dev/errors/400", p.Type)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.7:5050"
	assert.Equal(t, "203.0.113.7", clientIP(r))
	r.RemoteAddr = "[::1]"
	assert.Equal(t, "::1", clientIP(r))
}

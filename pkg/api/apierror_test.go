package api_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/akfin/datagate/pkg/api"
)

func TestWriteError_ContentType(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteError(w, http.StatusBadRequest, "Bad Request", "field is missing")

	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected Content-Type 'application/problem+json', got %q", ct)
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if problem.Status != 400 {
		t.Errorf("expected problem.status=400, got %d", problem.Status)
	}
	if problem.Title != "Bad Request" {
		t.Errorf("expected title 'Bad Request', got %q", problem.Title)
	}
	if problem.Detail != "field is missing" {
		t.Errorf("expected detail 'field is missing', got %q", problem.Detail)
	}
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteInternal(w, errors.New("sqlite: database locked at /var/lib/datagate/users.db"))

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	// Must NOT contain internal error details
	if problem.Detail == "sqlite: database locked at /var/lib/datagate/users.db" {
		t.Error("internal error details leaked to client")
	}
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", w.Code)
	}
}

func TestWriteTooManyRequests_RetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteTooManyRequests(w, 30)

	if ra := w.Header().Get("Retry-After"); ra != "30" {
		t.Errorf("expected Retry-After '30', got %q", ra)
	}
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", w.Code)
	}
}

func TestWriteErrorR_EnrichesWithRequestContext(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/mcp-data/interfaces", nil)
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-123")

	api.WriteErrorR(w, req, http.StatusBadRequest, "Bad Request", "bad input")

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if problem.Instance != "/api/mcp-data/interfaces" {
		t.Fatalf("expected instance %q, got %q", "/api/mcp-data/interfaces", problem.Instance)
	}
	if problem.TraceID != "req-123" {
		t.Fatalf("expected trace_id %q, got %q", "req-123", problem.TraceID)
	}
}

func TestWriteProblem_KindMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("iface %q: %w", "bogus", api.ErrUnknownInterface), http.StatusBadRequest},
		{api.ErrPathViolation, http.StatusBadRequest},
		{api.ErrParse, http.StatusBadRequest},
		{api.ErrNotFound, http.StatusNotFound},
		{api.ErrTooLarge, http.StatusRequestEntityTooLarge},
		{api.ErrResultTooLarge, http.StatusRequestEntityTooLarge},
		{api.ErrUpstreamTimeout, http.StatusGatewayTimeout},
		{api.ErrUpstreamError, http.StatusBadGateway},
		{api.ErrModelUnreachable, http.StatusBadGateway},
		{api.ErrUnauthorized, http.StatusUnauthorized},
		{errors.New("disk exploded"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		req := httptest.NewRequest("POST", "/api/mcp-data", nil)
		w := httptest.NewRecorder()
		api.WriteProblem(w, req, tc.err)
		if w.Code != tc.status {
			t.Errorf("WriteProblem(%v) status = %d, want %d", tc.err, w.Code, tc.status)
		}
	}
}

package api

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fixedStatus int

func (f fixedStatus) Active() int { return int(f) }

func TestHealthHandler(t *testing.T) {
	s := NewServer(WithStatusSource(fixedStatus(3)), WithVersion("test"))

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Status string `json:"status"`
		Result struct {
			Version string `json:"version"`
			Active  *int   `json:"active_conversations"`
		} `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Status != "ok" || resp.Result.Version != "test" {
		t.Errorf("unexpected response %s", rr.Body.String())
	}
	if resp.Result.Active == nil || *resp.Result.Active != 3 {
		t.Errorf("active conversations not reported: %s", rr.Body.String())
	}
}

func TestHealthHandler_MethodNotAllowed(t *testing.T) {
	rr := httptest.NewRecorder()
	NewServer().Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}

func TestWebhookMounted(t *testing.T) {
	called := false
	s := NewServer(WithWebhook(TwilioWebhookPath, func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, TwilioWebhookPath, nil))
	if !called || rr.Code != http.StatusNoContent {
		t.Errorf("webhook not routed: called=%v code=%d", called, rr.Code)
	}
}

func TestWriteJSONResponse_Fallback(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSONResponse(rr, http.StatusOK, Success(math.Inf(1)))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 for unencodable payload, got %d", rr.Code)
	}
	if rr.Body.String() != string(fallbackErrorResponse) {
		t.Errorf("expected fallback body, got %s", rr.Body.String())
	}
}

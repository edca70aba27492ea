package diag

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nasa-jpl/cncmotion/settings"
	"github.com/nasa-jpl/cncmotion/system"
)

func newTestServer(t *testing.T) (*Server, *system.Executor) {
	t.Helper()
	exec := system.NewExecutor(settings.New(settings.Default()))
	return New(exec), exec
}

func TestStatusRoute(t *testing.T) {
	s, exec := newTestServer(t)
	if err := exec.Parser.ExecuteLine("G1X10Y5F200"); err != nil {
		t.Fatalf("ExecuteLine: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var payload StatusPayload
	if err := json.NewDecoder(w.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.FeedRate != 200 {
		t.Fatalf("FeedRate = %v, want 200", payload.FeedRate)
	}
	if payload.MPos["X"] != 10 || payload.MPos["Y"] != 5 {
		t.Fatalf("MPos = %v, want X=10 Y=5", payload.MPos)
	}
}

func TestModalRoute(t *testing.T) {
	s, exec := newTestServer(t)
	if err := exec.Parser.ExecuteLine("G91G20"); err != nil {
		t.Fatalf("ExecuteLine: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/modal", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var payload ModalPayload
	if err := json.NewDecoder(w.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Distance != "incremental" {
		t.Fatalf("Distance = %q, want incremental", payload.Distance)
	}
	if payload.Units != "inches" {
		t.Fatalf("Units = %q, want inches", payload.Units)
	}
}

func TestRoutesRouteIsReadOnly(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/routes", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /routes = %d, want 200", w.Code)
	}

	post := httptest.NewRequest(http.MethodPost, "/status", nil)
	w2 := httptest.NewRecorder()
	s.Router().ServeHTTP(w2, post)
	if w2.Code == http.StatusOK {
		t.Fatalf("POST /status should not be handled, got 200")
	}
}

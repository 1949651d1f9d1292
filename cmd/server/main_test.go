package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/p-n-ai/pathway/internal/catalog"
	"github.com/p-n-ai/pathway/internal/progression"
)

func testMux(t *testing.T) *http.ServeMux {
	t.Helper()
	store := catalog.NewMemoryStore()
	store.PutModule(catalog.Module{ID: 1, Name: "Orientation", SequenceOrder: 1, RequiresAllSubmodules: true, IsActive: true})
	store.PutModule(catalog.Module{ID: 2, Name: "Core Skills", SequenceOrder: 2, IsActive: true})
	store.PutSubmodule(catalog.Submodule{ID: 11, ModuleID: 1, Name: "Welcome", SequenceOrder: 1, IsActive: true})
	store.PutSubmodule(catalog.Submodule{ID: 12, ModuleID: 1, Name: "Survey", SequenceOrder: 2, IsActive: true})

	svc := progression.NewService(progression.ServiceConfig{
		Activities: store,
		Rules:      store,
	})
	return newMux(&server{service: svc})
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decoding %s %s response %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func TestHealthEndpoints(t *testing.T) {
	mux := testMux(t)

	rec, body := doJSON(t, mux, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("healthz = %d %v", rec.Code, body)
	}

	rec, body = doJSON(t, mux, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK || body["status"] != "ready" {
		t.Errorf("readyz = %d %v", rec.Code, body)
	}
}

func TestAccessEndpoints(t *testing.T) {
	mux := testMux(t)

	rec, body := doJSON(t, mux, http.MethodGet, "/v1/users/u1/modules/1/access", "")
	if rec.Code != http.StatusOK || body["allowed"] != true {
		t.Errorf("first module access = %d %v, want allowed", rec.Code, body)
	}

	// The second module is blocked by sequential order; the check itself
	// still succeeds.
	rec, body = doJSON(t, mux, http.MethodGet, "/v1/users/u1/modules/2/access", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("second module access status = %d", rec.Code)
	}
	if body["allowed"] == true || body["next_accessible_id"] != float64(1) {
		t.Errorf("second module access = %v, want blocked by module 1", body)
	}

	rec, _ = doJSON(t, mux, http.MethodGet, "/v1/users/u1/submodules/12/access", "")
	if rec.Code != http.StatusOK {
		t.Errorf("submodule access status = %d", rec.Code)
	}

	rec, _ = doJSON(t, mux, http.MethodGet, "/v1/users/u1/modules/99/access", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown module access status = %d, want 404", rec.Code)
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	mux := testMux(t)

	rec, body := doJSON(t, mux, http.MethodPost, "/v1/users/u1/modules/1/start", "")
	if rec.Code != http.StatusOK || body["status"] != "in_progress" {
		t.Fatalf("start = %d %v", rec.Code, body)
	}

	rec, _ = doJSON(t, mux, http.MethodPost, "/v1/users/u1/submodules/11/save", `{"response_data":{"q1":"yes"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("save = %d", rec.Code)
	}

	rec, body = doJSON(t, mux, http.MethodPost, "/v1/users/u1/submodules/11/complete", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("complete = %d %v", rec.Code, body)
	}

	// Completed records are read-only.
	rec, _ = doJSON(t, mux, http.MethodPost, "/v1/users/u1/submodules/11/save", `{"response_data":{"q1":"late"}}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("save after complete status = %d, want 409", rec.Code)
	}
	rec, _ = doJSON(t, mux, http.MethodPost, "/v1/users/u1/submodules/11/complete", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("double complete status = %d, want 409", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	mux := testMux(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{
			name:       "start of blocked module is forbidden",
			method:     http.MethodPost,
			path:       "/v1/users/u1/modules/2/start",
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "complete without start conflicts",
			method:     http.MethodPost,
			path:       "/v1/users/u1/modules/1/complete",
			wantStatus: http.StatusConflict,
		},
		{
			name:       "unknown module is not found",
			method:     http.MethodPost,
			path:       "/v1/users/u1/modules/99/start",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "unknown kind is a bad request",
			method:     http.MethodPost,
			path:       "/v1/users/u1/lessons/1/start",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "non-numeric id is a bad request",
			method:     http.MethodPost,
			path:       "/v1/users/u1/modules/abc/start",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body is a bad request",
			method:     http.MethodPost,
			path:       "/v1/users/u1/modules/1/save",
			body:       "{not json",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unlocks for unknown module is not found",
			method:     http.MethodPost,
			path:       "/v1/users/u1/modules/99/unlocks",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := doJSON(t, mux, tt.method, tt.path, tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestAccessDeniedPayload(t *testing.T) {
	mux := testMux(t)

	rec, body := doJSON(t, mux, http.MethodPost, "/v1/users/u1/modules/2/start", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if body["reason"] == nil || body["reason"] == "" {
		t.Errorf("denial payload missing reason: %v", body)
	}
	if body["next_accessible_id"] != float64(1) {
		t.Errorf("next_accessible_id = %v, want 1", body["next_accessible_id"])
	}
}

func TestModuleCompletionPrerequisites(t *testing.T) {
	mux := testMux(t)

	if rec, _ := doJSON(t, mux, http.MethodPost, "/v1/users/u1/modules/1/start", ""); rec.Code != http.StatusOK {
		t.Fatalf("start = %d", rec.Code)
	}

	rec, _ := doJSON(t, mux, http.MethodPost, "/v1/users/u1/modules/1/complete", "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("complete with incomplete submodules = %d, want 422", rec.Code)
	}

	for _, sub := range []string{"11", "12"} {
		if rec, _ := doJSON(t, mux, http.MethodPost, "/v1/users/u1/submodules/"+sub+"/start", ""); rec.Code != http.StatusOK {
			t.Fatalf("starting submodule %s = %d", sub, rec.Code)
		}
		if rec, _ := doJSON(t, mux, http.MethodPost, "/v1/users/u1/submodules/"+sub+"/complete", ""); rec.Code != http.StatusOK {
			t.Fatalf("completing submodule %s = %d", sub, rec.Code)
		}
	}

	// Completing the last submodule cascaded module completion, so the
	// explicit module completion now hits the terminal record.
	rec, _ = doJSON(t, mux, http.MethodPost, "/v1/users/u1/modules/1/complete", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("complete after cascade = %d, want 409", rec.Code)
	}
}

package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockPlatformServer is a test server that mocks the broadcast platform's
// front API: cam status, viewer list, and the config endpoint that issues
// guest JWTs.
type MockPlatformServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockPlatformServer creates a new mock platform API server.
func NewMockPlatformServer(t *testing.T) *MockPlatformServer {
	t.Helper()
	m := &MockPlatformServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockCamStatus serves a status payload for one target's cam endpoint.
func (m *MockPlatformServer) MockCamStatus(target, status string, modelID, viewers int) {
	m.Handlers["/api/front/v2/models/username/"+target+"/cam"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]any{
			"user": map[string]any{
				"id":           modelID,
				"status":       status,
				"viewersCount": viewers,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockViewerList serves a viewer list in the nested member format.
func (m *MockPlatformServer) MockViewerList(target string, names ...string) {
	members := make([]map[string]any, 0, len(names))
	for i, name := range names {
		members = append(members, map[string]any{
			"user": map[string]any{
				"id":       1000 + i,
				"username": name,
			},
		})
	}
	m.Handlers["/api/front/v2/models/username/"+target+"/members"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"members": members}) //nolint:errcheck // test mock response
	}
}

// MockConfigJWT serves the front config endpoint used for guest JWT issue.
func (m *MockPlatformServer) MockConfigJWT(jwt string) {
	m.Handlers["/api/front/v2/config"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]any{
			"client": map[string]any{"jwtToken": jwt},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

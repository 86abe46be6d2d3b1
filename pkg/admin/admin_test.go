// Copyright 2025 The sockbridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/sockbridge/pkg/actor"
	"github.com/turtacn/sockbridge/pkg/bridge"
	"github.com/turtacn/sockbridge/pkg/buffer"
	"github.com/turtacn/sockbridge/pkg/socket"
)

// mockBridge implements Bridge for testing
type mockBridge struct {
	mu        sync.Mutex
	sockets   map[int][]socket.Info
	pollers   map[int]bridge.PollerState
	shutdowns []string
}

func newMockBridge() *mockBridge {
	now := time.Now()
	b := &mockBridge{
		sockets: map[int][]socket.Info{
			0: nil,
			1: {
				{ID: 1, Kind: socket.KindListen, Opaque: 0x0a, Name: "0.0.0.0:8888", Reading: true},
				{ID: 2, Kind: socket.KindTCP, Opaque: 0x0a, Name: "127.0.0.1:50000", Read: 12, Write: 12, RTime: now, WTime: now, Reading: true},
				{ID: 3, Kind: socket.KindUDP, Opaque: 0x0b, Name: "0.0.0.0:53"},
			},
			2: {},
		},
		pollers: map[int]bridge.PollerState{
			1: bridge.PollerRunning,
			2: bridge.PollerStopped,
		},
	}
	return b
}

func (m *mockBridge) Stats() bridge.Stats {
	return bridge.Stats{
		Instances:      2,
		PollersRunning: 1,
		Actors:         3,
		Envelopes:      buffer.Stats{Allocated: 10, Freed: 9, Outstanding: 1},
	}
}

func (m *mockBridge) InstanceCount() int { return 2 }

func (m *mockBridge) PollerState(id int) (bridge.PollerState, bool) {
	state, ok := m.pollers[id]
	return state, ok
}

func (m *mockBridge) Info(ssid int) ([]socket.Info, error) {
	infos, ok := m.sockets[ssid]
	if !ok {
		return nil, bridge.ErrInvalidInstance
	}
	return infos, nil
}

func (m *mockBridge) Shutdown(actx actor.Context, ssid, id int) error {
	if _, ok := m.sockets[ssid]; !ok {
		return bridge.ErrInvalidInstance
	}
	m.mu.Lock()
	m.shutdowns = append(m.shutdowns, fmt.Sprintf("%s:%d:%d", actx.Self(), ssid, id))
	m.mu.Unlock()
	return nil
}

func serve(t *testing.T, srv *APIServer, method, url string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) (int, T) {
	t.Helper()
	var response struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    T      `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	return response.Code, response.Data
}

func TestAPIServerStatus(t *testing.T) {
	server := NewAPIServer(newMockBridge())

	rr := serve(t, server, http.MethodGet, "/api/v1/status")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	code, data := decode[map[string]any](t, rr)
	assert.Equal(t, 0, code)
	assert.Equal(t, float64(2), data["instances"])
	assert.Equal(t, float64(1), data["pollers_running"])
	assert.Equal(t, float64(3), data["actors"])
	assert.Contains(t, data, "uptime")
	envelopes, ok := data["envelopes"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), envelopes["outstanding"])
}

func TestAPIServerInstances(t *testing.T) {
	server := NewAPIServer(newMockBridge())

	rr := serve(t, server, http.MethodGet, "/api/v1/instances")
	require.Equal(t, http.StatusOK, rr.Code)

	_, instances := decode[[]InstanceInfo](t, rr)
	assert.Equal(t, []InstanceInfo{
		{ID: 0, Poller: "none", Sockets: 0},
		{ID: 1, Poller: "running", Sockets: 3},
		{ID: 2, Poller: "stopped", Sockets: 0},
	}, instances)
}

func TestAPIServerSockets(t *testing.T) {
	server := NewAPIServer(newMockBridge())

	rr := serve(t, server, http.MethodGet, "/api/v1/instances/1/sockets")
	require.Equal(t, http.StatusOK, rr.Code)

	type page struct {
		Data []SocketInfo   `json:"data"`
		Meta PaginationMeta `json:"meta"`
	}
	_, result := decode[page](t, rr)
	require.Len(t, result.Data, 3)
	assert.Equal(t, "listen", result.Data[0].Kind)
	assert.Equal(t, actor.Handle(0x0a).String(), result.Data[0].Owner)
	assert.Equal(t, uint64(12), result.Data[1].Read)
	assert.Equal(t, PaginationMeta{Page: 1, Limit: 20, Count: 3, Total: 3}, result.Meta)

	t.Run("paginated", func(t *testing.T) {
		rr := serve(t, server, http.MethodGet, "/api/v1/instances/1/sockets?page=2&limit=2")
		require.Equal(t, http.StatusOK, rr.Code)
		_, result := decode[page](t, rr)
		require.Len(t, result.Data, 1)
		assert.Equal(t, 3, result.Data[0].ID)
		assert.Equal(t, PaginationMeta{Page: 2, Limit: 2, Count: 1, Total: 3}, result.Meta)
	})

	t.Run("past the end", func(t *testing.T) {
		rr := serve(t, server, http.MethodGet, "/api/v1/instances/1/sockets?page=9")
		require.Equal(t, http.StatusOK, rr.Code)
		_, result := decode[page](t, rr)
		assert.Empty(t, result.Data)
		assert.Equal(t, 3, result.Meta.Total)
	})

	t.Run("unknown instance", func(t *testing.T) {
		rr := serve(t, server, http.MethodGet, "/api/v1/instances/7/sockets")
		assert.Equal(t, http.StatusNotFound, rr.Code)
		code, _ := decode[any](t, rr)
		assert.Equal(t, http.StatusNotFound, code)
	})

	t.Run("bad instance id", func(t *testing.T) {
		rr := serve(t, server, http.MethodGet, "/api/v1/instances/x/sockets")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("unknown path", func(t *testing.T) {
		rr := serve(t, server, http.MethodGet, "/api/v1/instances/1/other")
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("method not allowed", func(t *testing.T) {
		rr := serve(t, server, http.MethodPost, "/api/v1/instances/1/sockets")
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})
}

func TestAPIServerSocketByID(t *testing.T) {
	b := newMockBridge()
	server := NewAPIServer(b)

	rr := serve(t, server, http.MethodGet, "/api/v1/instances/1/sockets/3")
	require.Equal(t, http.StatusOK, rr.Code)
	_, info := decode[SocketInfo](t, rr)
	assert.Equal(t, 3, info.ID)
	assert.Equal(t, "udp", info.Kind)

	rr = serve(t, server, http.MethodGet, "/api/v1/instances/1/sockets/42")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = serve(t, server, http.MethodGet, "/api/v1/instances/1/sockets/abc")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(t, server, http.MethodDelete, "/api/v1/instances/1/sockets/2")
	require.Equal(t, http.StatusOK, rr.Code)
	_, result := decode[map[string]string](t, rr)
	assert.Equal(t, "shutdown", result["result"])
	assert.Equal(t, []string{actor.Handle(0).String() + ":1:2"}, b.shutdowns)

	rr = serve(t, server, http.MethodDelete, "/api/v1/instances/9/sockets/2")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = serve(t, server, http.MethodPut, "/api/v1/instances/1/sockets/2")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestAPIServerHealth(t *testing.T) {
	server := NewAPIServer(newMockBridge())

	rr := serve(t, server, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rr.Code)
	_, health := decode[map[string]string](t, rr)
	assert.Equal(t, "ok", health["status"])
	_, err := time.Parse(time.RFC3339, health["time"])
	assert.NoError(t, err)

	rr = serve(t, server, http.MethodPost, "/health")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestExtractIDFromPath(t *testing.T) {
	server := &APIServer{}

	tests := []struct {
		path     string
		prefix   string
		expected string
	}{
		{"/api/v1/instances/1/sockets", "/api/v1/instances/", "1/sockets"},
		{"/api/v1/instances/", "/api/v1/instances/", ""},
		{"/api/v1/other", "/api/v1/instances/", ""},
	}

	for _, test := range tests {
		result := server.extractIDFromPath(test.path, test.prefix)
		assert.Equal(t, test.expected, result)
	}
}

func TestGetPagination(t *testing.T) {
	server := &APIServer{}

	tests := []struct {
		url           string
		expectedPage  int
		expectedLimit int
	}{
		{"http://example.com/api", 1, 20},
		{"http://example.com/api?page=2", 2, 20},
		{"http://example.com/api?limit=50", 1, 50},
		{"http://example.com/api?page=3&limit=10", 3, 10},
		{"http://example.com/api?page=0", 1, 20},
		{"http://example.com/api?limit=0", 1, 20},
		{"http://example.com/api?limit=2000", 1, 20},
	}

	for _, test := range tests {
		req, err := http.NewRequest("GET", test.url, nil)
		require.NoError(t, err)

		page, limit := server.getPagination(req)
		assert.Equal(t, test.expectedPage, page)
		assert.Equal(t, test.expectedLimit, limit)
	}
}

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

// Package admin provides the management surfaces of a sockbridge process: a
// REST API over HTTP for inspecting the server pool and its sockets, and a
// gRPC health service that mirrors poller state.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/turtacn/sockbridge/pkg/actor"
	"github.com/turtacn/sockbridge/pkg/bridge"
	"github.com/turtacn/sockbridge/pkg/socket"
)

// Bridge is the subset of *bridge.Bridge the API needs.
type Bridge interface {
	Stats() bridge.Stats
	InstanceCount() int
	PollerState(id int) (bridge.PollerState, bool)
	Info(ssid int) ([]socket.Info, error)
	Shutdown(actx actor.Context, ssid, id int) error
}

// APIServer provides REST API endpoints for bridge management
type APIServer struct {
	bridge  Bridge
	started time.Time
}

// APIResponse represents a standard API response
type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// InstanceInfo describes one server of the pool. Instance 0 is the default
// server and has no poller of its own.
type InstanceInfo struct {
	ID      int    `json:"id"`
	Poller  string `json:"poller"`
	Sockets int    `json:"sockets"`
}

// SocketInfo is the JSON view of a socket.Info.
type SocketInfo struct {
	ID      int       `json:"id"`
	Kind    string    `json:"kind"`
	Owner   string    `json:"owner"`
	Name    string    `json:"name"`
	Read    uint64    `json:"read"`
	Write   uint64    `json:"write"`
	RTime   time.Time `json:"rtime"`
	WTime   time.Time `json:"wtime"`
	WBuffer int       `json:"wbuffer"`
	Reading bool      `json:"reading"`
	Writing bool      `json:"writing"`
}

// PaginationMeta represents pagination metadata
type PaginationMeta struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Count int `json:"count"`
	Total int `json:"total"`
}

// NewAPIServer creates a new API server
func NewAPIServer(b Bridge) *APIServer {
	return &APIServer{bridge: b, started: time.Now()}
}

// RegisterRoutes registers all API routes
func (s *APIServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/instances", s.handleInstances)
	mux.HandleFunc("/api/v1/instances/", s.handleInstance)
	mux.HandleFunc("/health", s.handleHealth)
}

// handleStatus handles /api/v1/status
func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	status := struct {
		bridge.Stats
		Uptime string `json:"uptime"`
	}{
		Stats:  s.bridge.Stats(),
		Uptime: time.Since(s.started).Truncate(time.Second).String(),
	}
	s.writeSuccess(w, status)
}

// handleInstances handles /api/v1/instances
func (s *APIServer) handleInstances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	n := s.bridge.InstanceCount()
	instances := make([]InstanceInfo, 0, n+1)
	for id := 0; id <= n; id++ {
		info := InstanceInfo{ID: id, Poller: "none"}
		if state, ok := s.bridge.PollerState(id); ok {
			info.Poller = state.String()
		}
		if sockets, err := s.bridge.Info(id); err == nil {
			info.Sockets = len(sockets)
		}
		instances = append(instances, info)
	}
	s.writeSuccess(w, instances)
}

// handleInstance handles /api/v1/instances/{id}/sockets and
// /api/v1/instances/{id}/sockets/{socket}
func (s *APIServer) handleInstance(w http.ResponseWriter, r *http.Request) {
	rest := s.extractIDFromPath(r.URL.Path, "/api/v1/instances/")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || parts[1] != "sockets" {
		s.writeError(w, http.StatusNotFound, "Not found")
		return
	}
	ssid, err := strconv.Atoi(parts[0])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid instance id")
		return
	}

	switch {
	case len(parts) == 2 || (len(parts) == 3 && parts[2] == ""):
		s.handleSockets(w, r, ssid)
	case len(parts) == 3:
		id, err := strconv.Atoi(parts[2])
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid socket id")
			return
		}
		s.handleSocket(w, r, ssid, id)
	default:
		s.writeError(w, http.StatusNotFound, "Not found")
	}
}

func (s *APIServer) handleSockets(w http.ResponseWriter, r *http.Request, ssid int) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	infos, err := s.bridge.Info(ssid)
	if err != nil {
		s.writeBridgeError(w, err)
		return
	}

	page, limit := s.getPagination(r)
	start := (page - 1) * limit
	end := start + limit
	if start > len(infos) {
		start = len(infos)
	}
	if end > len(infos) {
		end = len(infos)
	}

	data := make([]SocketInfo, 0, end-start)
	for _, info := range infos[start:end] {
		data = append(data, socketInfo(info))
	}
	result := struct {
		Data []SocketInfo   `json:"data"`
		Meta PaginationMeta `json:"meta"`
	}{
		Data: data,
		Meta: PaginationMeta{
			Page:  page,
			Limit: limit,
			Count: len(data),
			Total: len(infos),
		},
	}
	s.writeSuccess(w, result)
}

func (s *APIServer) handleSocket(w http.ResponseWriter, r *http.Request, ssid, id int) {
	switch r.Method {
	case http.MethodGet:
		infos, err := s.bridge.Info(ssid)
		if err != nil {
			s.writeBridgeError(w, err)
			return
		}
		for _, info := range infos {
			if info.ID == id {
				s.writeSuccess(w, socketInfo(info))
				return
			}
		}
		s.writeError(w, http.StatusNotFound, "Socket not found")

	case http.MethodDelete:
		// The system handle owns the resulting close event, which is dropped
		// on delivery.
		if err := s.bridge.Shutdown(actor.Handle(0), ssid, id); err != nil {
			s.writeBridgeError(w, err)
			return
		}
		log.WithFields(log.Fields{"instance": ssid, "socket": id}).Info("Socket shut down via admin API")
		s.writeSuccess(w, map[string]string{"result": "shutdown"})

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleHealth handles /health
func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	health := map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	}
	s.writeSuccess(w, health)
}

func socketInfo(info socket.Info) SocketInfo {
	return SocketInfo{
		ID:      info.ID,
		Kind:    info.Kind.String(),
		Owner:   info.Opaque.String(),
		Name:    info.Name,
		Read:    info.Read,
		Write:   info.Write,
		RTime:   info.RTime,
		WTime:   info.WTime,
		WBuffer: info.WBuffer,
		Reading: info.Reading,
		Writing: info.Writing,
	}
}

func (s *APIServer) writeBridgeError(w http.ResponseWriter, err error) {
	if errors.Is(err, bridge.ErrInvalidInstance) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *APIServer) writeSuccess(w http.ResponseWriter, data interface{}) {
	response := APIResponse{
		Code: 0,
		Data: data,
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *APIServer) writeError(w http.ResponseWriter, statusCode int, message string) {
	response := APIResponse{
		Code:    statusCode,
		Message: message,
	}
	s.writeJSON(w, statusCode, response)
}

func (s *APIServer) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warnf("Failed to encode admin response: %v", err)
	}
}

func (s *APIServer) extractIDFromPath(path, prefix string) string {
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	return strings.TrimPrefix(path, prefix)
}

func (s *APIServer) getPagination(r *http.Request) (page int, limit int) {
	page = 1
	limit = 20

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			page = p
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}

	return page, limit
}

// Serve starts the admin REST API on addr. It blocks until the listener
// fails.
func Serve(addr string, b Bridge) error {
	mux := http.NewServeMux()
	NewAPIServer(b).RegisterRoutes(mux)
	log.Infof("Admin API listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}

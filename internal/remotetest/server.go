// Package remotetest provides an in-memory remote service for tests. It
// speaks the push, pull, refresh, stream and poll endpoints the sync
// engine talks to.
package remotetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/alexjbarnes/ledger-sync/internal/api"
	"github.com/alexjbarnes/ledger-sync/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// change is one entry in the server's change log.
type change struct {
	seq        int
	entityType string
	id         string
	action     models.Action
	data       map[string]any
}

// Server is a fake remote authority backed by maps.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	access   map[string]bool
	refresh  map[string]bool
	issued   int
	entities map[string]map[string]map[string]any
	log      []change
	pushed   []api.PushOperation
	refreshN int
	down     bool
	failPush int
	failPull int
	streams  map[chan string]struct{}
}

// New starts a server and closes it when the test ends.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		access:   make(map[string]bool),
		refresh:  make(map[string]bool),
		entities: make(map[string]map[string]map[string]any),
		streams:  make(map[chan string]struct{}),
	}

	s.Server = httptest.NewServer(s.router())
	t.Cleanup(s.Close)

	return s
}

// Close disconnects streams and shuts the server down.
func (s *Server) Close() {
	s.mu.Lock()
	for ch := range s.streams {
		close(ch)
		delete(s.streams, ch)
	}
	s.mu.Unlock()

	s.Server.CloseClientConnections()
	s.Server.Close()
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.availability)

	r.Post("/auth/refresh", s.handleRefresh)

	r.Group(func(r chi.Router) {
		r.Use(s.bearer)
		r.Post("/sync/push", s.handlePush)
		r.Get("/sync/pull", s.handlePull)
		r.Get("/sync/stream", s.handleStream)
		r.Get("/payments", s.handlePayments)
	})

	return r
}

// --- Test controls ---

// IssueTokens creates a valid token pair.
func (s *Server) IssueTokens() (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.issueLocked()
}

func (s *Server) issueLocked() (string, string) {
	s.issued++
	access := fmt.Sprintf("access-%d", s.issued)
	refresh := fmt.Sprintf("refresh-%d", s.issued)
	s.access[access] = true
	s.refresh[refresh] = true

	return access, refresh
}

// ExpireAccessTokens invalidates every access token so the next request
// gets 401 and the client has to refresh.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.access)
}

// RevokeAll invalidates every access and refresh token.
func (s *Server) RevokeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.access)
	clear(s.refresh)
}

// RefreshCount returns how many successful refreshes were served.
func (s *Server) RefreshCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.refreshN
}

// SetDown makes every endpoint answer 503 while down is true.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.down = down
}

// FailNextPushes makes the next n push requests answer 500.
func (s *Server) FailNextPushes(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failPush = n
}

// FailNextPulls makes the next n pull requests answer 500.
func (s *Server) FailNextPulls(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failPull = n
}

// Pushed returns every operation accepted so far.
func (s *Server) Pushed() []api.PushOperation {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]api.PushOperation(nil), s.pushed...)
}

// Entity returns the server's copy of an entity, or nil.
func (s *Server) Entity(entityType, id string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.entities[entityType][id]
}

// RemoteChange records a change made by another device and notifies
// connected streams.
func (s *Server) RemoteChange(entityType, id string, action models.Action, data map[string]any) {
	s.mu.Lock()
	s.applyLocked(entityType, id, action, data)
	s.mu.Unlock()

	s.Notify(entityType)
}

// Notify sends a sync_update event to every connected stream.
func (s *Server) Notify(entityType string) {
	msg := fmt.Sprintf(`{"type":%q}`, entityType)

	s.mu.Lock()
	defer s.mu.Unlock()

	for ch := range s.streams {
		select {
		case ch <- msg:
		default:
		}
	}
}

// StreamCount returns the number of connected streams.
func (s *Server) StreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.streams)
}

func (s *Server) applyLocked(entityType, id string, action models.Action, data map[string]any) {
	if s.entities[entityType] == nil {
		s.entities[entityType] = make(map[string]map[string]any)
	}

	if action == models.ActionDelete {
		delete(s.entities[entityType], id)
	} else {
		s.entities[entityType][id] = data
	}

	s.log = append(s.log, change{
		seq:        len(s.log) + 1,
		entityType: entityType,
		id:         id,
		action:     action,
		data:       data,
	})
}

// --- Middleware ---

func (s *Server) availability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		down := s.down
		s.mu.Unlock()

		if down {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) bearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		s.mu.Lock()
		ok := s.access[token]
		s.mu.Unlock()

		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// --- Handlers ---

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req api.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if !s.refresh[req.RefreshToken] {
		s.mu.Unlock()
		http.Error(w, "invalid refresh token", http.StatusUnauthorized)

		return
	}

	delete(s.refresh, req.RefreshToken)
	access, refresh := s.issueLocked()
	s.refreshN++
	s.mu.Unlock()

	writeJSON(w, api.RefreshResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		User:         api.User{ID: "u1", Email: "owner@example.com", Name: "Owner"},
	})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req api.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.failPush > 0 {
		s.failPush--
		s.mu.Unlock()
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	var resp api.PushResponse

	for _, op := range req.Operations {
		if !op.Action.Valid() || op.EntityID == "" {
			resp.Failed++
			continue
		}

		var data map[string]any
		if op.Action != models.ActionDelete && len(op.Payload) > 0 {
			if err := json.Unmarshal(op.Payload, &data); err != nil {
				resp.Failed++
				continue
			}
		}

		s.applyLocked(op.EntityType, op.EntityID, op.Action, data)
		s.pushed = append(s.pushed, op)
		resp.Processed++
	}
	s.mu.Unlock()

	writeJSON(w, resp)
}

// pullItem is one delta on the wire.
type pullItem struct {
	ID     string         `json:"id"`
	Action models.Action  `json:"action"`
	Data   map[string]any `json:"data,omitempty"`
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	since := 0

	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "bad cursor", http.StatusBadRequest)
			return
		}

		since = n
	}

	s.mu.Lock()
	if s.failPull > 0 {
		s.failPull--
		s.mu.Unlock()
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	resp := map[string]any{}
	grouped := map[string][]pullItem{}

	for _, c := range s.log {
		if c.seq <= since {
			continue
		}

		grouped[c.entityType] = append(grouped[c.entityType], pullItem{ID: c.id, Action: c.action, Data: c.data})
	}

	for k, v := range grouped {
		resp[k] = v
	}

	resp["server_timestamp"] = fmt.Sprintf("%010d", len(s.log))
	s.mu.Unlock()

	writeJSON(w, resp)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := make(chan string, 16)

	s.mu.Lock()
	s.streams[ch] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if _, ok := s.streams[ch]; ok {
			delete(s.streams, ch)
		}
		s.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			fmt.Fprintf(w, "event: sync_update\ndata: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

func (s *Server) handlePayments(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	items := make([]map[string]any, 0, len(s.entities[models.EntityPayments]))

	for id, data := range s.entities[models.EntityPayments] {
		items = append(items, map[string]any{"id": id, "status": data["status"]})
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i]["id"].(string) < items[j]["id"].(string) })

	writeJSON(w, map[string]any{"items": items})
}

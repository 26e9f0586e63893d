package relay

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"securepeer/logging"
)

const maxRequestBody = 1 << 20

// ServerOptions configures an in-memory relay.
type ServerOptions struct {
	Logger *logrus.Logger
	Now    func() time.Time
}

// Server is an append-only store-and-forward relay. Envelopes are never deleted and
// never interpreted; consumers dedupe by id.
type Server struct {
	logger *logrus.Logger
	now    func() time.Time
	mux    *http.ServeMux

	mu       sync.RWMutex
	users    map[string]User
	requests []Envelope
	signals  []Envelope
}

// NewServer builds a relay with its routes registered.
func NewServer(options ServerOptions) *Server {
	now := options.Now
	if now == nil {
		now = time.Now
	}

	s := &Server{
		logger: logging.OrDiscard(options.Logger),
		now:    now,
		mux:    http.NewServeMux(),
		users:  make(map[string]User),
	}

	s.mux.HandleFunc("POST /register", s.handleRegister)
	s.mux.HandleFunc("GET /user/{id}", s.handleUser)
	s.mux.HandleFunc("GET /users", s.handleSearch)
	s.mux.HandleFunc("POST /request", s.handleAppend(&s.requests, "request"))
	s.mux.HandleFunc("GET /requests/{userId}", s.handleList(&s.requests))
	s.mux.HandleFunc("POST /signal", s.handleAppend(&s.signals, "signal"))
	s.mux.HandleFunc("GET /signals/{userId}", s.handleList(&s.signals))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var user User
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&user); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	user.Username = strings.TrimSpace(user.Username)
	if user.ID == "" || user.Username == "" || len(user.PublicKey) == 0 {
		writeError(w, http.StatusBadRequest, "missing fields")
		return
	}

	s.mu.Lock()
	for id, existing := range s.users {
		if id != user.ID && strings.EqualFold(existing.Username, user.Username) {
			s.mu.Unlock()
			writeError(w, http.StatusConflict, "username taken")
			return
		}
	}
	s.users[user.ID] = user
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"user_id": user.ID, "username": user.Username}).Info("relay user registered")
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	user, ok := s.users[r.PathValue("id")]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))

	s.mu.RLock()
	out := make([]User, 0)
	for _, user := range s.users {
		if strings.Contains(strings.ToLower(user.Username), q) {
			out = append(out, user)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Username) < strings.ToLower(out[j].Username)
	})
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAppend(queue *[]Envelope, key string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var env Envelope
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&env); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if env.From == "" || env.To == "" || env.Type == "" {
			writeError(w, http.StatusBadRequest, "missing fields")
			return
		}

		env.ID = uuid.NewString()
		env.Timestamp = s.now().UnixMilli()

		s.mu.Lock()
		*queue = append(*queue, env)
		s.mu.Unlock()

		s.logger.WithFields(logrus.Fields{
			"envelope_id": env.ID,
			"type":        env.Type,
			"from":        env.From,
			"to":          env.To,
		}).Debug("relay envelope stored")
		writeJSON(w, http.StatusOK, map[string]any{"success": true, key: env})
	}
}

func (s *Server) handleList(queue *[]Envelope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.PathValue("userId")

		s.mu.RLock()
		out := make([]Envelope, 0)
		for _, env := range *queue {
			if env.To == userID {
				out = append(out, env)
			}
		}
		s.mu.RUnlock()

		writeJSON(w, http.StatusOK, out)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

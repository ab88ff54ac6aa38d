package mockserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]interface{}{"error": message})
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

func userFrom(r *http.Request) *User {
	return r.Context().Value(userKey).(*User)
}

func sessionFrom(r *http.Request) *Session {
	return r.Context().Value(sessionKey).(*Session)
}

// Register creates an account and returns its generated secret
func (s *Server) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	secret := uuid.NewString()
	user, err := s.createUser(r, req.Name, secret, false)
	if err != nil {
		if errors.Is(err, ErrUserExists) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("register failed")
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.audit(r, EventRegistered, user.ID, nil)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"id":     user.ID,
		"name":   user.Name,
		"secret": secret,
	})
}

// Login exchanges name and secret for a session token
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		Secret string `json:"secret"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.store.GetUserByName(r.Context(), req.Name)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			respondError(w, http.StatusUnauthorized, "invalid name or secret")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.SecretHash), []byte(req.Secret)); err != nil {
		s.audit(r, EventLoginFailed, user.ID, nil)
		respondError(w, http.StatusUnauthorized, "invalid name or secret")
		return
	}

	s.audit(r, EventLogin, user.ID, nil)
	s.respondSession(w, r, user)
}

// Trial creates a throwaway trial account and logs it in
func (s *Server) Trial(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Code != s.config.TrialCode {
		respondError(w, http.StatusBadRequest, "invalid trial code")
		return
	}

	name := "trial-" + uuid.NewString()[:8]
	user, err := s.createUser(r, name, uuid.NewString(), true)
	if err != nil {
		s.logger.Error().Err(err).Msg("trial failed")
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.audit(r, EventTrial, user.ID, map[string]interface{}{"name": name})
	s.respondSession(w, r, user)
}

func (s *Server) createUser(r *http.Request, name, secret string, trial bool) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}
	user := &User{
		ID:         uuid.NewString(),
		Name:       name,
		SecretHash: string(hash),
		Trial:      trial,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Server) respondSession(w http.ResponseWriter, r *http.Request, user *User) {
	session := s.tokens.NewSession(uuid.NewString(), user.ID, time.Now().UTC())
	token, err := s.tokens.Issue(session)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.store.CreateSession(r.Context(), session); err != nil {
		s.logger.Error().Err(err).Msg("create session failed")
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"id": token})
}

// GetUser returns the authenticated user
func (s *Server) GetUser(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, userFrom(r))
}

// Logout revokes the current session and stops its bot
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RevokeSession(r.Context(), sessionFrom(r).ID); err != nil {
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.mu.Lock()
	delete(s.bots, userFrom(r).ID)
	s.mu.Unlock()

	s.audit(r, EventLogout, userFrom(r).ID, nil)
	respondJSON(w, http.StatusOK, map[string]interface{}{"message": "logged out"})
}

// ListModels returns the configured model names
func (s *Server) ListModels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"models": s.config.Models})
}

// GetUsage returns how many bot queries the user has made
func (s *Server) GetUsage(w http.ResponseWriter, r *http.Request) {
	used, err := s.store.Usage(r.Context(), userFrom(r).ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"used": used})
}

// GetLimit returns the user's query limit and what remains of it
func (s *Server) GetLimit(w http.ResponseWriter, r *http.Request) {
	used, err := s.store.Usage(r.Context(), userFrom(r).ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	remaining := s.config.QueryLimit - used
	if remaining < 0 {
		remaining = 0
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"limit":     s.config.QueryLimit,
		"used":      used,
		"remaining": remaining,
	})
}

// StartBot starts (or restarts) the user's bot
func (s *Server) StartBot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID    *int   `json:"id"`
		Bound int    `json:"bound"`
		Model string `json:"model"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == nil || *req.ID < 0 || *req.ID > 3 {
		respondError(w, http.StatusBadRequest, "id must be a seat between 0 and 3")
		return
	}
	if req.Bound < 0 {
		respondError(w, http.StatusBadRequest, "bound must not be negative")
		return
	}
	if !s.hasModel(req.Model) {
		respondError(w, http.StatusBadRequest, "unknown model")
		return
	}

	s.mu.Lock()
	s.bots[userFrom(r).ID] = newBot(*req.ID, req.Bound, req.Model)
	s.mu.Unlock()

	s.audit(r, EventBotStarted, userFrom(r).ID, map[string]interface{}{
		"id": *req.ID, "bound": req.Bound, "model": req.Model,
	})
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "bot started",
		"id":      *req.ID,
		"model":   req.Model,
	})
}

func (s *Server) hasModel(name string) bool {
	for _, m := range s.config.Models {
		if m == name {
			return true
		}
	}
	return false
}

// Act feeds a single event to the bot
func (s *Server) Act(w http.ResponseWriter, r *http.Request) {
	var ev envelope
	if err := decodeJSON(r, &ev); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.query(w, r, []envelope{ev})
}

// Batch feeds several events to the bot and answers for the last one
func (s *Server) Batch(w http.ResponseWriter, r *http.Request) {
	var events []envelope
	if err := decodeJSON(r, &events); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(events) == 0 {
		respondError(w, http.StatusBadRequest, "empty batch")
		return
	}
	s.query(w, r, events)
}

func (s *Server) query(w http.ResponseWriter, r *http.Request, events []envelope) {
	user := userFrom(r)

	s.mu.Lock()
	b := s.bots[user.ID]
	s.mu.Unlock()
	if b == nil {
		respondError(w, http.StatusBadRequest, "bot not started")
		return
	}

	used, err := s.store.Usage(r.Context(), user.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if s.config.QueryLimit > 0 && used >= s.config.QueryLimit {
		respondError(w, http.StatusTooManyRequests, "query limit reached")
		return
	}

	reaction, err := b.feed(events)
	if err != nil {
		var seqErr *seqError
		if errors.As(err, &seqErr) {
			respondJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":    seqErr.Error(),
				"expected": seqErr.expected,
			})
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := s.store.AddUsage(r.Context(), user.ID, 1); err != nil {
		s.logger.Error().Err(err).Msg("add usage failed")
	}

	if reaction == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"act": reaction})
}

// StopBot stops the user's bot
func (s *Server) StopBot(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)

	s.mu.Lock()
	_, ok := s.bots[user.ID]
	delete(s.bots, user.ID)
	s.mu.Unlock()

	if !ok {
		respondError(w, http.StatusBadRequest, "bot not started")
		return
	}
	s.audit(r, EventBotStopped, user.ID, nil)
	respondJSON(w, http.StatusOK, map[string]interface{}{"message": "bot stopped"})
}

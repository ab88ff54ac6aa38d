// Package mockserver implements a local MJAPI server for development and
// end-to-end tests of the client.
//
// It serves every endpoint the client consumes, issues JWT session tokens
// as account ids, counts bot queries against a per-user limit and rejects
// overlapping requests from the same token with 429, which is the policy
// the real service applies.
package mockserver

import (
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Config holds the mock server's service settings
type Config struct {
	Models     []string
	QueryLimit int
	TrialCode  string
}

// Server is the mock MJAPI service
type Server struct {
	store  *Store
	tokens *TokenIssuer
	config Config
	logger zerolog.Logger

	mu   sync.Mutex
	bots map[string]*bot // by user ID

	inFlight sync.Map // bearer token -> struct{}
}

// New creates a mock server backed by store
func New(store *Store, tokens *TokenIssuer, cfg Config, logger zerolog.Logger) *Server {
	return &Server{
		store:  store,
		tokens: tokens,
		config: cfg,
		logger: logger,
		bots:   make(map[string]*bot),
	}
}

// Router creates and configures the HTTP router
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(s.RecoveryMiddleware)
	r.Use(s.LoggingMiddleware)
	r.Use(s.SerialMiddleware)
	r.NotFoundHandler = http.HandlerFunc(notFound)

	// Public routes
	r.HandleFunc("/user/register", s.Register).Methods(http.MethodPost)
	r.HandleFunc("/user/login", s.Login).Methods(http.MethodPost)
	r.HandleFunc("/user/trial", s.Trial).Methods(http.MethodPost)

	// Protected routes
	protected := r.PathPrefix("").Subrouter()
	protected.Use(s.AuthMiddleware)

	protected.HandleFunc("/user", s.GetUser).Methods(http.MethodGet)
	protected.HandleFunc("/user/logout", s.Logout).Methods(http.MethodPost)

	protected.HandleFunc("/mjai/list", s.ListModels).Methods(http.MethodGet)
	protected.HandleFunc("/mjai/usage", s.GetUsage).Methods(http.MethodGet)
	protected.HandleFunc("/mjai/limit", s.GetLimit).Methods(http.MethodGet)
	protected.HandleFunc("/mjai/start", s.StartBot).Methods(http.MethodPost)
	protected.HandleFunc("/mjai/act", s.Act).Methods(http.MethodPost)
	protected.HandleFunc("/mjai/batch", s.Batch).Methods(http.MethodPost)
	protected.HandleFunc("/mjai/stop", s.StopBot).Methods(http.MethodPost)

	return r
}

func notFound(w http.ResponseWriter, r *http.Request) {
	respondError(w, http.StatusNotFound, "not found")
}

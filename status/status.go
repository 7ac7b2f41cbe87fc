// Package status exposes a small read-only HTTP surface over the chain
// engine: sync progress, branch tips and the live peer set. It is meant for
// operators and dashboards, not for programmatic chain access.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/spvclient/spvchain"
)

const (
	// readHeaderTimeout bounds how long a client may take to send its
	// request headers.
	readHeaderTimeout = 5 * time.Second

	// shutdownTimeout bounds the graceful drain on Stop.
	shutdownTimeout = 5 * time.Second
)

// Chain is the engine view the status server reads. *spvchain.ChainService
// satisfies it.
type Chain interface {
	// SyncState returns a human-readable sync phase.
	SyncState() string

	// BestHeight returns the best chain tip height.
	BestHeight() int32

	// BranchTips returns the hashes of all known branch tips.
	BranchTips() []string

	// Peers returns a snapshot of the live connections.
	Peers() []spvchain.PeerInfo
}

// Config holds the status server options.
type Config struct {
	// ListenAddr is the host:port to serve on.
	ListenAddr string

	// Chain is the engine to report on.
	Chain Chain
}

// Server is the status HTTP server.
type Server struct {
	cfg Config

	httpServer *http.Server
}

// statusResponse is the payload of GET /v1/status.
type statusResponse struct {
	State      string   `json:"state"`
	BestHeight int32    `json:"best_height"`
	BranchTips []string `json:"branch_tips"`
	NumPeers   int      `json:"num_peers"`
}

// NewServer constructs a status server. Use Start to begin serving.
func NewServer(cfg Config) *Server {
	s := &Server{cfg: cfg}

	router := mux.NewRouter()
	router.HandleFunc("/v1/status", s.handleStatus).
		Methods(http.MethodGet)
	router.HandleFunc("/v1/peers", s.handlePeers).
		Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Handler returns the underlying router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving in the background. Errors after startup are logged,
// not returned.
func (s *Server) Start() {
	log.Infof("Status server listening on %s", s.cfg.ListenAddr)

	go func() {
		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Errorf("Status server exited: %v", err)
		}
	}()
}

// Stop drains and shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(
		context.Background(), shutdownTimeout,
	)
	defer cancel()

	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, statusResponse{
		State:      s.cfg.Chain.SyncState(),
		BestHeight: s.cfg.Chain.BestHeight(),
		BranchTips: s.cfg.Chain.BranchTips(),
		NumPeers:   len(s.cfg.Chain.Peers()),
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.cfg.Chain.Peers())
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Debugf("Unable to write status response: %v", err)
	}
}

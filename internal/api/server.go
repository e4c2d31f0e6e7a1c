// Package api serves the HTTP endpoints of the coordinator and node binaries.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"Chainlog/internal/envelope"
	"Chainlog/internal/ledger"
	"Chainlog/internal/logger"
	"Chainlog/internal/syncclient"
)

const (
	// maxReportSize is the maximum report request body in bytes.
	maxReportSize = 64 << 10 // 64 KB
)

// BlockSource reads committed blocks.
type BlockSource interface {
	Block(n uint64) (*ledger.Block, error)
}

// ReportService authors, opens and syncs reports on a node.
type ReportService interface {
	CreateReport(content map[string]string) (string, error)
	Report(hash string) (*envelope.Report, error)
	TriggerSync() error
}

// Config selects the endpoints a server exposes. Nil fields disable theirs.
type Config struct {
	Addr     string              // Addr is the HTTP listen address
	Status   func() any          // Status returns the JSON body of GET /status
	Blocks   BlockSource         // Blocks serves GET /blocks/{n}
	Reports  ReportService       // Reports serves the report and sync endpoints
	Gatherer prometheus.Gatherer // Gatherer serves GET /metrics
}

// Server is the HTTP API server.
type Server struct {
	cfg    Config
	server *http.Server // server is the underlying HTTP server
}

// New creates a new HTTP API server.
func New(cfg Config) *Server {
	return &Server{cfg: cfg}
}

// Handler returns the routes enabled by the configuration.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	if s.cfg.Status != nil {
		mux.HandleFunc("GET /status", s.handleStatus)
	}

	if s.cfg.Blocks != nil {
		mux.HandleFunc("GET /blocks/{number}", s.handleBlock)
	}

	if s.cfg.Reports != nil {
		mux.HandleFunc("POST /reports", s.handleCreateReport)
		mux.HandleFunc("GET /reports/{hash}", s.handleGetReport)
		mux.HandleFunc("POST /sync", s.handleSync)
	}

	if s.cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.cfg.Addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Status())
}

// handleBlock handles GET /blocks/{number} requests.
func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseUint(r.PathValue("number"), 10, 64)
	if err != nil || n == 0 {
		writeError(w, http.StatusBadRequest, "invalid block number")
		return
	}

	block, err := s.cfg.Blocks.Block(n)
	if err != nil {
		logger.Error("read block", "number", n, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read block")
		return
	}

	if block == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("block %d not found", n))
		return
	}

	writeJSON(w, http.StatusOK, newBlockView(block))
}

// handleCreateReport handles POST /reports requests.
func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxReportSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if len(body) > maxReportSize {
		writeError(w, http.StatusRequestEntityTooLarge, "report too large")
		return
	}

	var req createReportRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := validateContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid report: %v", err))
		return
	}

	hash, err := s.cfg.Reports.CreateReport(req.Content)
	if err != nil {
		logger.Error("create report", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create report")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"hash": hash,
	})
}

// handleGetReport handles GET /reports/{hash} requests.
func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	if _, err := hex.DecodeString(hash); err != nil || len(hash) != 64 {
		writeError(w, http.StatusBadRequest, "invalid envelope hash")
		return
	}

	report, err := s.cfg.Reports.Report(hash)
	if err != nil {
		switch {
		case errors.Is(err, envelope.ErrNoRecipientKey):
			writeError(w, http.StatusForbidden, "report is not addressed to this node")
		case errors.Is(err, syncclient.ErrTampered),
			errors.Is(err, envelope.ErrAuthenticationFailure),
			errors.Is(err, envelope.ErrSignatureInvalid):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusNotFound, "report not found")
		}
		return
	}

	writeJSON(w, http.StatusOK, newReportView(report))
}

// handleSync handles POST /sync requests.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Reports.TriggerSync(); err != nil {
		if errors.Is(err, syncclient.ErrNotConnected) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}

		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "sync requested",
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

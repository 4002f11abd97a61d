package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/oreflow/service/db"
	"github.com/brojonat/oreflow/service/flow"
	"github.com/brojonat/oreflow/service/metrics"
	"github.com/brojonat/oreflow/service/ore"
	"github.com/brojonat/oreflow/service/temporal"
	"github.com/brojonat/oreflow/service/txbuild"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transactions starts and inspects server-side transaction workflows.
// *temporal.Client satisfies it.
type Transactions interface {
	StartTransaction(ctx context.Context, input temporal.TransactionInput) (string, error)
	GetTransactionResult(ctx context.Context, workflowID string) (*temporal.TransactionResult, error)
}

// Attempts reads signature attempt history. *db.Store satisfies it.
type Attempts interface {
	ListAttempts(ctx context.Context, wallet string, limit int32) ([]*db.Attempt, error)
	GetAttemptBySignature(ctx context.Context, sig string) (*db.Attempt, error)
}

// Options carries the request defaults the handlers fall back to.
type Options struct {
	TopUpAmount uint64 // default funding for top_up and open_account
	PriorityFee txbuild.PriorityFee
	SettleDelay time.Duration
}

// Server represents the HTTP server for the transaction service.
type Server struct {
	addr         string
	opts         Options
	ledger       flow.Gateway
	program      ore.Program
	attempts     Attempts
	transactions Transactions
	ssePublisher *SSEPublisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	server       *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The ledger and program are required.
// The transactions client is optional - if nil, workflow endpoints won't be available.
// The attempts store is optional - if nil, history endpoints won't be available.
// The ssePublisher is optional - if nil, SSE endpoints won't be available.
// The metrics is optional - if nil, metrics endpoints won't be available.
func New(addr string, opts Options, ledger flow.Gateway, program ore.Program, transactions Transactions, attempts Attempts, ssePublisher *SSEPublisher, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:         addr,
		opts:         opts,
		ledger:       ledger,
		program:      program,
		attempts:     attempts,
		transactions: transactions,
		ssePublisher: ssePublisher,
		metrics:      m,
		logger:       logger,
	}
}

// Handler builds the routed handler, wrapped with CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.RouteMiddleware(s.metrics, name)(h))
	}

	// Ledger reads
	route("GET /api/v1/balance/{owner}", "/api/v1/balance", handleGetBalance(s.ledger, s.logger))
	route("GET /api/v1/sol-balance/{owner}", "/api/v1/sol-balance", handleGetSOLBalance(s.ledger, s.logger))
	route("GET /api/v1/escrow/{owner}", "/api/v1/escrow", handleGetEscrow(s.ledger, s.logger))

	// Externally signed transactions
	route("POST /api/v1/transactions/assemble", "/api/v1/transactions/assemble", handleAssemble(s.ledger, s.program, s.opts, s.metrics, s.logger))
	route("POST /api/v1/transactions/submit", "/api/v1/transactions/submit", handleSubmit(s.ledger, s.logger))

	// Custodial workflows
	if s.transactions != nil {
		route("POST /api/v1/transactions", "/api/v1/transactions", handleStartTransaction(s.transactions, s.opts, s.logger))
		route("GET /api/v1/transactions/{workflow_id}", "/api/v1/transactions/{id}", handleGetTransaction(s.transactions, s.logger))
	} else {
		s.logger.Warn("temporal client not configured, workflow endpoints disabled")
	}

	// Attempt history
	if s.attempts != nil {
		route("GET /api/v1/attempts", "/api/v1/attempts", handleListAttempts(s.attempts, s.logger))
		route("GET /api/v1/attempts/{signature}", "/api/v1/attempts/{signature}", handleGetAttempt(s.attempts, s.logger))
	} else {
		s.logger.Warn("database not configured, attempt history endpoints disabled")
	}

	// SSE streaming endpoints (if SSE publisher is configured)
	if s.ssePublisher != nil {
		mux.Handle("GET /api/v1/stream/status/{wallet}", handleStreamStatus(s.ssePublisher, s.metrics, s.logger))
		s.logger.Info("SSE streaming endpoints enabled")
	} else {
		s.logger.Warn("SSE publisher not configured, streaming endpoints disabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	// No WriteTimeout: status streams and workflow results hold the
	// response open.
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close SSE publisher first (disconnects all clients)
	if s.ssePublisher != nil {
		s.ssePublisher.Close()
	}

	// Then shutdown HTTP server
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Set CORS headers for all requests
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		// Handle preflight OPTIONS requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// Pass through to next handler
		next.ServeHTTP(w, r)
	})
}

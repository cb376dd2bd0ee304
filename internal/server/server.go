// Package server exposes the chain connection, investment positions, project
// listings and contract submissions over HTTP JSON.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"pledgechain/internal/chain"
	"pledgechain/internal/config"
	"pledgechain/internal/escrow"
	"pledgechain/internal/health"
	"pledgechain/internal/hmacauth"
	"pledgechain/internal/idempotency"
	"pledgechain/internal/projects"
	"pledgechain/internal/query"
	"pledgechain/internal/receipts"
)

const (
	headerRequestID      = "X-Request-Id"
	headerIdempotencyKey = "X-Idempotency-Key"
	maxBodyBytes         = 1 << 20
)

var errBadRequest = errors.New("bad request")

// Wallet is the chain client as driven over HTTP. *chain.Client implements it.
type Wallet interface {
	State() chain.ConnectionState
	SubscribeState(fn func(chain.ConnectionState)) (unsubscribe func())
	Connect(ctx context.Context, kind chain.ConnectorKind) (chain.ConnectionState, error)
	Disconnect() chain.ConnectionState
	SwitchChain(ctx context.Context, chainID uint64) (chain.ConnectionState, error)
	Networks() []chain.Network
	Metadata() chain.Metadata
}

// Picker is the connection modal controller. *chain.Picker implements it.
type Picker interface {
	State() chain.PickerState
	Open()
	Close()
	Select(kind chain.ConnectorKind) error
}

// Gate reports the connectivity health gate.
type Gate interface {
	State() health.State
}

// Deps are the collaborators the server drives.
type Deps struct {
	Wallet   Wallet
	Picker   Picker
	Gate     Gate
	Cache    *query.Cache[*big.Int]
	Projects projects.Service
	Escrow   escrow.Client
	Receipts receipts.Reader
	Minter   receipts.Writer
	Store    idempotency.Store
	// NFTContract is reported with every position.
	NFTContract common.Address
	// RPCPing checks the active network; nil skips the check.
	RPCPing func(context.Context) error
	// DBPing checks the database; nil skips the check.
	DBPing  func(context.Context) error
	Metrics *Metrics
	Logger  *zap.Logger
}

type Server struct {
	cfg        *config.AppConfig
	deps       Deps
	log        *zap.Logger
	operator   *hmacauth.Verifier
	metrics    *Metrics
	inflight   singleflight.Group
	handler    http.Handler
	httpServer *http.Server
}

func NewServer(cfg *config.AppConfig, deps Deps) (*Server, error) {
	switch {
	case deps.Wallet == nil:
		return nil, errors.New("server: wallet is required")
	case deps.Picker == nil:
		return nil, errors.New("server: picker is required")
	case deps.Gate == nil:
		return nil, errors.New("server: health gate is required")
	case deps.Projects == nil:
		return nil, errors.New("server: project service is required")
	case deps.Escrow == nil || deps.Receipts == nil || deps.Minter == nil:
		return nil, errors.New("server: contract clients are required")
	}
	if deps.Cache == nil {
		deps.Cache = query.NewCache[*big.Int]()
	}
	if deps.Store == nil {
		deps.Store = idempotency.NewMemoryStore()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Logger.Named("http"),
		metrics: deps.Metrics,
	}
	s.operator = &hmacauth.Verifier{
		Secret:  cfg.Service.OperatorSecret,
		MaxSkew: cfg.Service.HMACClockSkew,
		Reject: func(w http.ResponseWriter, err error) {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
		},
	}
	if !s.operator.Enabled() {
		s.log.Warn("operator endpoints are unauthenticated: OPERATOR_HMAC_SECRET is empty")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/connection", s.handleConnection)
	mux.HandleFunc("POST /api/v1/connection/connect", s.handleConnect)
	mux.HandleFunc("POST /api/v1/connection/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /api/v1/connection/chain", s.handleSwitchChain)
	mux.HandleFunc("GET /api/v1/networks", s.handleNetworks)
	mux.HandleFunc("GET /api/v1/picker", s.handlePicker)
	mux.HandleFunc("POST /api/v1/picker/open", s.handlePickerOpen)
	mux.HandleFunc("POST /api/v1/picker/close", s.handlePickerClose)
	mux.HandleFunc("POST /api/v1/picker/select", s.handlePickerSelect)

	mux.HandleFunc("GET /api/v1/projects", s.handleProjects)
	mux.HandleFunc("GET /api/v1/projects/{id}", s.handleProject)
	mux.HandleFunc("GET /api/v1/me/projects", s.handleMyProjects)
	mux.HandleFunc("GET /api/v1/projects/{id}/position", s.handlePosition)
	mux.HandleFunc("POST /api/v1/projects/{id}/position/refetch", s.handleRefetchPosition)

	mux.HandleFunc("POST /api/v1/deposits", s.handleDeposit)
	mux.HandleFunc("POST /api/v1/projects", s.handleCreateProject)
	mux.HandleFunc("GET /api/v1/receipts/{tokenId}", s.handleReceipt)
	mux.Handle("POST /api/v1/receipts", s.operator.Middleware(http.HandlerFunc(s.handleMint)))
	mux.Handle("POST /api/v1/receipts/{tokenId}/value", s.operator.Middleware(http.HandlerFunc(s.handleUpdateValue)))

	mux.Handle("GET /api/v1/metrics", s.metrics.Handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.handler = requestIDMiddleware(s.logRequests(mux))
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.handler,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler with its middleware.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Start() error {
	s.log.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, escrow.ErrInvalidRequest),
		errors.Is(err, receipts.ErrInvalidRequest),
		errors.Is(err, projects.ErrInvalidFilter),
		errors.Is(err, chain.ErrUnsupportedChain):
		return http.StatusBadRequest
	case errors.Is(err, projects.ErrNotFound),
		errors.Is(err, receipts.ErrUnknownToken):
		return http.StatusNotFound
	case errors.Is(err, chain.ErrUserRejected),
		errors.Is(err, chain.ErrNoPendingConnect),
		errors.Is(err, idempotency.ErrKeyConflict):
		return http.StatusConflict
	case errors.Is(err, chain.ErrNotConnected):
		return http.StatusPreconditionFailed
	case errors.Is(err, chain.ErrNoProvider):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled):
		return 499
	case chain.IsUnreachable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), RequestID: requestID(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	writeRaw(w, status, body)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// decodeJSON reads a JSON body into v. An empty body is accepted when
// optional is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: invalid json payload: %v", errBadRequest, err)
	}
	return nil
}

type ctxKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

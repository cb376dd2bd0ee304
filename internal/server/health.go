package server

import (
	"context"
	"net/http"
	"time"

	"pledgechain/internal/chain"
	"pledgechain/internal/health"
)

const healthCheckTimeout = 2 * time.Second

type rpcHealth struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

type dbHealth struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string                `json:"status"`
	Gate       health.State          `json:"gate"`
	Connection chain.ConnectionState `json:"connection"`
	RPC        rpcHealth             `json:"rpc"`
	Database   dbHealth              `json:"database"`
}

// handleHealth reports the gate as last probed plus a live ping of the
// active network. A disabled gate alone does not degrade the service.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	healthy := true

	rpc := rpcHealth{Connected: true}
	if s.deps.RPCPing != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		defer cancel()
		if err := s.deps.RPCPing(rpcCtx); err != nil {
			rpc.Connected = false
			rpc.Error = err.Error()
			healthy = false
		} else {
			rpc.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	db := dbHealth{Connected: true}
	if s.deps.DBPing != nil {
		dbCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		defer cancel()
		if err := s.deps.DBPing(dbCtx); err != nil {
			db.Connected = false
			db.Error = err.Error()
			healthy = false
		}
	}

	resp := healthResponse{
		Status:     "healthy",
		Gate:       s.deps.Gate.State(),
		Connection: s.deps.Wallet.State(),
		RPC:        rpc,
		Database:   db,
	}
	status := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

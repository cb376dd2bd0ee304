package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"pledgechain/internal/chain"
	"pledgechain/internal/position"
	"pledgechain/internal/projects"
)

// parseFilter reads the listing query parameters.
func parseFilter(q url.Values) (projects.Filter, error) {
	f := projects.Filter{
		Status:   projects.Status(q.Get("status")),
		Category: q.Get("category"),
		Search:   q.Get("q"),
		Sort:     projects.Sort(q.Get("sort")),
	}
	if raw := q.Get("owner"); raw != "" {
		if !common.IsHexAddress(raw) {
			return f, fmt.Errorf("%w: owner %q", projects.ErrInvalidFilter, raw)
		}
		owner := common.HexToAddress(raw)
		f.Owner = &owner
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return f, fmt.Errorf("%w: %s %q", projects.ErrInvalidFilter, name, raw)
		}
		*dst = n
	}
	return f.Normalize()
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.deps.Projects.GetProjects(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Projects.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleMyProjects lists the projects owned by the connected account.
func (s *Server) handleMyProjects(w http.ResponseWriter, r *http.Request) {
	state := s.deps.Wallet.State()
	if !state.Connected() || state.Account == nil {
		s.writeError(w, r, chain.ErrNotConnected)
		return
	}
	list, err := s.deps.Projects.GetMyProjects(r.Context(), *state.Account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

const defaultPositionWait = 15 * time.Second

type positionResponse struct {
	position.Position
	ProjectKey string `json:"projectKey"`
	Balance    string `json:"balance"`
	Error      string `json:"error,omitempty"`
}

func newPositionResponse(p position.Position) positionResponse {
	resp := positionResponse{
		Position:   p,
		ProjectKey: p.ProjectKey.String(),
		Balance:    p.Balance.String(),
	}
	if p.IsError && p.Err != nil {
		resp.Error = p.Err.Error()
	}
	return resp
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	s.servePosition(w, r, false)
}

func (s *Server) handleRefetchPosition(w http.ResponseWriter, r *http.Request) {
	s.servePosition(w, r, true)
}

// servePosition follows the project for the lifetime of the request and
// answers once the read settles or the RPC timeout passes, in which case the
// loading position is returned.
func (s *Server) servePosition(w http.ResponseWriter, r *http.Request, refetch bool) {
	syncer, err := position.NewSynchronizer(position.Config{
		Connection:  s.deps.Wallet,
		Reader:      s.deps.Receipts,
		Cache:       s.deps.Cache,
		NFTContract: s.deps.NFTContract,
		StaleTime:   s.cfg.Service.QueryStaleTime,
		Logger:      s.deps.Logger,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer syncer.Close()

	syncer.SetProject(r.PathValue("id"))
	if refetch {
		syncer.Refetch()
	}

	timeout := s.cfg.Chain.RPCTimeout
	if timeout <= 0 {
		timeout = defaultPositionWait
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	p, err := syncer.Await(ctx)
	if err != nil {
		s.log.Debug("position still loading", zap.String("project", r.PathValue("id")), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, newPositionResponse(p))
}

// Package health gates live chain features on a successful reachability probe.
//
// The gate probes the active backend with a block-number read whenever a
// wallet connects or the backend changes while connected. A failed probe
// disables the gate until the next such transition; it is never retried on
// its own. Disconnecting disables the gate without probing.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"pledgechain/internal/chain"
	"pledgechain/internal/observable"
)

const defaultTimeout = 10 * time.Second

// Phase of the gate.
type Phase int

const (
	Disabled Phase = iota
	Probing
	Enabled
)

func (p Phase) String() string {
	switch p {
	case Disabled:
		return "disabled"
	case Probing:
		return "probing"
	case Enabled:
		return "enabled"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// State is the gate's published value. Account and Backend are what an
// enabled gate vouches for.
type State struct {
	Phase   Phase           `json:"phase"`
	Enabled bool            `json:"enabled"`
	ChainID uint64          `json:"chainId,omitempty"`
	Block   uint64          `json:"block,omitempty"`
	Account *common.Address `json:"-"`
	Backend chain.Backend   `json:"-"`
}

// Source is the chain client as seen by the gate.
type Source interface {
	State() chain.ConnectionState
	SubscribeState(fn func(chain.ConnectionState)) (unsubscribe func())
	Backend() chain.Backend
	SubscribeBackend(fn func(chain.Backend)) (unsubscribe func())
}

type Config struct {
	Source Source
	// Timeout bounds each probe.
	Timeout time.Duration
	Logger  *zap.Logger
	// OnProbe is called after every probe that was still current when it
	// finished.
	OnProbe func(ok bool, took time.Duration)
}

// Gate is the reachability state machine.
type Gate struct {
	cfg Config
	log *zap.Logger
	out *observable.Value[State]

	mu        sync.Mutex
	epoch     uint64
	conn      chain.ConnectionState
	backend   chain.Backend
	cancel    context.CancelFunc
	closed    bool
	stopState func()
	stopBack  func()
}

func NewGate(cfg Config) (*Gate, error) {
	if cfg.Source == nil {
		return nil, errors.New("health: source is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	g := &Gate{
		cfg: cfg,
		log: cfg.Logger.Named("health"),
		out: observable.New(State{Phase: Disabled}),
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopState = cfg.Source.SubscribeState(g.onState)
	g.stopBack = cfg.Source.SubscribeBackend(g.onBackend)
	g.conn = cfg.Source.State()
	g.backend = cfg.Source.Backend()
	if g.conn.Connected() {
		g.probeLocked()
	}
	return g, nil
}

// Enabled reports whether gated features may run.
func (g *Gate) Enabled() bool {
	return g.out.Get().Enabled
}

// State returns the current gate state.
func (g *Gate) State() State {
	return g.out.Get()
}

// Subscribe registers fn for gate changes. fn runs synchronously while the
// chain client delivers its own notification and must not block.
func (g *Gate) Subscribe(fn func(State)) (unsubscribe func()) {
	return g.out.Subscribe(fn)
}

// Close stops following the chain client and abandons any running probe.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	g.stopState()
	g.stopBack()
	g.disableLocked()
}

func (g *Gate) onState(next chain.ConnectionState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	prev := g.conn
	g.conn = next
	switch {
	case !next.Connected():
		if g.out.Get().Phase != Disabled {
			g.log.Debug("gate disabled by disconnect")
		}
		g.disableLocked()
	case !prev.Connected():
		g.probeLocked()
	case !prev.SameAccount(next) && g.out.Get().Enabled:
		g.out.Update(func(s State) State {
			account := *next.Account
			s.Account = &account
			return s
		})
	}
}

func (g *Gate) onBackend(b chain.Backend) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || b == g.backend {
		return
	}
	g.backend = b
	if g.conn.Connected() {
		g.probeLocked()
	}
}

func (g *Gate) disableLocked() {
	g.epoch++
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
	if g.out.Get().Phase != Disabled {
		g.out.Set(State{Phase: Disabled})
	}
}

// probeLocked starts one probe of the current backend. Results of older
// probes are dropped by the epoch check.
func (g *Gate) probeLocked() {
	g.epoch++
	epoch := g.epoch
	if g.cancel != nil {
		g.cancel()
	}

	backend := g.backend
	conn := g.conn
	if backend == nil {
		g.cancel = nil
		g.log.Warn("probe skipped: no backend", zap.Uint64("chain_id", conn.ChainID))
		g.out.Set(State{Phase: Disabled})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Timeout)
	g.cancel = cancel
	g.out.Set(State{Phase: Probing, ChainID: conn.ChainID})

	go func() {
		defer cancel()
		began := time.Now()
		block, err := Probe(ctx, backend)
		took := time.Since(began)

		g.mu.Lock()
		defer g.mu.Unlock()
		if g.epoch != epoch || g.closed {
			return
		}
		g.cancel = nil
		if g.cfg.OnProbe != nil {
			g.cfg.OnProbe(err == nil, took)
		}
		if err != nil {
			g.log.Warn("chain probe failed; live features disabled",
				zap.Uint64("chain_id", conn.ChainID),
				zap.Duration("took", took),
				zap.Bool("unreachable", chain.IsUnreachable(err)),
				zap.Error(err),
			)
			g.out.Set(State{Phase: Disabled})
			return
		}
		// the account may have changed while probing
		account := *g.conn.Account
		g.log.Info("chain probe succeeded",
			zap.Uint64("chain_id", conn.ChainID),
			zap.Uint64("block", block),
			zap.Duration("took", took),
		)
		g.out.Set(State{
			Phase:   Enabled,
			Enabled: true,
			ChainID: g.conn.ChainID,
			Block:   block,
			Account: &account,
			Backend: backend,
		})
	}()
}

// Prober is the read a probe issues.
type Prober interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Probe reads the latest block number. A panic in the backend is returned as
// an error.
func Probe(ctx context.Context, p Prober) (block uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panic: %v", r)
		}
	}()
	return p.BlockNumber(ctx)
}

package position

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"pledgechain/internal/chain"
	"pledgechain/internal/observable"
	"pledgechain/internal/query"
)

// ConnectionSource publishes the wallet connection. *chain.Client implements it.
type ConnectionSource interface {
	State() chain.ConnectionState
	SubscribeState(fn func(chain.ConnectionState)) (unsubscribe func())
}

// BalanceReader reads per-project receipt balances. receipts.Reader
// implements it.
type BalanceReader interface {
	ProjectBalance(ctx context.Context, owner common.Address, projectID *big.Int) (*big.Int, error)
}

type Config struct {
	Connection  ConnectionSource
	Reader      BalanceReader
	Cache       *query.Cache[*big.Int]
	NFTContract common.Address
	// StaleTime is how long a cached balance is reused by a new subscription.
	StaleTime time.Duration
	Logger    *zap.Logger
}

// Key is the cache key of the balance of account in project on chainID.
func Key(account common.Address, chainID uint64, project *big.Int) query.Key {
	return query.NewKey(QueryKind, account.Hex(), chainID, project.String())
}

// MatchAccount selects every cached balance of account.
func MatchAccount(account common.Address) func(query.Key) bool {
	return func(k query.Key) bool {
		return k.HasPrefix(QueryKind, account.Hex())
	}
}

// identity is what the current position describes. key is zero while idle.
type identity struct {
	key     query.Key
	account *common.Address
	project *big.Int
	enabled bool
}

// Synchronizer follows the connection and the selected project and publishes
// the resulting Position. Subscribers are called synchronously and must not
// call back into the chain client.
type Synchronizer struct {
	cfg      Config
	log      *zap.Logger
	observer *query.Observer[*big.Int]
	out      *observable.Value[Position]
	id       atomic.Pointer[identity]

	mu       sync.Mutex
	state    chain.ConnectionState
	raw      string
	closed   bool
	stopConn func()
	stopObs  func()
}

func NewSynchronizer(cfg Config) (*Synchronizer, error) {
	if cfg.Connection == nil {
		return nil, errors.New("position: connection source is required")
	}
	if cfg.Reader == nil {
		return nil, errors.New("position: balance reader is required")
	}
	if cfg.Cache == nil {
		cfg.Cache = query.NewCache[*big.Int]()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Synchronizer{
		cfg: cfg,
		log: cfg.Logger.Named("position"),
		out: observable.New(emptyPosition(cfg.NFTContract)),
	}
	s.id.Store(&identity{project: new(big.Int)})
	s.observer = cfg.Cache.Observe(query.StaleTime(cfg.StaleTime))
	s.stopObs = s.observer.Subscribe(s.publish)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopConn = cfg.Connection.SubscribeState(s.onConnection)
	s.state = cfg.Connection.State()
	s.resyncLocked()
	return s, nil
}

// SetProject selects the project by its off-chain identifier. An empty or
// malformed identifier leaves the position at zero without reading the chain.
func (s *Synchronizer) SetProject(raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.raw = raw
	s.resyncLocked()
}

// Position returns the current position.
func (s *Synchronizer) Position() Position {
	return s.out.Get()
}

// Subscribe registers fn for position changes.
func (s *Synchronizer) Subscribe(fn func(Position)) (unsubscribe func()) {
	return s.out.Subscribe(fn)
}

// Refetch reads the balance again. It does nothing while the position is idle.
func (s *Synchronizer) Refetch() {
	s.observer.Refetch()
}

// Await blocks until the position is not loading.
func (s *Synchronizer) Await(ctx context.Context) (Position, error) {
	ready := make(chan Position, 1)
	stop := s.out.Subscribe(func(p Position) {
		if p.IsLoading {
			return
		}
		select {
		case ready <- p:
		default:
		}
	})
	defer stop()

	if p := s.out.Get(); !p.IsLoading {
		return p, nil
	}
	select {
	case p := <-ready:
		return p, nil
	case <-ctx.Done():
		return s.out.Get(), ctx.Err()
	}
}

// Close stops following the connection and releases the cached read.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.stopConn()
	s.observer.Close()
	s.stopObs()
}

func (s *Synchronizer) onConnection(next chain.ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	prev := s.state
	s.state = next
	s.resyncLocked()

	// Release first, then invalidate, so the old account is not read again.
	if prev.Account != nil && (!next.Connected() || !prev.SameAccount(next)) {
		s.cfg.Cache.InvalidateWhere(MatchAccount(*prev.Account))
		s.log.Debug("account reads invalidated", zap.String("account", prev.Account.Hex()))
	}
}

func (s *Synchronizer) resyncLocked() {
	project, valid := NormalizeProjectID(s.raw)
	st := s.state

	id := &identity{project: project}
	if st.Account != nil {
		account := *st.Account
		id.account = &account
	}
	if s.raw != "" && !valid {
		s.log.Debug("project id not usable on chain", zap.String("project", s.raw))
	}
	if !st.Connected() || !valid {
		s.id.Store(id)
		s.observer.SetKey(query.Key{}, nil, query.Enabled(false))
		return
	}

	id.enabled = true
	id.key = Key(*id.account, st.ChainID, project)
	s.id.Store(id)
	s.observer.SetKey(id.key, s.fetcher(*id.account, project))
}

func (s *Synchronizer) fetcher(account common.Address, project *big.Int) query.Fetcher[*big.Int] {
	project = new(big.Int).Set(project)
	return func(ctx context.Context) (*big.Int, error) {
		bal, err := s.cfg.Reader.ProjectBalance(ctx, account, project)
		if err != nil {
			return nil, err
		}
		if bal == nil || bal.Sign() < 0 {
			return new(big.Int), nil
		}
		return bal, nil
	}
}

// publish derives the position from the observer's snapshot. Snapshots of a
// key other than the current identity's are dropped.
func (s *Synchronizer) publish(snap query.Snapshot[*big.Int]) {
	id := s.id.Load()
	if snap.Key != id.key {
		return
	}

	p := emptyPosition(s.cfg.NFTContract)
	p.Account = id.account
	p.ProjectKey = new(big.Int).Set(id.project)
	if id.enabled {
		if snap.HasValue && snap.Value != nil {
			p.Balance = new(big.Int).Set(snap.Value)
		}
		p.IsLoading = snap.IsLoading
		p.IsError = snap.IsError
		p.Err = snap.Err
		p.Stale = snap.Stale()
	}
	p.HasInvestment = p.Balance.Sign() > 0
	s.out.Set(p)
}

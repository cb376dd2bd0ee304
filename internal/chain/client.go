// Package chain builds the process-wide chain client: supported networks,
// wallet connectors, the connection picker and the reactive ConnectionState.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"pledgechain/internal/observable"
)

const defaultRequestTimeout = 15 * time.Second

var errConnectAborted = fmt.Errorf("%w: connection aborted by disconnect", ErrUserRejected)

// projectScoped connectors identify the application with the project ID.
type projectScoped interface {
	setProjectID(id string)
}

// constructed guards the single construction of a Client per process.
var constructed atomic.Bool

// Config describes the chain client.
type Config struct {
	// ProjectID identifies the application to the wallet-connection protocol.
	ProjectID string
	Metadata  Metadata
	// Networks in preference order; the first is used when no chain is chosen.
	Networks   []Network
	Connectors []Connector
	Dial       Dialer
	// RequestTimeout bounds every dial and RPC issued by the client.
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Client owns the ConnectionState. Subscribers of the state and backend values
// are called synchronously and must not call Connect, Disconnect or
// SwitchChain from the callback.
type Client struct {
	cfg    Config
	log    *zap.Logger
	picker *Picker

	state   *observable.Value[ConnectionState]
	backend *observable.Value[Backend]

	mu       sync.Mutex
	seq      uint64
	active   Connector
	session  Session
	backends map[uint64]Backend
	stop     chan struct{}
}

// New constructs the process-wide client. A second call fails with
// ErrAlreadyConstructed.
func New(cfg Config) (*Client, error) {
	if !constructed.CompareAndSwap(false, true) {
		return nil, ErrAlreadyConstructed
	}
	c, err := newClient(cfg)
	if err != nil {
		constructed.Store(false)
		return nil, err
	}
	return c, nil
}

func newClient(cfg Config) (*Client, error) {
	if len(cfg.Networks) < 2 {
		return nil, fmt.Errorf("at least two networks are required, got %d", len(cfg.Networks))
	}
	seen := make(map[uint64]bool, len(cfg.Networks))
	for _, n := range cfg.Networks {
		if n.ChainID == 0 {
			return nil, fmt.Errorf("network %q: chain id is required", n.Name)
		}
		if seen[n.ChainID] {
			return nil, fmt.Errorf("network %q: duplicate chain id %d", n.Name, n.ChainID)
		}
		seen[n.ChainID] = true
	}
	if cfg.Dial == nil {
		cfg.Dial = DialEthereum
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	c := &Client{
		cfg:      cfg,
		log:      cfg.Logger.Named("chain"),
		state:    observable.New(disconnectedState()),
		backend:  observable.New[Backend](nil),
		backends: make(map[uint64]Backend),
	}
	for _, conn := range cfg.Connectors {
		if p, ok := conn.(projectScoped); ok {
			p.setProjectID(cfg.ProjectID)
		}
	}
	c.picker = newPicker(c.Connectors)
	c.state.Subscribe(c.picker.track)
	return c, nil
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	return c.state.Get()
}

// SubscribeState registers fn for connection changes.
func (c *Client) SubscribeState(fn func(ConnectionState)) (unsubscribe func()) {
	return c.state.Subscribe(fn)
}

// Backend returns the RPC backend of the active network, or nil before any
// network has been dialed.
func (c *Client) Backend() Backend {
	return c.backend.Get()
}

// SubscribeBackend registers fn for changes of the active backend.
func (c *Client) SubscribeBackend(fn func(Backend)) (unsubscribe func()) {
	return c.backend.Subscribe(fn)
}

// Picker returns the connection modal controller.
func (c *Client) Picker() *Picker {
	return c.picker
}

// Networks returns the supported networks in preference order.
func (c *Client) Networks() []Network {
	out := make([]Network, len(c.cfg.Networks))
	copy(out, c.cfg.Networks)
	return out
}

// Metadata returns the application metadata presented to wallets.
func (c *Client) Metadata() Metadata {
	return c.cfg.Metadata
}

// RequestTimeout is the bound applied to RPC calls.
func (c *Client) RequestTimeout() time.Duration {
	return c.cfg.RequestTimeout
}

// Connectors describes the enabled connectors.
func (c *Client) Connectors() []ConnectorInfo {
	out := make([]ConnectorInfo, 0, len(c.cfg.Connectors))
	for _, conn := range c.cfg.Connectors {
		out = append(out, ConnectorInfo{Kind: conn.Kind(), Available: conn.Available()})
	}
	return out
}

func (c *Client) connector(kind ConnectorKind) (Connector, error) {
	for _, conn := range c.cfg.Connectors {
		if kind == KindAuto && conn.Available() {
			return conn, nil
		}
		if conn.Kind() == kind {
			if !conn.Available() {
				break
			}
			return conn, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoProvider, kind)
}

// Connect engages the connector of the given kind, or opens the picker and
// waits for a choice when kind is empty. It returns once the wallet approved
// and the state is connected.
func (c *Client) Connect(ctx context.Context, kind ConnectorKind) (ConnectionState, error) {
	if kind == "" {
		choice := c.picker.await()
		select {
		case <-ctx.Done():
			c.picker.cancel(choice)
			return c.State(), ctx.Err()
		case res := <-choice:
			if res.dismissed {
				return c.State(), ErrUserRejected
			}
			kind = res.kind
		}
	}

	conn, err := c.connector(kind)
	if err != nil {
		return c.State(), err
	}

	c.mu.Lock()
	if c.active == conn && c.state.Get().Connected() {
		c.mu.Unlock()
		return c.State(), nil
	}
	c.teardownLocked()
	c.seq++
	seq := c.seq
	c.state.Set(ConnectionState{Status: StatusConnecting})
	c.mu.Unlock()

	network := c.cfg.Networks[0]
	session, err := conn.Connect(ctx, network.ChainID)
	if err == nil {
		if n, ok := findNetwork(c.cfg.Networks, session.ChainID); ok {
			network = n
		}
	}
	var backend Backend
	if err == nil {
		backend, err = c.backendFor(ctx, network)
		if err != nil {
			_ = conn.Disconnect()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seq != seq {
		if err == nil {
			_ = conn.Disconnect()
		}
		return c.state.Get(), errConnectAborted
	}
	if err != nil {
		c.state.Set(disconnectedState())
		c.log.Info("wallet connection failed", zap.String("connector", string(kind)), zap.Error(err))
		return c.state.Get(), err
	}

	c.active = conn
	c.session = session
	c.session.ChainID = network.ChainID
	c.setBackendLocked(backend)
	account := session.Account
	next := ConnectionState{Status: StatusConnected, Account: &account, ChainID: network.ChainID}
	c.state.Set(next)
	c.log.Info("wallet connected",
		zap.String("connector", string(conn.Kind())),
		zap.String("account", account.Hex()),
		zap.Uint64("chain_id", network.ChainID),
	)

	if events := conn.Events(); events != nil {
		c.stop = make(chan struct{})
		go c.follow(events, c.stop, seq)
	}
	return next, nil
}

// Disconnect tears down the active session and sets the state to
// disconnected before returning. It never fails; connector errors are logged.
func (c *Client) Disconnect() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.teardownLocked()
	next := disconnectedState()
	c.state.Set(next)
	return next
}

func (c *Client) teardownLocked() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	if c.active != nil {
		if err := c.active.Disconnect(); err != nil {
			c.log.Warn("connector disconnect", zap.String("connector", string(c.active.Kind())), zap.Error(err))
		}
		c.log.Info("wallet disconnected", zap.String("connector", string(c.active.Kind())))
	}
	c.active = nil
	c.session = Session{}
}

// SwitchChain moves the connected session to another supported network.
func (c *Client) SwitchChain(ctx context.Context, chainID uint64) (ConnectionState, error) {
	network, ok := findNetwork(c.cfg.Networks, chainID)
	if !ok {
		return c.State(), fmt.Errorf("%w: %d", ErrUnsupportedChain, chainID)
	}

	c.mu.Lock()
	if c.active == nil {
		c.mu.Unlock()
		return c.State(), ErrNotConnected
	}
	seq := c.seq
	c.mu.Unlock()

	backend, err := c.backendFor(ctx, network)
	if err != nil {
		return c.State(), err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seq != seq || c.active == nil {
		return c.state.Get(), errConnectAborted
	}
	c.session.ChainID = chainID
	c.setBackendLocked(backend)
	next := c.state.Update(func(s ConnectionState) ConnectionState {
		s.ChainID = chainID
		return s
	})
	c.log.Info("chain switched", zap.Uint64("chain_id", chainID), zap.String("network", network.Name))
	return next, nil
}

// follow applies wallet notifications in the order the wallet emits them.
func (c *Client) follow(events <-chan WalletEvent, stop <-chan struct{}, seq uint64) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.apply(ev, seq)
		}
	}
}

func (c *Client) apply(ev WalletEvent, seq uint64) {
	switch ev.Kind {
	case WalletDisconnected:
		c.disconnectIfCurrent(seq)
	case AccountsChanged:
		if ev.Account == nil || !c.switchAccount(*ev.Account, ev.Sign, seq) {
			c.disconnectIfCurrent(seq)
		}
	case ChainChanged:
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()
		if _, err := c.SwitchChain(ctx, ev.ChainID); err != nil && !errors.Is(err, errConnectAborted) {
			c.log.Warn("wallet chain change ignored", zap.Uint64("chain_id", ev.ChainID), zap.Error(err))
		}
	}
}

// switchAccount moves the session of seq to account. It reports false when the
// session must end because nothing can sign for account.
func (c *Client) switchAccount(account common.Address, sign SignFunc, seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seq != seq || c.active == nil {
		return true
	}
	if account != c.session.Account {
		if sign == nil {
			c.log.Warn("wallet switched to an account it cannot sign for", zap.String("account", account.Hex()))
			return false
		}
		c.session.Sign = sign
	}
	c.session.Account = account
	c.state.Update(func(s ConnectionState) ConnectionState {
		s.Account = &account
		return s
	})
	c.log.Info("wallet account changed", zap.String("account", account.Hex()))
	return true
}

func (c *Client) disconnectIfCurrent(seq uint64) {
	c.mu.Lock()
	current := c.seq == seq
	c.mu.Unlock()
	if current {
		c.Disconnect()
	}
}

// TransactOpts returns signing options for the connected account on the
// active chain.
func (c *Client) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	c.mu.Lock()
	session := c.session
	active := c.active
	c.mu.Unlock()
	if active == nil || session.Sign == nil {
		return nil, ErrNotConnected
	}
	return &bind.TransactOpts{
		From:    session.Account,
		Context: ctx,
		Signer: func(addr common.Address, tx *types.Transaction) (*types.Transaction, error) {
			if addr != session.Account {
				return nil, fmt.Errorf("%w: %s is not the connected account", ErrUserRejected, addr.Hex())
			}
			return session.Sign(session.ChainID, tx)
		},
	}, nil
}

// EnsureBackend returns the active backend, dialing the preferred network when
// none is active yet.
func (c *Client) EnsureBackend(ctx context.Context) (Backend, error) {
	if b := c.Backend(); b != nil {
		return b, nil
	}
	b, err := c.backendFor(ctx, c.cfg.Networks[0])
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur := c.backend.Get(); cur != nil {
		return cur, nil
	}
	c.setBackendLocked(b)
	return b, nil
}

func (c *Client) backendFor(ctx context.Context, network Network) (Backend, error) {
	c.mu.Lock()
	b, ok := c.backends[network.ChainID]
	c.mu.Unlock()
	if ok {
		return b, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	b, err := c.cfg.Dial(dialCtx, network)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", network.Name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.backends[network.ChainID]; ok {
		b.Close()
		return existing, nil
	}
	c.backends[network.ChainID] = b
	return b, nil
}

func (c *Client) setBackendLocked(b Backend) {
	if c.backend.Get() != b {
		c.backend.Set(b)
	}
}

// Close disconnects and releases every dialed backend.
func (c *Client) Close() {
	c.Disconnect()
	c.mu.Lock()
	backends := c.backends
	c.backends = make(map[uint64]Backend)
	c.backend.Set(nil)
	c.mu.Unlock()
	for _, b := range backends {
		b.Close()
	}
}

package chain

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	bind.ContractBackend
	chainID uint64
	closed  atomic.Bool
}

func (b *fakeBackend) BlockNumber(context.Context) (uint64, error) { return 1, nil }

func (b *fakeBackend) Close() { b.closed.Store(true) }

type fakeConnector struct {
	kind      ConnectorKind
	available bool
	account   common.Address
	err       error
	gate      chan struct{}
	events    chan WalletEvent

	mu          sync.Mutex
	disconnects int
}

func (f *fakeConnector) Kind() ConnectorKind { return f.kind }

func (f *fakeConnector) Available() bool { return f.available }

func (f *fakeConnector) Connect(ctx context.Context, chainID uint64) (Session, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return Session{}, ctx.Err()
		}
	}
	if f.err != nil {
		return Session{}, f.err
	}
	return Session{
		Account: f.account,
		ChainID: chainID,
		Sign:    f.sign,
	}, nil
}

func (f *fakeConnector) sign(uint64, *types.Transaction) (*types.Transaction, error) {
	return nil, errors.New("not signing")
}

func (f *fakeConnector) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeConnector) Events() <-chan WalletEvent {
	if f.events == nil {
		return nil
	}
	return f.events
}

var (
	accountA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	accountB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func testNetworks() []Network {
	return []Network{
		{ChainID: 11155111, Name: "A", RPCURL: "http://a"},
		{ChainID: 80002, Name: "B", RPCURL: "http://b"},
	}
}

func newTestClient(t *testing.T, connectors ...Connector) (*Client, map[uint64]*fakeBackend) {
	t.Helper()
	var mu sync.Mutex
	dialed := make(map[uint64]*fakeBackend)
	c, err := newClient(Config{
		Networks:   testNetworks(),
		Connectors: connectors,
		Dial: func(_ context.Context, n Network) (Backend, error) {
			mu.Lock()
			defer mu.Unlock()
			b := &fakeBackend{chainID: n.ChainID}
			dialed[n.ChainID] = b
			return b, nil
		},
		RequestTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, dialed
}

func TestNewIsSingleConstruction(t *testing.T) {
	t.Cleanup(func() { constructed.Store(false) })

	cfg := Config{Networks: testNetworks()}
	first, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = New(cfg)
	assert.ErrorIs(t, err, ErrAlreadyConstructed)
}

func TestNewRejectsBadNetworks(t *testing.T) {
	_, err := newClient(Config{Networks: testNetworks()[:1]})
	assert.Error(t, err)

	dup := []Network{{ChainID: 1, Name: "x"}, {ChainID: 1, Name: "y"}}
	_, err = newClient(Config{Networks: dup})
	assert.Error(t, err)

	assert.False(t, constructed.Load())
}

func TestConnectInjected(t *testing.T) {
	conn := &fakeConnector{kind: KindInjected, available: true, account: accountA}
	c, dialed := newTestClient(t, conn)

	var seen []Status
	c.SubscribeState(func(s ConnectionState) { seen = append(seen, s.Status) })

	state, err := c.Connect(context.Background(), KindInjected)
	require.NoError(t, err)

	assert.Equal(t, StatusConnected, state.Status)
	require.NotNil(t, state.Account)
	assert.Equal(t, accountA, *state.Account)
	assert.Equal(t, uint64(11155111), state.ChainID)
	assert.Equal(t, []Status{StatusConnecting, StatusConnected}, seen)
	assert.Same(t, dialed[11155111], c.Backend())
	assert.Equal(t, accountA, *c.Picker().State().SelectedAccount)
}

func TestConnectUnavailableConnector(t *testing.T) {
	c, _ := newTestClient(t, &fakeConnector{kind: KindInjected})

	_, err := c.Connect(context.Background(), KindInjected)
	assert.ErrorIs(t, err, ErrNoProvider)

	_, err = c.Connect(context.Background(), KindEmbedded)
	assert.ErrorIs(t, err, ErrNoProvider)

	_, err = c.Connect(context.Background(), KindAuto)
	assert.ErrorIs(t, err, ErrNoProvider)
	assert.Equal(t, StatusDisconnected, c.State().Status)
}

func TestConnectAutoPicksFirstAvailable(t *testing.T) {
	c, _ := newTestClient(t,
		&fakeConnector{kind: KindInjected},
		&fakeConnector{kind: KindEmbedded, available: true, account: accountB},
	)

	state, err := c.Connect(context.Background(), KindAuto)
	require.NoError(t, err)
	assert.Equal(t, accountB, *state.Account)
}

func TestConnectRejected(t *testing.T) {
	conn := &fakeConnector{kind: KindRemoteSigner, available: true, err: ErrUserRejected}
	c, _ := newTestClient(t, conn)

	state, err := c.Connect(context.Background(), KindRemoteSigner)
	assert.ErrorIs(t, err, ErrUserRejected)
	assert.Equal(t, StatusDisconnected, state.Status)
}

func TestConnectThroughPicker(t *testing.T) {
	c, _ := newTestClient(t, &fakeConnector{kind: KindEmbedded, available: true, account: accountA})

	done := make(chan error, 1)
	go func() {
		_, err := c.Connect(context.Background(), "")
		done <- err
	}()

	require.Eventually(t, func() bool { return c.Picker().State().Awaiting }, time.Second, 5*time.Millisecond)
	assert.True(t, c.Picker().State().Open)
	require.NoError(t, c.Picker().Select(KindEmbedded))

	require.NoError(t, <-done)
	assert.True(t, c.State().Connected())
	assert.False(t, c.Picker().State().Open)
}

func TestPickerDismissRejects(t *testing.T) {
	c, _ := newTestClient(t, &fakeConnector{kind: KindEmbedded, available: true, account: accountA})

	done := make(chan error, 1)
	go func() {
		_, err := c.Connect(context.Background(), "")
		done <- err
	}()

	require.Eventually(t, func() bool { return c.Picker().State().Awaiting }, time.Second, 5*time.Millisecond)
	c.Picker().Close()

	assert.ErrorIs(t, <-done, ErrUserRejected)
	assert.ErrorIs(t, c.Picker().Select(KindEmbedded), ErrNoPendingConnect)
}

func TestDisconnectFromAnyStatus(t *testing.T) {
	conn := &fakeConnector{kind: KindInjected, available: true, account: accountA}
	c, _ := newTestClient(t, conn)

	assert.Equal(t, StatusDisconnected, c.Disconnect().Status)

	_, err := c.Connect(context.Background(), KindInjected)
	require.NoError(t, err)
	c.Disconnect()
	assert.Equal(t, StatusDisconnected, c.State().Status)
	assert.Nil(t, c.State().Account)
	assert.Equal(t, 1, conn.disconnects)
}

func TestDisconnectWhileConnecting(t *testing.T) {
	conn := &fakeConnector{kind: KindInjected, available: true, account: accountA, gate: make(chan struct{})}
	c, _ := newTestClient(t, conn)

	done := make(chan error, 1)
	go func() {
		_, err := c.Connect(context.Background(), KindInjected)
		done <- err
	}()
	require.Eventually(t, func() bool { return c.State().Status == StatusConnecting }, time.Second, 5*time.Millisecond)

	c.Disconnect()
	assert.Equal(t, StatusDisconnected, c.State().Status)

	close(conn.gate)
	assert.ErrorIs(t, <-done, ErrUserRejected)
	assert.Equal(t, StatusDisconnected, c.State().Status)
}

func TestWalletEventsUpdateState(t *testing.T) {
	conn := &fakeConnector{kind: KindEmbedded, available: true, account: accountA, events: make(chan WalletEvent, 4)}
	c, dialed := newTestClient(t, conn)

	_, err := c.Connect(context.Background(), KindEmbedded)
	require.NoError(t, err)

	next := accountB
	conn.events <- WalletEvent{Kind: AccountsChanged, Account: &next, Sign: conn.sign}
	require.Eventually(t, func() bool {
		s := c.State()
		return s.Account != nil && *s.Account == accountB
	}, time.Second, 5*time.Millisecond)

	conn.events <- WalletEvent{Kind: ChainChanged, ChainID: 80002}
	require.Eventually(t, func() bool { return c.State().ChainID == 80002 }, time.Second, 5*time.Millisecond)
	assert.Same(t, dialed[80002], c.Backend())

	conn.events <- WalletEvent{Kind: AccountsChanged}
	require.Eventually(t, func() bool { return c.State().Status == StatusDisconnected }, time.Second, 5*time.Millisecond)
}

func TestAccountSwitchWithoutSignerDisconnects(t *testing.T) {
	conn := &fakeConnector{kind: KindEmbedded, available: true, account: accountA, events: make(chan WalletEvent, 4)}
	c, _ := newTestClient(t, conn)

	_, err := c.Connect(context.Background(), KindEmbedded)
	require.NoError(t, err)

	same := accountA
	conn.events <- WalletEvent{Kind: AccountsChanged, Account: &same}
	conn.events <- WalletEvent{Kind: ChainChanged, ChainID: 80002}
	require.Eventually(t, func() bool { return c.State().ChainID == 80002 }, time.Second, 5*time.Millisecond)
	assert.True(t, c.State().Connected())

	next := accountB
	conn.events <- WalletEvent{Kind: AccountsChanged, Account: &next}
	require.Eventually(t, func() bool { return c.State().Status == StatusDisconnected }, time.Second, 5*time.Millisecond)
	assert.Nil(t, c.State().Account)

	_, err = c.TransactOpts(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestTransactOptsFollowsAccountSwitch(t *testing.T) {
	first, err := crypto.GenerateKey()
	require.NoError(t, err)
	second, err := crypto.GenerateKey()
	require.NoError(t, err)
	firstAddr := crypto.PubkeyToAddress(first.PublicKey)
	secondAddr := crypto.PubkeyToAddress(second.PublicKey)

	signWith := func(key *ecdsa.PrivateKey) SignFunc {
		return func(chainID uint64, tx *types.Transaction) (*types.Transaction, error) {
			return types.SignTx(tx, types.LatestSignerForChainID(new(big.Int).SetUint64(chainID)), key)
		}
	}
	conn := &switchingConnector{
		fakeConnector: fakeConnector{kind: KindEmbedded, available: true, account: firstAddr, events: make(chan WalletEvent, 1)},
		first:         signWith(first),
	}
	c, _ := newTestClient(t, conn)

	_, err = c.Connect(context.Background(), KindEmbedded)
	require.NoError(t, err)

	conn.events <- WalletEvent{Kind: AccountsChanged, Account: &secondAddr, Sign: signWith(second)}
	require.Eventually(t, func() bool {
		s := c.State()
		return s.Account != nil && *s.Account == secondAddr
	}, time.Second, 5*time.Millisecond)

	opts, err := c.TransactOpts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, secondAddr, opts.From)

	tx := types.NewTx(&types.LegacyTx{Nonce: 1, GasPrice: big.NewInt(1), Gas: 21000, To: &accountB, Value: big.NewInt(1)})
	signed, err := opts.Signer(secondAddr, tx)
	require.NoError(t, err)
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(11155111)), signed)
	require.NoError(t, err)
	assert.Equal(t, secondAddr, sender)

	_, err = opts.Signer(firstAddr, tx)
	assert.ErrorIs(t, err, ErrUserRejected)
}

// switchingConnector signs its initial session with a real key.
type switchingConnector struct {
	fakeConnector
	first SignFunc
}

func (s *switchingConnector) Connect(ctx context.Context, chainID uint64) (Session, error) {
	session, err := s.fakeConnector.Connect(ctx, chainID)
	session.Sign = s.first
	return session, err
}

func TestClientHandsProjectIDToRemoteSigner(t *testing.T) {
	remote := NewRemoteSignerConnector("http://127.0.0.1:8550")
	assert.False(t, remote.Available())

	c, err := newClient(Config{
		ProjectID:  "pledgechain-dev",
		Metadata:   Metadata{Name: "pledgechain", URL: "http://localhost:3000"},
		Networks:   testNetworks(),
		Connectors: []Connector{remote},
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	assert.True(t, remote.Available())
	assert.Equal(t, "pledgechain", c.Metadata().Name)

	infos := c.Picker().State().Connectors
	require.Len(t, infos, 1)
	assert.Equal(t, KindRemoteSigner, infos[0].Kind)
	assert.True(t, infos[0].Available)

	unscoped := NewRemoteSignerConnector("http://127.0.0.1:8550")
	c2, err := newClient(Config{Networks: testNetworks(), Connectors: []Connector{unscoped}})
	require.NoError(t, err)
	t.Cleanup(c2.Close)
	assert.False(t, unscoped.Available())
}

func TestSwitchChain(t *testing.T) {
	c, _ := newTestClient(t, &fakeConnector{kind: KindInjected, available: true, account: accountA})

	_, err := c.SwitchChain(context.Background(), 80002)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.Connect(context.Background(), KindInjected)
	require.NoError(t, err)

	_, err = c.SwitchChain(context.Background(), 1)
	assert.ErrorIs(t, err, ErrUnsupportedChain)

	var backends int
	c.SubscribeBackend(func(Backend) { backends++ })
	state, err := c.SwitchChain(context.Background(), 80002)
	require.NoError(t, err)
	assert.Equal(t, uint64(80002), state.ChainID)
	assert.Equal(t, 1, backends)
}

func TestTransactOptsSignsForActiveChain(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	conn, err := NewKeyConnector(hex.EncodeToString(crypto.FromECDSA(key)))
	require.NoError(t, err)
	c, _ := newTestClient(t, conn)

	_, err = c.TransactOpts(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	state, err := c.Connect(context.Background(), KindInjected)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), *state.Account)

	opts, err := c.TransactOpts(context.Background())
	require.NoError(t, err)

	tx := types.NewTx(&types.LegacyTx{Nonce: 1, GasPrice: big.NewInt(1), Gas: 21000, To: &accountB, Value: big.NewInt(1)})
	signed, err := opts.Signer(opts.From, tx)
	require.NoError(t, err)

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(11155111)), signed)
	require.NoError(t, err)
	assert.Equal(t, opts.From, sender)

	_, err = opts.Signer(accountB, tx)
	assert.ErrorIs(t, err, ErrUserRejected)
}

func TestEnsureBackendDialsPreferredNetwork(t *testing.T) {
	c, dialed := newTestClient(t)

	b, err := c.EnsureBackend(context.Background())
	require.NoError(t, err)
	assert.Same(t, dialed[11155111], b)

	again, err := c.EnsureBackend(context.Background())
	require.NoError(t, err)
	assert.Same(t, b, again)
}

func TestParseConnectorKind(t *testing.T) {
	kind, err := ParseConnectorKind("remoteSigner")
	require.NoError(t, err)
	assert.Equal(t, KindRemoteSigner, kind)

	_, err = ParseConnectorKind("metamask")
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestIsUnreachable(t *testing.T) {
	assert.False(t, IsUnreachable(nil))
	assert.True(t, IsUnreachable(context.DeadlineExceeded))
	assert.True(t, IsUnreachable(errors.New("dial tcp: connection refused")))
	assert.False(t, IsUnreachable(errors.New("execution reverted")))
}

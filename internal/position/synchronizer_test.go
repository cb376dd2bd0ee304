package position

import (
	"context"
	"errors"
	"math"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pledgechain/internal/chain"
	"pledgechain/internal/observable"
	"pledgechain/internal/query"
)

const waitFor = 2 * time.Second

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	nft   = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
)

type fakeConnection struct {
	v *observable.Value[chain.ConnectionState]
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{v: observable.New(chain.ConnectionState{})}
}

func (f *fakeConnection) State() chain.ConnectionState { return f.v.Get() }

func (f *fakeConnection) SubscribeState(fn func(chain.ConnectionState)) func() {
	return f.v.Subscribe(fn)
}

func (f *fakeConnection) connect(account common.Address) {
	f.v.Set(chain.ConnectionState{Status: chain.StatusConnected, Account: &account, ChainID: 11155111})
}

func (f *fakeConnection) disconnect() {
	f.v.Set(chain.ConnectionState{Status: chain.StatusDisconnected})
}

type fakeReader struct {
	mu       sync.Mutex
	calls    int
	balances map[string]int64
	gates    map[string]chan struct{}
	fail     error
}

func newFakeReader() *fakeReader {
	return &fakeReader{balances: map[string]int64{}, gates: map[string]chan struct{}{}}
}

func readerKey(owner common.Address, project string) string {
	return owner.Hex() + "/" + project
}

func (r *fakeReader) set(owner common.Address, project string, v int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[readerKey(owner, project)] = v
}

func (r *fakeReader) gate(owner common.Address, project string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan struct{})
	r.gates[readerKey(owner, project)] = ch
	return ch
}

func (r *fakeReader) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *fakeReader) ProjectBalance(ctx context.Context, owner common.Address, project *big.Int) (*big.Int, error) {
	key := readerKey(owner, project.String())
	r.mu.Lock()
	r.calls++
	gate := r.gates[key]
	fail := r.fail
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return big.NewInt(r.balances[key]), nil
}

func newSynchronizer(t *testing.T, conn *fakeConnection, reader *fakeReader) *Synchronizer {
	t.Helper()
	s, err := NewSynchronizer(Config{
		Connection:  conn,
		Reader:      reader,
		Cache:       query.NewCache[*big.Int](),
		NFTContract: nft,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func await(t *testing.T, s *Synchronizer) Position {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	p, err := s.Await(ctx)
	require.NoError(t, err)
	return p
}

func TestNormalizeProjectID(t *testing.T) {
	maxKey := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	cases := []struct {
		raw   string
		want  *big.Int
		valid bool
	}{
		{"42", big.NewInt(42), true},
		{" 42\n", big.NewInt(42), true},
		{"0x2a", big.NewInt(42), true},
		{"0X2A", big.NewInt(42), true},
		{"0", big.NewInt(0), true},
		{maxKey.String(), maxKey, true},
		{"", big.NewInt(0), false},
		{"   ", big.NewInt(0), false},
		{"-1", big.NewInt(0), false},
		{"proj-42", big.NewInt(0), false},
		{"0x", big.NewInt(0), false},
		{new(big.Int).Add(maxKey, big.NewInt(1)).String(), big.NewInt(0), false},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, ok := NormalizeProjectID(tc.raw)
			assert.Equal(t, tc.valid, ok)
			assert.Zero(t, tc.want.Cmp(got), "got %s", got)
		})
	}
}

func TestAbsentProjectNeverReadsChain(t *testing.T) {
	conn := newFakeConnection()
	reader := newFakeReader()
	s := newSynchronizer(t, conn, reader)

	conn.connect(alice)
	for _, raw := range []string{"", "  ", "not-a-number"} {
		s.SetProject(raw)
		p := s.Position()
		assert.Zero(t, p.Balance.Sign())
		assert.False(t, p.HasInvestment)
		assert.False(t, p.IsLoading)
		assert.Equal(t, &alice, p.Account)
	}

	conn.disconnect()
	s.SetProject("42")
	p := s.Position()
	assert.Zero(t, p.Balance.Sign())
	assert.False(t, p.IsLoading)
	assert.Nil(t, p.Account)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, reader.callCount())
}

func TestConnectedAccountReadsProjectBalance(t *testing.T) {
	conn := newFakeConnection()
	reader := newFakeReader()
	reader.set(alice, "42", 3)
	s := newSynchronizer(t, conn, reader)

	conn.connect(alice)
	s.SetProject("42")

	p := await(t, s)
	assert.Equal(t, int64(3), p.Balance.Int64())
	assert.True(t, p.HasInvestment)
	assert.False(t, p.IsError)
	assert.Equal(t, uint64(3), p.BalanceUint64())
	assert.Equal(t, int64(42), p.ProjectKey.Int64())
	assert.Equal(t, nft, p.NFTContract)
	assert.Equal(t, 1, reader.callCount())
}

func TestInstantReadsAlwaysSettle(t *testing.T) {
	conn := newFakeConnection()
	reader := newFakeReader()
	reader.set(alice, "42", 3)
	conn.connect(alice)

	for i := 0; i < 2000; i++ {
		s, err := NewSynchronizer(Config{
			Connection:  conn,
			Reader:      reader,
			Cache:       query.NewCache[*big.Int](query.WithGCTime(0)),
			NFTContract: nft,
		})
		require.NoError(t, err)
		s.SetProject("42")

		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		p, err := s.Await(ctx)
		cancel()
		s.Close()
		require.NoError(t, err, "run %d", i)
		require.False(t, p.IsLoading, "run %d", i)
		require.Equal(t, int64(3), p.Balance.Int64(), "run %d", i)
	}
}

func TestDisconnectMidFlightResetsPosition(t *testing.T) {
	conn := newFakeConnection()
	reader := newFakeReader()
	gate := reader.gate(alice, "42")
	s := newSynchronizer(t, conn, reader)

	conn.connect(alice)
	s.SetProject("42")
	require.Eventually(t, func() bool { return reader.callCount() == 1 }, waitFor, time.Millisecond)
	assert.True(t, s.Position().IsLoading)

	conn.disconnect()
	p := s.Position()
	assert.Zero(t, p.Balance.Sign())
	assert.False(t, p.HasInvestment)
	assert.False(t, p.IsLoading)

	reader.set(alice, "42", 9)
	close(gate)
	time.Sleep(20 * time.Millisecond)
	p = s.Position()
	assert.Zero(t, p.Balance.Sign())
	assert.False(t, p.HasInvestment)

	// the read was invalidated by the disconnect, so reconnecting reads again
	conn.connect(alice)
	require.Eventually(t, func() bool { return s.Position().BalanceUint64() == 9 }, waitFor, time.Millisecond)
	assert.Equal(t, 2, reader.callCount())
}

func TestRapidProjectChangesShowLatestRequest(t *testing.T) {
	conn := newFakeConnection()
	reader := newFakeReader()
	reader.set(alice, "1", 10)
	reader.set(alice, "2", 20)
	slow := reader.gate(alice, "1")
	s := newSynchronizer(t, conn, reader)
	conn.connect(alice)

	s.SetProject("1")
	require.Eventually(t, func() bool { return reader.callCount() == 1 }, waitFor, time.Millisecond)

	s.SetProject("2")
	require.Eventually(t, func() bool { return s.Position().BalanceUint64() == 20 }, waitFor, time.Millisecond)

	close(slow)
	time.Sleep(20 * time.Millisecond)
	p := s.Position()
	assert.Equal(t, uint64(20), p.BalanceUint64())
	assert.Equal(t, int64(2), p.ProjectKey.Int64())
	assert.False(t, p.IsLoading)
}

func TestAccountChangeFollowsNewAccount(t *testing.T) {
	conn := newFakeConnection()
	reader := newFakeReader()
	reader.set(alice, "42", 3)
	reader.set(bob, "42", 0)
	s := newSynchronizer(t, conn, reader)

	conn.connect(alice)
	s.SetProject("42")
	require.True(t, await(t, s).HasInvestment)

	conn.connect(bob)
	require.Eventually(t, func() bool {
		p := s.Position()
		return !p.IsLoading && p.Account != nil && *p.Account == bob
	}, waitFor, time.Millisecond)
	assert.False(t, s.Position().HasInvestment)
}

func TestFailedRefetchKeepsBalance(t *testing.T) {
	conn := newFakeConnection()
	reader := newFakeReader()
	reader.set(alice, "42", 3)
	s := newSynchronizer(t, conn, reader)
	conn.connect(alice)
	s.SetProject("42")
	require.Equal(t, uint64(3), await(t, s).BalanceUint64())

	reader.mu.Lock()
	reader.fail = errors.New("header not found")
	reader.mu.Unlock()
	s.Refetch()

	require.Eventually(t, func() bool {
		p := s.Position()
		return p.IsError && !p.IsLoading
	}, waitFor, time.Millisecond)
	p := s.Position()
	assert.Equal(t, uint64(3), p.BalanceUint64())
	assert.True(t, p.Stale)
	assert.EqualError(t, p.Err, "header not found")
}

func TestSubscribeReceivesPositions(t *testing.T) {
	conn := newFakeConnection()
	reader := newFakeReader()
	reader.set(alice, "7", 1)
	s := newSynchronizer(t, conn, reader)

	var mu sync.Mutex
	var seen []Position
	stop := s.Subscribe(func(p Position) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, p)
	})
	defer stop()

	conn.connect(alice)
	s.SetProject("7")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1].HasInvestment
	}, waitFor, time.Millisecond)
}

func TestCloseStopsFollowingConnection(t *testing.T) {
	conn := newFakeConnection()
	reader := newFakeReader()
	s := newSynchronizer(t, conn, reader)
	s.SetProject("42")
	s.Close()
	s.Close()

	conn.connect(alice)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, reader.callCount())
	assert.Zero(t, conn.v.Subscribers())
}

func TestBalanceUint64Saturates(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 100)
	assert.Equal(t, uint64(math.MaxUint64), Position{Balance: huge}.BalanceUint64())
	assert.Zero(t, Position{}.BalanceUint64())
	assert.Equal(t, uint64(5), Position{Balance: big.NewInt(5)}.BalanceUint64())
}

func TestMatchAccount(t *testing.T) {
	match := MatchAccount(alice)
	assert.True(t, match(Key(alice, 1, big.NewInt(42))))
	assert.False(t, match(Key(bob, 1, big.NewInt(42))))
	assert.False(t, match(query.NewKey("other", alice.Hex())))
	assert.False(t, match(query.NewKey(QueryKind, alice.Hex()+"|1")))
}

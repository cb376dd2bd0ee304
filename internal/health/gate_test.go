package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pledgechain/internal/chain"
	"pledgechain/internal/observable"
)

const waitFor = 2 * time.Second

var alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")

type fakeSource struct {
	state   *observable.Value[chain.ConnectionState]
	backend *observable.Value[chain.Backend]
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		state:   observable.New(chain.ConnectionState{}),
		backend: observable.New[chain.Backend](nil),
	}
}

func (s *fakeSource) State() chain.ConnectionState { return s.state.Get() }

func (s *fakeSource) SubscribeState(fn func(chain.ConnectionState)) func() {
	return s.state.Subscribe(fn)
}

func (s *fakeSource) Backend() chain.Backend { return s.backend.Get() }

func (s *fakeSource) SubscribeBackend(fn func(chain.Backend)) func() {
	return s.backend.Subscribe(fn)
}

func (s *fakeSource) connect(account common.Address) {
	s.state.Set(chain.ConnectionState{Status: chain.StatusConnected, Account: &account, ChainID: 80002})
}

func (s *fakeSource) disconnect() {
	s.state.Set(chain.ConnectionState{Status: chain.StatusDisconnected})
}

type probeBackend struct {
	chain.Backend

	mu    sync.Mutex
	calls int
	probe func(ctx context.Context) (uint64, error)
}

func newProbeBackend(probe func(ctx context.Context) (uint64, error)) *probeBackend {
	return &probeBackend{probe: probe}
}

func (b *probeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	return b.probe(ctx)
}

func (b *probeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func block(n uint64) func(context.Context) (uint64, error) {
	return func(context.Context) (uint64, error) { return n, nil }
}

func newGate(t *testing.T, src *fakeSource, opts ...func(*Config)) *Gate {
	t.Helper()
	cfg := Config{Source: src, Timeout: time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	g, err := NewGate(cfg)
	require.NoError(t, err)
	t.Cleanup(g.Close)
	return g
}

type phaseLog struct {
	mu     sync.Mutex
	phases []Phase
}

func recordPhases(g *Gate) *phaseLog {
	l := &phaseLog{}
	g.Subscribe(func(s State) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.phases = append(l.phases, s.Phase)
	})
	return l
}

func (l *phaseLog) get() []Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Phase(nil), l.phases...)
}

func TestSuccessfulProbeEnables(t *testing.T) {
	src := newFakeSource()
	backend := newProbeBackend(block(100))
	src.backend.Set(backend)
	g := newGate(t, src)
	assert.False(t, g.Enabled())

	src.connect(alice)
	require.Eventually(t, g.Enabled, waitFor, time.Millisecond)

	s := g.State()
	assert.Equal(t, Enabled, s.Phase)
	assert.Equal(t, uint64(100), s.Block)
	assert.Equal(t, uint64(80002), s.ChainID)
	assert.Equal(t, alice, *s.Account)
	assert.Same(t, backend, s.Backend)
	assert.Equal(t, 1, backend.callCount())
}

func TestFailedProbeDisablesWithoutRetrying(t *testing.T) {
	src := newFakeSource()
	backend := newProbeBackend(func(context.Context) (uint64, error) {
		return 0, errors.New("503 service unavailable")
	})
	src.backend.Set(backend)
	g := newGate(t, src)
	phases := recordPhases(g)

	src.connect(alice)
	require.Eventually(t, func() bool {
		return len(phases.get()) == 2
	}, waitFor, time.Millisecond)
	assert.Equal(t, []Phase{Probing, Disabled}, phases.get())
	assert.False(t, g.Enabled())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, backend.callCount())
	assert.Len(t, phases.get(), 2)

	src.disconnect()
	src.connect(alice)
	require.Eventually(t, func() bool { return backend.callCount() == 2 }, waitFor, time.Millisecond)
}

func TestProbeTimeoutDisables(t *testing.T) {
	src := newFakeSource()
	src.backend.Set(newProbeBackend(func(ctx context.Context) (uint64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}))

	var mu sync.Mutex
	var results []bool
	g := newGate(t, src, func(c *Config) {
		c.Timeout = 20 * time.Millisecond
		c.OnProbe = func(ok bool, _ time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			results = append(results, ok)
		}
	})
	phases := recordPhases(g)

	assert.NotPanics(t, func() { src.connect(alice) })
	require.Eventually(t, func() bool { return len(phases.get()) == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, Disabled, g.State().Phase)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false}, results)
}

func TestPanickingProbeDisables(t *testing.T) {
	src := newFakeSource()
	src.backend.Set(newProbeBackend(func(context.Context) (uint64, error) {
		panic("nil client")
	}))
	g := newGate(t, src)
	phases := recordPhases(g)

	src.connect(alice)
	require.Eventually(t, func() bool { return len(phases.get()) == 2 }, waitFor, time.Millisecond)
	assert.False(t, g.Enabled())
}

func TestDisconnectDisablesImmediately(t *testing.T) {
	src := newFakeSource()
	backend := newProbeBackend(block(1))
	src.backend.Set(backend)
	g := newGate(t, src)
	src.connect(alice)
	require.Eventually(t, g.Enabled, waitFor, time.Millisecond)

	src.disconnect()
	assert.Equal(t, Disabled, g.State().Phase)
	assert.Nil(t, g.State().Backend)
	assert.Equal(t, 1, backend.callCount())
}

func TestBackendChangeReprobes(t *testing.T) {
	src := newFakeSource()
	first := newProbeBackend(block(1))
	second := newProbeBackend(block(2))
	src.backend.Set(first)
	g := newGate(t, src)
	src.connect(alice)
	require.Eventually(t, g.Enabled, waitFor, time.Millisecond)

	src.backend.Set(second)
	require.Eventually(t, func() bool {
		s := g.State()
		return s.Enabled && s.Block == 2
	}, waitFor, time.Millisecond)
	assert.Same(t, second, g.State().Backend)
}

func TestSupersededProbeIsIgnored(t *testing.T) {
	src := newFakeSource()
	release := make(chan struct{})
	slow := newProbeBackend(func(context.Context) (uint64, error) {
		<-release
		return 1, nil
	})
	failing := newProbeBackend(func(context.Context) (uint64, error) {
		return 0, errors.New("connection refused")
	})
	src.backend.Set(slow)
	g := newGate(t, src)
	phases := recordPhases(g)

	src.connect(alice)
	require.Eventually(t, func() bool { return slow.callCount() == 1 }, waitFor, time.Millisecond)
	src.backend.Set(failing)
	require.Eventually(t, func() bool {
		p := phases.get()
		return len(p) > 0 && p[len(p)-1] == Disabled
	}, waitFor, time.Millisecond)

	close(release)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, g.Enabled())
}

func TestProbesWhenAlreadyConnected(t *testing.T) {
	src := newFakeSource()
	src.backend.Set(newProbeBackend(block(9)))
	src.connect(alice)

	g := newGate(t, src)
	require.Eventually(t, g.Enabled, waitFor, time.Millisecond)
}

func TestConnectedWithoutBackendStaysDisabled(t *testing.T) {
	src := newFakeSource()
	g := newGate(t, src)
	src.connect(alice)
	assert.Equal(t, Disabled, g.State().Phase)
}

package chain

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"pledgechain/internal/observable"
)

// ErrNoPendingConnect is returned by Picker.Select when no Connect call is
// waiting for a connector choice.
var ErrNoPendingConnect = errors.New("no connection request awaiting a connector")

// PickerState is what a connection modal renders.
type PickerState struct {
	Open            bool            `json:"open"`
	Awaiting        bool            `json:"awaiting"`
	Connectors      []ConnectorInfo `json:"connectors"`
	SelectedAccount *common.Address `json:"selectedAccount,omitempty"`
	SelectedChainID uint64          `json:"selectedChainId,omitempty"`
}

type pickResult struct {
	kind      ConnectorKind
	dismissed bool
}

// Picker is the connection modal controller. A Connect without an explicit
// connector opens it and waits for Select or Close.
type Picker struct {
	state      *observable.Value[PickerState]
	connectors func() []ConnectorInfo

	mu      sync.Mutex
	pending chan pickResult
}

func newPicker(connectors func() []ConnectorInfo) *Picker {
	return &Picker{
		state:      observable.New(PickerState{Connectors: connectors()}),
		connectors: connectors,
	}
}

// State returns the current modal state.
func (p *Picker) State() PickerState {
	return p.state.Get()
}

// Subscribe registers fn for modal changes.
func (p *Picker) Subscribe(fn func(PickerState)) (unsubscribe func()) {
	return p.state.Subscribe(fn)
}

// Open shows the modal without a pending connection request, e.g. to display
// the connected account.
func (p *Picker) Open() {
	p.state.Update(func(s PickerState) PickerState {
		s.Open = true
		s.Connectors = p.connectors()
		return s
	})
}

// Close dismisses the modal. A pending Connect fails with ErrUserRejected.
func (p *Picker) Close() {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	if pending != nil {
		pending <- pickResult{dismissed: true}
	}
	p.state.Update(func(s PickerState) PickerState {
		s.Open = false
		s.Awaiting = false
		return s
	})
}

// Select resolves the pending Connect with kind.
func (p *Picker) Select(kind ConnectorKind) error {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	if pending == nil {
		return ErrNoPendingConnect
	}
	pending <- pickResult{kind: kind}
	p.state.Update(func(s PickerState) PickerState {
		s.Awaiting = false
		return s
	})
	return nil
}

// await opens the modal and returns a channel that receives the user's choice.
// An earlier pending request is dismissed.
func (p *Picker) await() <-chan pickResult {
	ch := make(chan pickResult, 1)
	p.mu.Lock()
	previous := p.pending
	p.pending = ch
	p.mu.Unlock()

	if previous != nil {
		previous <- pickResult{dismissed: true}
	}
	p.state.Update(func(s PickerState) PickerState {
		s.Open = true
		s.Awaiting = true
		s.Connectors = p.connectors()
		return s
	})
	return ch
}

// cancel abandons a pending request that is still ch.
func (p *Picker) cancel(ch <-chan pickResult) {
	p.mu.Lock()
	if p.pending != nil && (<-chan pickResult)(p.pending) == ch {
		p.pending = nil
	}
	p.mu.Unlock()
	p.state.Update(func(s PickerState) PickerState {
		s.Awaiting = false
		return s
	})
}

// track mirrors the connection into the modal and closes it once connected.
func (p *Picker) track(state ConnectionState) {
	p.state.Update(func(s PickerState) PickerState {
		s.SelectedAccount = state.Account
		s.SelectedChainID = state.ChainID
		if state.Status == StatusConnected {
			s.Open = false
			s.Awaiting = false
		}
		return s
	})
}

// Package events watches receipt transfers of the connected account while the
// health gate is enabled.
package events

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"pledgechain/internal/contracts"
	"pledgechain/internal/health"
)

// Gate is the health gate as seen by the watcher.
type Gate interface {
	State() health.State
	Subscribe(fn func(health.State)) (unsubscribe func())
}

// Transfer is a decoded receipt Transfer log.
type Transfer struct {
	From    common.Address
	To      common.Address
	TokenID *big.Int
	TxHash  common.Hash
	Block   uint64
	Removed bool
}

// Involves reports whether account sent or received the receipt.
func (t Transfer) Involves(account common.Address) bool {
	return t.From == account || t.To == account
}

type Config struct {
	Gate     Gate
	Contract contracts.Descriptor
	// Invalidate is called with the connected account for every transfer
	// that involves it.
	Invalidate func(account common.Address)
	// OnTransfer sees every decoded transfer.
	OnTransfer func(Transfer)
	Logger     *zap.Logger
}

// Watcher runs one log subscription per enabled gate period. A subscription
// that fails or drops is not retried until the gate changes again.
type Watcher struct {
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	current *watch
	closed  bool
	stop    func()
}

type watch struct {
	target health.State
	cancel context.CancelFunc
	done   chan struct{}
	active bool
}

func NewWatcher(cfg Config) (*Watcher, error) {
	if cfg.Gate == nil {
		return nil, errors.New("events: gate is required")
	}
	if _, ok := cfg.Contract.ABI.Events[contracts.EventTransfer]; !ok {
		return nil, errors.New("events: contract has no Transfer event")
	}
	if cfg.Invalidate == nil {
		cfg.Invalidate = func(common.Address) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	w := &Watcher{cfg: cfg, log: cfg.Logger.Named("events")}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.stop = cfg.Gate.Subscribe(w.onGate)
	w.applyLocked(cfg.Gate.State())
	return w, nil
}

// Active reports whether a log subscription is running.
func (w *Watcher) Active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current != nil && w.current.active
}

// Close cancels the running subscription and waits for it to end.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.stop()
	cur := w.current
	w.current = nil
	w.mu.Unlock()

	if cur != nil {
		cur.cancel()
		<-cur.done
	}
}

func (w *Watcher) onGate(s health.State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.applyLocked(s)
}

func (w *Watcher) applyLocked(s health.State) {
	if cur := w.current; cur != nil {
		if s.Enabled && sameTarget(cur.target, s) {
			return
		}
		cur.cancel()
		w.current = nil
	}
	if !s.Enabled || s.Backend == nil || s.Account == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	wt := &watch{target: s, cancel: cancel, done: make(chan struct{}), active: true}
	w.current = wt
	go w.run(ctx, wt, s)
}

func sameTarget(a, b health.State) bool {
	return a.Backend == b.Backend && a.ChainID == b.ChainID &&
		a.Account != nil && b.Account != nil && *a.Account == *b.Account
}

func (w *Watcher) run(ctx context.Context, wt *watch, s health.State) {
	defer close(wt.done)
	defer w.deactivate(wt)

	account := *s.Account
	desc := w.cfg.Contract
	contract := bind.NewBoundContract(desc.Address, desc.ABI, s.Backend, s.Backend, s.Backend)

	logs, sub, err := contract.WatchLogs(&bind.WatchOpts{Context: ctx}, contracts.EventTransfer)
	if err != nil {
		// plain HTTP endpoints cannot push logs; stay inert until the gate changes
		w.log.Info("transfer subscription unavailable", zap.Uint64("chain_id", s.ChainID), zap.Error(err))
		return
	}
	defer sub.Unsubscribe()
	w.log.Info("watching receipt transfers",
		zap.String("contract", desc.Address.Hex()),
		zap.String("account", account.Hex()),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			if err != nil {
				w.log.Warn("transfer subscription dropped", zap.Error(err))
			}
			return
		case l := <-logs:
			t, err := decode(contract, l)
			if err != nil {
				w.log.Debug("undecodable transfer log", zap.String("tx", l.TxHash.Hex()), zap.Error(err))
				continue
			}
			if w.cfg.OnTransfer != nil {
				w.cfg.OnTransfer(t)
			}
			if t.Involves(account) {
				w.log.Debug("receipt transfer for account",
					zap.String("tx", t.TxHash.Hex()),
					zap.String("token", t.TokenID.String()),
				)
				w.cfg.Invalidate(account)
			}
		}
	}
}

func (w *Watcher) deactivate(wt *watch) {
	w.mu.Lock()
	defer w.mu.Unlock()
	wt.active = false
}

type transferLog struct {
	From    common.Address
	To      common.Address
	TokenId *big.Int
}

func decode(contract *bind.BoundContract, l types.Log) (Transfer, error) {
	var out transferLog
	if err := contract.UnpackLog(&out, contracts.EventTransfer, l); err != nil {
		return Transfer{}, err
	}
	return Transfer{
		From:    out.From,
		To:      out.To,
		TokenID: out.TokenId,
		TxHash:  l.TxHash,
		Block:   l.BlockNumber,
		Removed: l.Removed,
	}, nil
}

package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

// KeystoreConnector is the embedded wallet: an encrypted key directory unlocked
// with a passphrase. Accounts appearing or disappearing in the directory are
// pushed as WalletEvents.
type KeystoreConnector struct {
	ks         *keystore.KeyStore
	passphrase string

	mu      sync.Mutex
	account accounts.Account
	events  chan WalletEvent
	stop    chan struct{}
}

// NewKeystoreConnector opens dir. An empty dir yields an unavailable connector.
func NewKeystoreConnector(dir, passphrase string) *KeystoreConnector {
	if dir == "" {
		return &KeystoreConnector{}
	}
	return newKeystoreConnector(keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP), passphrase)
}

func newKeystoreConnector(ks *keystore.KeyStore, passphrase string) *KeystoreConnector {
	return &KeystoreConnector{ks: ks, passphrase: passphrase}
}

func (c *KeystoreConnector) Kind() ConnectorKind { return KindEmbedded }

func (c *KeystoreConnector) Available() bool {
	return c.ks != nil && len(c.ks.Accounts()) > 0
}

func (c *KeystoreConnector) Connect(ctx context.Context, chainID uint64) (Session, error) {
	if !c.Available() {
		return Session{}, ErrNoProvider
	}
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	account := c.ks.Accounts()[0]
	if err := c.ks.Unlock(account, c.passphrase); err != nil {
		if errors.Is(err, keystore.ErrDecrypt) {
			return Session{}, fmt.Errorf("%w: %v", ErrUserRejected, err)
		}
		return Session{}, fmt.Errorf("unlock keystore: %w", err)
	}

	// Subscribe before returning so a drop right after Connect is not missed.
	sink := make(chan accounts.WalletEvent, 8)
	sub := c.ks.Subscribe(sink)

	c.mu.Lock()
	c.closeLocked()
	c.account = account
	c.events = make(chan WalletEvent, 8)
	c.stop = make(chan struct{})
	go c.watch(account, sink, sub, c.events, c.stop)
	c.mu.Unlock()

	return Session{
		Account: account.Address,
		ChainID: chainID,
		Sign:    c.signer(account),
	}, nil
}

func (c *KeystoreConnector) signer(account accounts.Account) SignFunc {
	ks := c.ks
	return func(chainID uint64, tx *types.Transaction) (*types.Transaction, error) {
		return ks.SignTx(account, tx, new(big.Int).SetUint64(chainID))
	}
}

// watch follows the session account. When its key file disappears the session
// moves to the next account the passphrase unlocks, or ends.
func (c *KeystoreConnector) watch(current accounts.Account, sink <-chan accounts.WalletEvent, sub event.Subscription, out chan<- WalletEvent, stop <-chan struct{}) {
	defer close(out)
	defer sub.Unsubscribe()

	for {
		select {
		case <-stop:
			return
		case <-sub.Err():
			return
		case ev := <-sink:
			if ev.Kind != accounts.WalletDropped || c.ks.HasAddress(current.Address) {
				continue
			}
			next, ok := c.replacement(stop)
			var msg WalletEvent
			if ok {
				addr := next.Address
				msg = WalletEvent{Kind: AccountsChanged, Account: &addr, Sign: c.signer(next)}
				current = next
			} else {
				msg = WalletEvent{Kind: WalletDisconnected}
			}
			select {
			case out <- msg:
			case <-stop:
				return
			}
			if !ok {
				return
			}
		}
	}
}

// replacement unlocks the first remaining account.
func (c *KeystoreConnector) replacement(stop <-chan struct{}) (accounts.Account, bool) {
	accs := c.ks.Accounts()
	if len(accs) == 0 {
		return accounts.Account{}, false
	}
	if err := c.ks.Unlock(accs[0], c.passphrase); err != nil {
		return accounts.Account{}, false
	}
	c.mu.Lock()
	if c.stop == stop {
		c.account = accs[0]
	}
	c.mu.Unlock()
	return accs[0], true
}

func (c *KeystoreConnector) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	if c.ks != nil && c.account != (accounts.Account{}) {
		err := c.ks.Lock(c.account.Address)
		c.account = accounts.Account{}
		return err
	}
	return nil
}

func (c *KeystoreConnector) closeLocked() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

func (c *KeystoreConnector) Events() <-chan WalletEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

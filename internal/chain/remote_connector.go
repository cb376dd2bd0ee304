package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/external"
	"github.com/ethereum/go-ethereum/core/types"
)

// RemoteSignerConnector delegates account approval and signing to an external
// signer (clef) reached over RPC. The signer prompts its operator, so Connect
// blocks until the request is approved or denied.
type RemoteSignerConnector struct {
	endpoint  string
	projectID string

	mu     sync.Mutex
	signer *external.ExternalSigner
}

// NewRemoteSignerConnector returns a connector bound to endpoint. It becomes
// available once the Client hands it the wallet-connection project ID.
func NewRemoteSignerConnector(endpoint string) *RemoteSignerConnector {
	return &RemoteSignerConnector{endpoint: endpoint}
}

func (c *RemoteSignerConnector) Kind() ConnectorKind { return KindRemoteSigner }

func (c *RemoteSignerConnector) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint != "" && c.projectID != ""
}

func (c *RemoteSignerConnector) setProjectID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.projectID = id
}

func (c *RemoteSignerConnector) Connect(ctx context.Context, chainID uint64) (Session, error) {
	if !c.Available() {
		return Session{}, ErrNoProvider
	}

	type result struct {
		signer *external.ExternalSigner
		accs   []accounts.Account
		err    error
	}
	done := make(chan result, 1)
	go func() {
		signer, err := external.NewExternalSigner(c.endpoint)
		if err != nil {
			done <- result{err: err}
			return
		}
		done <- result{signer: signer, accs: signer.Accounts()}
	}()

	var res result
	select {
	case <-ctx.Done():
		return Session{}, ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		if strings.Contains(strings.ToLower(res.err.Error()), "denied") {
			return Session{}, fmt.Errorf("%w: %v", ErrUserRejected, res.err)
		}
		return Session{}, fmt.Errorf("remote signer: %w", res.err)
	}
	if len(res.accs) == 0 {
		return Session{}, fmt.Errorf("%w: remote signer exposed no accounts", ErrUserRejected)
	}

	c.mu.Lock()
	c.signer = res.signer
	c.mu.Unlock()

	account := res.accs[0]
	signer := res.signer
	return Session{
		Account: account.Address,
		ChainID: chainID,
		Sign: func(chainID uint64, tx *types.Transaction) (*types.Transaction, error) {
			return signer.SignTx(account, tx, new(big.Int).SetUint64(chainID))
		},
	}, nil
}

// Disconnect drops the signer handle. External signers do not support Close,
// so the RPC connection is left to be collected.
func (c *RemoteSignerConnector) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signer = nil
	return nil
}

func (c *RemoteSignerConnector) Events() <-chan WalletEvent { return nil }

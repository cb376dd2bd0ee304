package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ConnectorKind names a mechanism for obtaining wallet authorization.
type ConnectorKind string

const (
	// KindInjected signs with a key supplied by the host environment.
	KindInjected ConnectorKind = "injected"
	// KindRemoteSigner delegates signing to a remote signer over RPC.
	KindRemoteSigner ConnectorKind = "remoteSigner"
	// KindEmbedded signs with an encrypted keystore managed by the service.
	KindEmbedded ConnectorKind = "embedded"
	// KindAuto picks the first available enabled connector.
	KindAuto ConnectorKind = "auto"
)

// ParseConnectorKind validates a kind name. The empty string means "ask the
// picker".
func ParseConnectorKind(s string) (ConnectorKind, error) {
	switch k := ConnectorKind(s); k {
	case "", KindInjected, KindRemoteSigner, KindEmbedded, KindAuto:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown connector %q", ErrNoProvider, s)
	}
}

// SignFunc signs tx for chainID with the session account.
type SignFunc func(chainID uint64, tx *types.Transaction) (*types.Transaction, error)

// Session is an approved wallet authorization.
type Session struct {
	Account common.Address
	ChainID uint64
	Sign    SignFunc
}

// WalletEventKind classifies notifications pushed by a wallet.
type WalletEventKind int

const (
	AccountsChanged WalletEventKind = iota
	ChainChanged
	WalletDisconnected
)

// WalletEvent is a wallet-originated change. Account is nil when the wallet
// reports no accounts.
type WalletEvent struct {
	Kind    WalletEventKind
	Account *common.Address
	ChainID uint64
	// Sign signs for Account. An AccountsChanged event that moves the session
	// to another account without it ends the session.
	Sign SignFunc
}

// Connector obtains wallet authorization.
type Connector interface {
	Kind() ConnectorKind
	Available() bool
	// Connect asks the wallet for approval to act on chainID. It fails with
	// ErrUserRejected when the wallet declines.
	Connect(ctx context.Context, chainID uint64) (Session, error)
	Disconnect() error
	// Events returns wallet notifications for the current session, or nil when
	// the wallet never pushes any. The channel is closed on Disconnect.
	Events() <-chan WalletEvent
}

// ConnectorInfo is the picker's view of a connector.
type ConnectorInfo struct {
	Kind      ConnectorKind `json:"kind"`
	Available bool          `json:"available"`
}

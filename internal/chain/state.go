package chain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Status of the wallet connection.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText renders the status name in JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ConnectionState is the identity and network the client is bound to.
// Account is nil and ChainID is zero when absent.
type ConnectionState struct {
	Status  Status          `json:"status"`
	Account *common.Address `json:"account,omitempty"`
	ChainID uint64          `json:"chainId,omitempty"`
}

// Connected reports whether a wallet is connected with an account.
func (s ConnectionState) Connected() bool {
	return s.Status == StatusConnected && s.Account != nil
}

// SameAccount reports whether both states refer to the same account.
func (s ConnectionState) SameAccount(other ConnectionState) bool {
	if s.Account == nil || other.Account == nil {
		return s.Account == nil && other.Account == nil
	}
	return *s.Account == *other.Account
}

func disconnectedState() ConnectionState {
	return ConnectionState{Status: StatusDisconnected}
}

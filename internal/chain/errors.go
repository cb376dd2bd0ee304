package chain

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrUserRejected means the wallet declined the request. The user may be
	// prompted again.
	ErrUserRejected = errors.New("user rejected the request")
	// ErrNoProvider means the requested connector is not available.
	ErrNoProvider = errors.New("connector not available")
	// ErrUnsupportedChain means the chain is not one of the configured networks.
	ErrUnsupportedChain = errors.New("unsupported chain")
	// ErrNotConnected means an operation needed a connected wallet.
	ErrNotConnected = errors.New("wallet not connected")
	// ErrAlreadyConstructed is returned by New after the first construction.
	ErrAlreadyConstructed = errors.New("chain client already constructed")
)

// IsUnreachable reports whether err means the node could not be reached or
// answered with an RPC failure.
func IsUnreachable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return true
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host")
}

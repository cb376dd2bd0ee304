package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the read/write RPC surface of one network.
type Backend interface {
	bind.ContractBackend
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// Dialer opens a Backend for a network.
type Dialer func(ctx context.Context, network Network) (Backend, error)

// DialEthereum dials the network's JSON-RPC endpoint with ethclient.
func DialEthereum(ctx context.Context, network Network) (Backend, error) {
	if network.RPCURL == "" {
		return nil, fmt.Errorf("network %d: rpc url is required", network.ChainID)
	}
	cli, err := ethclient.DialContext(ctx, network.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", network.Name, err)
	}
	return cli, nil
}

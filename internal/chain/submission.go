package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const receiptPollInterval = 2 * time.Second

// Transactor is what contract call surfaces need from the chain client.
type Transactor interface {
	State() ConnectionState
	EnsureBackend(ctx context.Context) (Backend, error)
	TransactOpts(ctx context.Context) (*bind.TransactOpts, error)
	RequestTimeout() time.Duration
}

var _ Transactor = (*Client)(nil)

// Submission identifies a broadcast transaction.
type Submission struct {
	TxHash  common.Hash    `json:"txHash"`
	From    common.Address `json:"from"`
	ChainID uint64         `json:"chainId"`
	Nonce   uint64         `json:"nonce"`
}

// NewSubmission describes tx as sent by from on chainID.
func NewSubmission(tx *types.Transaction, from common.Address, chainID uint64) Submission {
	return Submission{
		TxHash:  tx.Hash(),
		From:    from,
		ChainID: chainID,
		Nonce:   tx.Nonce(),
	}
}

// ReceiptSource is implemented by backends that can look up mined receipts.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// WaitForReceipt polls until the transaction is mined or ctx is done.
func WaitForReceipt(ctx context.Context, backend Backend, txHash common.Hash) (*types.Receipt, error) {
	src, ok := backend.(ReceiptSource)
	if !ok {
		return nil, fmt.Errorf("backend %T cannot look up receipts", backend)
	}

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := src.TransactionReceipt(ctx, txHash)
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

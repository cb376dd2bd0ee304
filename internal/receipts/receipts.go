// Package receipts is the call surface of the investment receipt contract:
// balance and metadata reads for investors, mint and revaluation writes for
// operators.
package receipts

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"pledgechain/internal/chain"
	"pledgechain/internal/contracts"
)

var (
	ErrInvalidRequest = errors.New("invalid receipt request")
	ErrUnknownToken   = errors.New("unknown receipt token")
)

// Reader reads receipt state.
type Reader interface {
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	ProjectBalance(ctx context.Context, owner common.Address, projectID *big.Int) (*big.Int, error)
	TokenURI(ctx context.Context, tokenID *big.Int) (string, error)
	InvestmentData(ctx context.Context, tokenID *big.Int) (Investment, error)
}

// Writer issues and revalues receipts.
type Writer interface {
	Mint(ctx context.Context, req MintRequest) (chain.Submission, error)
	UpdateValue(ctx context.Context, tokenID, newValue *big.Int) (chain.Submission, error)
}

// Investment is the record behind one receipt token.
type Investment struct {
	ProjectID    *big.Int       `json:"projectId"`
	Amount       *big.Int       `json:"amount"`
	CurrentValue *big.Int       `json:"currentValue"`
	Timestamp    time.Time      `json:"timestamp"`
	Investor     common.Address `json:"investor"`
	MetadataURI  string         `json:"metadataURI"`
}

type MintRequest struct {
	Investor    common.Address
	ProjectID   *big.Int
	Amount      *big.Int
	MetadataURI string
	// InvestmentID links the receipt to the off-chain pledge. NewInvestmentID
	// is used when nil.
	InvestmentID *big.Int
}

func (r *MintRequest) validate() error {
	if r.Investor == (common.Address{}) {
		return fmt.Errorf("%w: investor required", ErrInvalidRequest)
	}
	if r.ProjectID == nil || r.ProjectID.Sign() < 0 {
		return fmt.Errorf("%w: project id required", ErrInvalidRequest)
	}
	if r.Amount == nil || r.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if r.InvestmentID == nil {
		r.InvestmentID = NewInvestmentID()
	}
	return nil
}

// NewInvestmentID returns a random 128-bit identifier.
func NewInvestmentID() *big.Int {
	id := uuid.New()
	return new(big.Int).SetBytes(id[:])
}

// MintedTokenID extracts the token minted in receipt: the Transfer from the
// zero address emitted by the receipt contract.
func MintedTokenID(desc contracts.Descriptor, receipt *types.Receipt) (*big.Int, bool) {
	ev, ok := desc.ABI.Events[contracts.EventTransfer]
	if !ok || receipt == nil {
		return nil, false
	}
	for _, l := range receipt.Logs {
		if l.Address != desc.Address || len(l.Topics) != 4 || l.Topics[0] != ev.ID {
			continue
		}
		if l.Topics[1] != (common.Hash{}) {
			continue
		}
		return l.Topics[3].Big(), true
	}
	return nil, false
}

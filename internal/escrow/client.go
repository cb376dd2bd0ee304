package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"pledgechain/internal/chain"
)

var ErrInvalidRequest = errors.New("invalid escrow request")

// Client abstracts the on-chain escrow interaction.
type Client interface {
	Deposit(ctx context.Context, req DepositRequest) (chain.Submission, error)
	CreateProject(ctx context.Context, req CreateProjectRequest) (chain.Submission, error)
}

type DepositRequest struct {
	ProjectID *big.Int
	Amount    *big.Int // base units
	// Native attaches Amount as the transaction value. Token projects
	// pull the amount through an allowance instead.
	Native bool
}

type CreateProjectRequest struct {
	Title        string
	Description  string
	TargetAmount *big.Int // base units
	Deadline     time.Time
	// Token is the funding token; the zero address means the native coin.
	Token common.Address
}

func validateDeposit(req DepositRequest) error {
	if req.ProjectID == nil || req.ProjectID.Sign() < 0 {
		return fmt.Errorf("%w: project id required", ErrInvalidRequest)
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	return nil
}

func validateCreateProject(req CreateProjectRequest, now time.Time) error {
	if strings.TrimSpace(req.Title) == "" {
		return fmt.Errorf("%w: title required", ErrInvalidRequest)
	}
	if req.TargetAmount == nil || req.TargetAmount.Sign() <= 0 {
		return fmt.Errorf("%w: target amount must be positive", ErrInvalidRequest)
	}
	if !req.Deadline.After(now) {
		return fmt.Errorf("%w: deadline must be in the future", ErrInvalidRequest)
	}
	return nil
}

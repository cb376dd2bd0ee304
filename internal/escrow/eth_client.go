package escrow

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"pledgechain/internal/chain"
	"pledgechain/internal/contracts"
)

// EthClient submits transactions to the escrow contract with the connected
// wallet.
type EthClient struct {
	source   chain.Transactor
	contract contracts.Descriptor
	log      *zap.Logger
	now      func() time.Time
}

var _ Client = (*EthClient)(nil)

func NewEthClient(source chain.Transactor, contract contracts.Descriptor, log *zap.Logger) *EthClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &EthClient{
		source:   source,
		contract: contract,
		log:      log.Named("escrow"),
		now:      time.Now,
	}
}

func (c *EthClient) Deposit(ctx context.Context, req DepositRequest) (chain.Submission, error) {
	if err := validateDeposit(req); err != nil {
		return chain.Submission{}, err
	}
	var value *big.Int
	if req.Native {
		value = req.Amount
	}
	return c.transact(ctx, value, contracts.MethodDeposit, req.ProjectID, req.Amount)
}

func (c *EthClient) CreateProject(ctx context.Context, req CreateProjectRequest) (chain.Submission, error) {
	if err := validateCreateProject(req, c.now()); err != nil {
		return chain.Submission{}, err
	}
	deadline := big.NewInt(req.Deadline.Unix())
	return c.transact(ctx, nil, contracts.MethodCreateProject,
		req.Title, req.Description, req.TargetAmount, deadline, req.Token)
}

// Ping checks that the active network answers.
func (c *EthClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.source.RequestTimeout())
	defer cancel()
	backend, err := c.source.EnsureBackend(ctx)
	if err != nil {
		return err
	}
	_, err = backend.BlockNumber(ctx)
	return err
}

// WaitForReceipt polls the active backend until the transaction is mined or
// ctx is done.
func (c *EthClient) WaitForReceipt(ctx context.Context, sub chain.Submission) (*types.Receipt, error) {
	backend, err := c.source.EnsureBackend(ctx)
	if err != nil {
		return nil, err
	}
	return chain.WaitForReceipt(ctx, backend, sub.TxHash)
}

func (c *EthClient) transact(ctx context.Context, value *big.Int, method string, args ...any) (chain.Submission, error) {
	ctx, cancel := context.WithTimeout(ctx, c.source.RequestTimeout())
	defer cancel()

	opts, err := c.source.TransactOpts(ctx)
	if err != nil {
		return chain.Submission{}, err
	}
	opts.Value = value

	backend, err := c.source.EnsureBackend(ctx)
	if err != nil {
		return chain.Submission{}, err
	}
	bound := bind.NewBoundContract(c.contract.Address, c.contract.ABI, backend, backend, backend)

	tx, err := bound.Transact(opts, method, args...)
	if err != nil {
		return chain.Submission{}, fmt.Errorf("%s tx: %w", method, err)
	}
	sub := chain.NewSubmission(tx, opts.From, c.source.State().ChainID)
	c.log.Info("escrow transaction sent",
		zap.String("method", method),
		zap.String("tx", sub.TxHash.Hex()),
		zap.Uint64("chain_id", sub.ChainID),
	)
	return sub, nil
}

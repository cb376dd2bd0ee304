package receipts

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"pledgechain/internal/chain"
	"pledgechain/internal/contracts"
)

// EthClient talks to the deployed receipt contract through the chain client.
type EthClient struct {
	source   chain.Transactor
	contract contracts.Descriptor
	log      *zap.Logger
}

var (
	_ Reader = (*EthClient)(nil)
	_ Writer = (*EthClient)(nil)
)

func NewEthClient(source chain.Transactor, contract contracts.Descriptor, log *zap.Logger) *EthClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &EthClient{source: source, contract: contract, log: log.Named("receipts")}
}

// Address of the receipt contract.
func (c *EthClient) Address() common.Address {
	return c.contract.Address
}

func (c *EthClient) bound(ctx context.Context) (*bind.BoundContract, error) {
	backend, err := c.source.EnsureBackend(ctx)
	if err != nil {
		return nil, err
	}
	return bind.NewBoundContract(c.contract.Address, c.contract.ABI, backend, backend, backend), nil
}

func (c *EthClient) call(ctx context.Context, method string, args ...any) ([]any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.source.RequestTimeout())
	defer cancel()

	contract, err := c.bound(ctx)
	if err != nil {
		return nil, err
	}
	var out []any
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("call %s: empty result", method)
	}
	return out, nil
}

func (c *EthClient) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := c.call(ctx, contracts.MethodBalanceOf, owner)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// ProjectBalance is the number of receipts owner holds for projectID.
func (c *EthClient) ProjectBalance(ctx context.Context, owner common.Address, projectID *big.Int) (*big.Int, error) {
	out, err := c.call(ctx, contracts.MethodProjectBalanceOf, owner, projectID)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (c *EthClient) TokenURI(ctx context.Context, tokenID *big.Int) (string, error) {
	out, err := c.call(ctx, contracts.MethodTokenURI, tokenID)
	if err != nil {
		return "", err
	}
	return *abi.ConvertType(out[0], new(string)).(*string), nil
}

type investmentTuple struct {
	ProjectId    *big.Int
	Amount       *big.Int
	CurrentValue *big.Int
	Timestamp    *big.Int
	Investor     common.Address
	MetadataURI  string
}

func (c *EthClient) InvestmentData(ctx context.Context, tokenID *big.Int) (Investment, error) {
	out, err := c.call(ctx, contracts.MethodGetInvestmentData, tokenID)
	if err != nil {
		return Investment{}, err
	}
	t := *abi.ConvertType(out[0], new(investmentTuple)).(*investmentTuple)
	inv := Investment{
		ProjectID:    t.ProjectId,
		Amount:       t.Amount,
		CurrentValue: t.CurrentValue,
		Investor:     t.Investor,
		MetadataURI:  t.MetadataURI,
	}
	if t.Timestamp != nil && t.Timestamp.IsInt64() {
		inv.Timestamp = time.Unix(t.Timestamp.Int64(), 0).UTC()
	}
	return inv, nil
}

func (c *EthClient) Mint(ctx context.Context, req MintRequest) (chain.Submission, error) {
	if err := req.validate(); err != nil {
		return chain.Submission{}, err
	}
	return c.transact(ctx, contracts.MethodMintInvestmentNFT,
		req.Investor, req.ProjectID, req.Amount, req.MetadataURI, req.InvestmentID)
}

func (c *EthClient) UpdateValue(ctx context.Context, tokenID, newValue *big.Int) (chain.Submission, error) {
	if tokenID == nil || tokenID.Sign() < 0 {
		return chain.Submission{}, fmt.Errorf("%w: token id required", ErrInvalidRequest)
	}
	if newValue == nil || newValue.Sign() < 0 {
		return chain.Submission{}, fmt.Errorf("%w: value must not be negative", ErrInvalidRequest)
	}
	return c.transact(ctx, contracts.MethodUpdateInvestmentValue, tokenID, newValue)
}

// WaitForMint waits for a Mint submission to be mined and returns the token
// it created.
func (c *EthClient) WaitForMint(ctx context.Context, sub chain.Submission) (*big.Int, error) {
	backend, err := c.source.EnsureBackend(ctx)
	if err != nil {
		return nil, err
	}
	receipt, err := chain.WaitForReceipt(ctx, backend, sub.TxHash)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("mint %s reverted", sub.TxHash.Hex())
	}
	tokenID, ok := MintedTokenID(c.contract, receipt)
	if !ok {
		return nil, fmt.Errorf("mint %s: no transfer from the zero address", sub.TxHash.Hex())
	}
	return tokenID, nil
}

func (c *EthClient) transact(ctx context.Context, method string, args ...any) (chain.Submission, error) {
	ctx, cancel := context.WithTimeout(ctx, c.source.RequestTimeout())
	defer cancel()

	opts, err := c.source.TransactOpts(ctx)
	if err != nil {
		return chain.Submission{}, err
	}
	contract, err := c.bound(ctx)
	if err != nil {
		return chain.Submission{}, err
	}
	tx, err := contract.Transact(opts, method, args...)
	if err != nil {
		return chain.Submission{}, fmt.Errorf("%s tx: %w", method, err)
	}
	sub := chain.NewSubmission(tx, opts.From, c.source.State().ChainID)
	c.log.Info("transaction sent",
		zap.String("method", method),
		zap.String("tx", sub.TxHash.Hex()),
		zap.String("from", sub.From.Hex()),
	)
	return sub, nil
}

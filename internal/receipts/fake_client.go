package receipts

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"pledgechain/internal/chain"
)

// FakeClient keeps receipts in memory. Transaction hashes are derived from the
// call arguments so tests can predict them.
type FakeClient struct {
	ChainID uint64
	Now     func() time.Time

	mu     sync.Mutex
	tokens map[string]Investment
	minted map[common.Hash]*big.Int
	next   int64
	reads  int
}

var (
	_ Reader = (*FakeClient)(nil)
	_ Writer = (*FakeClient)(nil)
)

func NewFakeClient() *FakeClient {
	return &FakeClient{
		tokens: make(map[string]Investment),
		minted: make(map[common.Hash]*big.Int),
		Now:    time.Now,
	}
}

// Reads counts read calls.
func (f *FakeClient) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *FakeClient) BalanceOf(_ context.Context, owner common.Address) (*big.Int, error) {
	return f.count(func(inv Investment) bool { return inv.Investor == owner }), nil
}

func (f *FakeClient) ProjectBalance(_ context.Context, owner common.Address, projectID *big.Int) (*big.Int, error) {
	return f.count(func(inv Investment) bool {
		return inv.Investor == owner && inv.ProjectID.Cmp(projectID) == 0
	}), nil
}

func (f *FakeClient) count(match func(Investment) bool) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	var n int64
	for _, inv := range f.tokens {
		if match(inv) {
			n++
		}
	}
	return big.NewInt(n)
}

func (f *FakeClient) TokenURI(ctx context.Context, tokenID *big.Int) (string, error) {
	inv, err := f.InvestmentData(ctx, tokenID)
	if err != nil {
		return "", err
	}
	return inv.MetadataURI, nil
}

func (f *FakeClient) InvestmentData(_ context.Context, tokenID *big.Int) (Investment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	inv, ok := f.tokens[tokenID.String()]
	if !ok {
		return Investment{}, fmt.Errorf("%w: %s", ErrUnknownToken, tokenID)
	}
	return inv, nil
}

// Mint stores the receipt under the next token id, starting at 1.
func (f *FakeClient) Mint(_ context.Context, req MintRequest) (chain.Submission, error) {
	if err := req.validate(); err != nil {
		return chain.Submission{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.tokens[big.NewInt(f.next).String()] = Investment{
		ProjectID:    new(big.Int).Set(req.ProjectID),
		Amount:       new(big.Int).Set(req.Amount),
		CurrentValue: new(big.Int).Set(req.Amount),
		Timestamp:    f.Now().UTC().Truncate(time.Second),
		Investor:     req.Investor,
		MetadataURI:  req.MetadataURI,
	}
	sub := f.submission([]byte("mint"), req.Investor.Bytes(), req.ProjectID.Bytes(), req.InvestmentID.Bytes())
	f.minted[sub.TxHash] = big.NewInt(f.next)
	return sub, nil
}

// WaitForMint returns the token created by a Mint submission.
func (f *FakeClient) WaitForMint(_ context.Context, sub chain.Submission) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.minted[sub.TxHash]
	if !ok {
		return nil, fmt.Errorf("%w: no mint %s", ErrUnknownToken, sub.TxHash.Hex())
	}
	return new(big.Int).Set(id), nil
}

func (f *FakeClient) UpdateValue(_ context.Context, tokenID, newValue *big.Int) (chain.Submission, error) {
	if tokenID == nil || newValue == nil || newValue.Sign() < 0 {
		return chain.Submission{}, fmt.Errorf("%w: token id and value required", ErrInvalidRequest)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.tokens[tokenID.String()]
	if !ok {
		return chain.Submission{}, fmt.Errorf("%w: %s", ErrUnknownToken, tokenID)
	}
	inv.CurrentValue = new(big.Int).Set(newValue)
	f.tokens[tokenID.String()] = inv
	return f.submission([]byte("update"), tokenID.Bytes(), newValue.Bytes()), nil
}

func (f *FakeClient) submission(data ...[]byte) chain.Submission {
	return chain.Submission{TxHash: crypto.Keccak256Hash(data...), ChainID: f.ChainID}
}

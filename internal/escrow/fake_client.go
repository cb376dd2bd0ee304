package escrow

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"pledgechain/internal/chain"
)

// FakeClient hashes the payload to deterministically emulate transaction
// hashes in tests. It records what it was asked to send.
type FakeClient struct {
	ChainID uint64

	mu       sync.Mutex
	deposits []DepositRequest
	projects []CreateProjectRequest
}

var _ Client = (*FakeClient)(nil)

func (f *FakeClient) Deposit(_ context.Context, req DepositRequest) (chain.Submission, error) {
	if err := validateDeposit(req); err != nil {
		return chain.Submission{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deposits = append(f.deposits, req)
	return f.submission("deposit", req.ProjectID.String(), req.Amount.String()), nil
}

func (f *FakeClient) CreateProject(_ context.Context, req CreateProjectRequest) (chain.Submission, error) {
	if err := validateCreateProject(req, time.Now()); err != nil {
		return chain.Submission{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects = append(f.projects, req)
	return f.submission("createProject", req.Title, req.TargetAmount.String(), req.Token.Hex()), nil
}

// Deposits returns the deposits sent so far.
func (f *FakeClient) Deposits() []DepositRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DepositRequest(nil), f.deposits...)
}

// Projects returns the project creations sent so far.
func (f *FakeClient) Projects() []CreateProjectRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CreateProjectRequest(nil), f.projects...)
}

func (f *FakeClient) submission(parts ...string) chain.Submission {
	return chain.Submission{TxHash: fakeHash(parts...), ChainID: f.ChainID, Nonce: uint64(len(f.deposits) + len(f.projects) - 1)}
}

func fakeHash(parts ...string) common.Hash {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return common.BytesToHash(h.Sum(nil))
}

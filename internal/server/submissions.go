package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pledgechain/internal/chain"
	"pledgechain/internal/escrow"
	"pledgechain/internal/idempotency"
	"pledgechain/internal/position"
	"pledgechain/internal/receipts"
)

const (
	opDeposit       = "deposit"
	opCreateProject = "createProject"
	opMint          = "mint"
	opUpdateValue   = "updateValue"

	receiptWaitTimeout = 2 * time.Minute
)

// receiptWaiter is implemented by escrow.EthClient.
type receiptWaiter interface {
	WaitForReceipt(ctx context.Context, sub chain.Submission) (*types.Receipt, error)
}

// mintWaiter is implemented by the receipts clients.
type mintWaiter interface {
	WaitForMint(ctx context.Context, sub chain.Submission) (*big.Int, error)
}

type submitResponse struct {
	Status string `json:"status"`
	chain.Submission
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	TokenID     string `json:"tokenId,omitempty"`
	RequestID   string `json:"requestId,omitempty"`
}

type depositRequest struct {
	ProjectID string `json:"projectId"`
	Amount    string `json:"amount"`
	Decimals  *int32 `json:"decimals,omitempty"`
	Native    bool   `json:"native"`
}

type createProjectRequest struct {
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	TargetAmount string    `json:"targetAmount"`
	Decimals     *int32    `json:"decimals,omitempty"`
	Deadline     time.Time `json:"deadline"`
	Token        string    `json:"token"`
}

type mintRequest struct {
	Investor     string `json:"investor"`
	ProjectID    string `json:"projectId"`
	Amount       string `json:"amount"`
	Decimals     *int32 `json:"decimals,omitempty"`
	MetadataURI  string `json:"metadataUri"`
	InvestmentID string `json:"investmentId,omitempty"`
}

type updateValueRequest struct {
	NewValue string `json:"newValue"`
	Decimals *int32 `json:"decimals,omitempty"`
}

type receiptResponse struct {
	TokenID      string         `json:"tokenId"`
	ProjectID    string         `json:"projectId"`
	Amount       string         `json:"amount"`
	CurrentValue string         `json:"currentValue"`
	Timestamp    time.Time      `json:"timestamp"`
	Investor     common.Address `json:"investor"`
	MetadataURI  string         `json:"metadataUri"`
	TokenURI     string         `json:"tokenUri"`
}

func decimalsOr(d *int32) int32 {
	if d == nil {
		return escrow.NativeDecimals
	}
	return *d
}

// parseUint256 parses a decimal or 0x-hex uint256 such as a project or token id.
func parseUint256(field, raw string) (*big.Int, error) {
	n, ok := position.NormalizeProjectID(raw)
	if !ok {
		return nil, fmt.Errorf("%w: %s %q", errBadRequest, field, raw)
	}
	return n, nil
}

func parseAddress(field, raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %s %q", errBadRequest, field, raw)
	}
	return common.HexToAddress(raw), nil
}

func waitRequested(r *http.Request) bool {
	v := r.URL.Query().Get("wait")
	return v == "1" || strings.EqualFold(v, "true")
}

// submission is the outcome shared by every concurrent request with the same
// idempotency key.
type submission struct {
	operation string
	account   common.Address
	status    int
	body      []byte
	replayed  bool
}

// submit sends a transaction once per idempotency key. A retry with the same
// key replays the stored response; the key cannot be reused for another
// operation or account. Requests arriving while the first one is still in
// flight wait for it and get its response.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, op string, send func(ctx context.Context) (submitResponse, error)) {
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		s.writeError(w, r, fmt.Errorf("%w: missing %s header", errBadRequest, headerIdempotencyKey))
		return
	}
	state := s.deps.Wallet.State()
	if !state.Connected() || state.Account == nil {
		s.metrics.IncSubmission(op, "rejected")
		s.writeError(w, r, chain.ErrNotConnected)
		return
	}
	account := *state.Account

	var leader bool
	v, err, _ := s.inflight.Do(key, func() (any, error) {
		leader = true
		return s.runSubmission(r.Context(), key, op, account, send)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := v.(submission)
	if !leader && !out.matches(op, account) {
		s.metrics.IncSubmission(op, "rejected")
		s.writeError(w, r, idempotency.ErrKeyConflict)
		return
	}

	writeRaw(w, out.status, out.body)
	if leader && !out.replayed {
		s.metrics.IncSubmission(op, "submitted")
	} else {
		s.metrics.IncSubmission(op, "cached")
	}
}

func (o submission) matches(op string, account common.Address) bool {
	return o.operation == op && o.account == account
}

func (s *Server) runSubmission(ctx context.Context, key, op string, account common.Address, send func(ctx context.Context) (submitResponse, error)) (submission, error) {
	existing, err := idempotency.Lookup(ctx, s.deps.Store, key, op, account)
	if err != nil {
		s.metrics.IncSubmission(op, "rejected")
		return submission{}, err
	}
	if existing != nil {
		return submission{
			operation: existing.Operation,
			account:   existing.Account,
			status:    existing.StatusCode,
			body:      existing.Response,
			replayed:  true,
		}, nil
	}

	resp, err := send(ctx)
	if err != nil {
		s.metrics.IncSubmission(op, "failed")
		return submission{}, err
	}
	if resp.Status == "" {
		resp.Status = "submitted"
	}
	resp.RequestID = requestID(ctx)
	body, err := json.Marshal(resp)
	if err != nil {
		return submission{}, err
	}

	now := time.Now()
	record := idempotency.Record{
		Operation:  op,
		Account:    account,
		TxHash:     resp.TxHash,
		StatusCode: http.StatusAccepted,
		Response:   body,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.Service.IdempotencyWindow),
	}
	if err := s.deps.Store.Save(ctx, key, record); err != nil {
		s.log.Warn("idempotency record not saved", zap.String("operation", op), zap.Error(err))
	}
	return submission{operation: op, account: account, status: http.StatusAccepted, body: body}, nil
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, opDeposit, func(ctx context.Context) (submitResponse, error) {
		var req depositRequest
		if err := decodeJSON(w, r, &req, false); err != nil {
			return submitResponse{}, err
		}
		projectID, err := parseUint256("projectId", req.ProjectID)
		if err != nil {
			return submitResponse{}, err
		}
		amount, err := escrow.ParseAmount(req.Amount, decimalsOr(req.Decimals))
		if err != nil {
			return submitResponse{}, err
		}
		sub, err := s.deps.Escrow.Deposit(ctx, escrow.DepositRequest{
			ProjectID: projectID,
			Amount:    amount,
			Native:    req.Native,
		})
		if err != nil {
			return submitResponse{}, err
		}
		resp := submitResponse{Submission: sub}
		if waitRequested(r) {
			s.awaitReceipt(ctx, s.deps.Escrow, &resp)
		}
		return resp, nil
	})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, opCreateProject, func(ctx context.Context) (submitResponse, error) {
		var req createProjectRequest
		if err := decodeJSON(w, r, &req, false); err != nil {
			return submitResponse{}, err
		}
		target, err := escrow.ParseAmount(req.TargetAmount, decimalsOr(req.Decimals))
		if err != nil {
			return submitResponse{}, err
		}
		var token common.Address
		if req.Token != "" {
			if token, err = parseAddress("token", req.Token); err != nil {
				return submitResponse{}, err
			}
		}
		sub, err := s.deps.Escrow.CreateProject(ctx, escrow.CreateProjectRequest{
			Title:        req.Title,
			Description:  req.Description,
			TargetAmount: target,
			Deadline:     req.Deadline,
			Token:        token,
		})
		if err != nil {
			return submitResponse{}, err
		}
		resp := submitResponse{Submission: sub}
		if waitRequested(r) {
			s.awaitReceipt(ctx, s.deps.Escrow, &resp)
		}
		return resp, nil
	})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, opMint, func(ctx context.Context) (submitResponse, error) {
		var req mintRequest
		if err := decodeJSON(w, r, &req, false); err != nil {
			return submitResponse{}, err
		}
		investor, err := parseAddress("investor", req.Investor)
		if err != nil {
			return submitResponse{}, err
		}
		projectID, err := parseUint256("projectId", req.ProjectID)
		if err != nil {
			return submitResponse{}, err
		}
		amount, err := escrow.ParseAmount(req.Amount, decimalsOr(req.Decimals))
		if err != nil {
			return submitResponse{}, err
		}
		mint := receipts.MintRequest{
			Investor:    investor,
			ProjectID:   projectID,
			Amount:      amount,
			MetadataURI: req.MetadataURI,
		}
		if req.InvestmentID != "" {
			if mint.InvestmentID, err = parseUint256("investmentId", req.InvestmentID); err != nil {
				return submitResponse{}, err
			}
		}
		sub, err := s.deps.Minter.Mint(ctx, mint)
		if err != nil {
			return submitResponse{}, err
		}
		resp := submitResponse{Submission: sub}
		if waiter, ok := s.deps.Minter.(mintWaiter); ok && waitRequested(r) {
			waitCtx, cancel := context.WithTimeout(ctx, receiptWaitTimeout)
			defer cancel()
			tokenID, err := waiter.WaitForMint(waitCtx, sub)
			if err != nil {
				s.log.Warn("mint not confirmed", zap.String("tx", sub.TxHash.Hex()), zap.Error(err))
			} else {
				resp.Status = "mined"
				resp.TokenID = tokenID.String()
			}
		}
		return resp, nil
	})
}

func (s *Server) handleUpdateValue(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, opUpdateValue, func(ctx context.Context) (submitResponse, error) {
		tokenID, err := parseUint256("tokenId", r.PathValue("tokenId"))
		if err != nil {
			return submitResponse{}, err
		}
		var req updateValueRequest
		if err := decodeJSON(w, r, &req, false); err != nil {
			return submitResponse{}, err
		}
		value, err := parseValue(req.NewValue, decimalsOr(req.Decimals))
		if err != nil {
			return submitResponse{}, err
		}
		sub, err := s.deps.Minter.UpdateValue(ctx, tokenID, value)
		if err != nil {
			return submitResponse{}, err
		}
		return submitResponse{Submission: sub}, nil
	})
}

// parseValue is escrow.ParseAmount that also accepts zero, for write-downs.
func parseValue(raw string, decimals int32) (*big.Int, error) {
	if d, err := decimal.NewFromString(strings.TrimSpace(raw)); err == nil && d.IsZero() {
		return new(big.Int), nil
	}
	return escrow.ParseAmount(raw, decimals)
}

// awaitReceipt records the mined block when the client can wait for it. A
// wait failure leaves the response as submitted.
func (s *Server) awaitReceipt(ctx context.Context, client escrow.Client, resp *submitResponse) {
	waiter, ok := client.(receiptWaiter)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, receiptWaitTimeout)
	defer cancel()
	receipt, err := waiter.WaitForReceipt(ctx, resp.Submission)
	if err != nil {
		s.log.Warn("transaction not confirmed", zap.String("tx", resp.TxHash.Hex()), zap.Error(err))
		return
	}
	resp.Status = "mined"
	if receipt.Status != types.ReceiptStatusSuccessful {
		resp.Status = "reverted"
	}
	if receipt.BlockNumber != nil {
		resp.BlockNumber = receipt.BlockNumber.Uint64()
	}
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	tokenID, err := parseUint256("tokenId", r.PathValue("tokenId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	inv, err := s.deps.Receipts.InvestmentData(ctx, tokenID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	uri, err := s.deps.Receipts.TokenURI(ctx, tokenID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receiptResponse{
		TokenID:      tokenID.String(),
		ProjectID:    bigString(inv.ProjectID),
		Amount:       bigString(inv.Amount),
		CurrentValue: bigString(inv.CurrentValue),
		Timestamp:    inv.Timestamp,
		Investor:     inv.Investor,
		MetadataURI:  inv.MetadataURI,
		TokenURI:     uri,
	})
}

func bigString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

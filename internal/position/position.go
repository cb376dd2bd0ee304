// Package position keeps the connected account's investment receipt balance
// for one project current.
//
// The balance is read only when a wallet is connected and a project is
// selected; otherwise the position is zero and idle without touching the
// chain. Balances stay arbitrary precision; BalanceUint64 is the only
// narrowing and it saturates.
package position

import (
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// QueryKind is the cache key kind of project balance reads.
const QueryKind = "receiptBalance"

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// NormalizeProjectID converts an off-chain project identifier to the uint256
// key the receipt contract uses. Decimal and 0x-prefixed hex are accepted.
// Absent, malformed or out-of-range identifiers yield zero and false.
func NormalizeProjectID(raw string) (*big.Int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(big.Int), false
	}
	base := 10
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		raw, base = raw[2:], 16
	}
	n, ok := new(big.Int).SetString(raw, base)
	if !ok || n.Sign() < 0 || n.Cmp(maxUint256) > 0 {
		return new(big.Int), false
	}
	return n, true
}

// Position is the investment state of one account in one project.
type Position struct {
	Account       *common.Address `json:"account,omitempty"`
	ProjectKey    *big.Int        `json:"projectKey"`
	Balance       *big.Int        `json:"balance"`
	HasInvestment bool            `json:"hasInvestment"`
	IsLoading     bool            `json:"isLoading"`
	IsError       bool            `json:"isError"`
	// Stale marks a balance shown while a refresh runs or after it failed.
	Stale       bool           `json:"stale"`
	Err         error          `json:"-"`
	NFTContract common.Address `json:"nftContract"`
}

func emptyPosition(nft common.Address) Position {
	return Position{ProjectKey: new(big.Int), Balance: new(big.Int), NFTContract: nft}
}

// BalanceUint64 returns the balance, saturating at math.MaxUint64.
func (p Position) BalanceUint64() uint64 {
	if p.Balance == nil || p.Balance.Sign() <= 0 {
		return 0
	}
	if !p.Balance.IsUint64() {
		return math.MaxUint64
	}
	return p.Balance.Uint64()
}

package escrow

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// NativeDecimals is the precision of the native coin on both supported
// networks.
const NativeDecimals = 18

// ParseAmount converts a decimal string such as "0.25" into base units with
// the given precision. Amounts must be positive and representable exactly.
func ParseAmount(s string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q: %v", ErrInvalidRequest, s, err)
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	units := d.Shift(decimals)
	if !units.Equal(units.Truncate(0)) {
		return nil, fmt.Errorf("%w: amount %q has more than %d decimals", ErrInvalidRequest, s, decimals)
	}
	return units.BigInt(), nil
}

// FormatAmount renders base units as a decimal string.
func FormatAmount(units *big.Int, decimals int32) string {
	if units == nil {
		return "0"
	}
	return decimal.NewFromBigInt(units, -decimals).String()
}

package ethwallet

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/MarkoPoloResearchLab/smilecredit/pkg/smilecredit"
)

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// etherToWei converts a validated decimal ether string to integral wei.
func etherToWei(amount smilecredit.DonationAmount) (*big.Int, error) {
	parsed, ok := new(big.Rat).SetString(amount.String())
	if !ok {
		return nil, fmt.Errorf("%w: not a decimal number", smilecredit.ErrInvalidAmount)
	}
	scaled := new(big.Rat).Mul(parsed, new(big.Rat).SetInt(weiPerEther))
	if !scaled.IsInt() {
		return nil, fmt.Errorf("%w: more than 18 decimal places", smilecredit.ErrInvalidAmount)
	}
	wei := scaled.Num()
	if wei.Sign() <= 0 {
		return nil, fmt.Errorf("%w: must be greater than zero", smilecredit.ErrInvalidAmount)
	}
	return wei, nil
}

// weiToEther renders a wei quantity as a decimal ether string with
// trailing zeros trimmed.
func weiToEther(wei *big.Int) string {
	quotient := new(big.Int)
	remainder := new(big.Int)
	quotient.QuoRem(wei, weiPerEther, remainder)
	if remainder.Sign() == 0 {
		return quotient.String()
	}
	fraction := strings.TrimRight(fmt.Sprintf("%018s", remainder.String()), "0")
	return quotient.String() + "." + fraction
}

// hexToBig parses a 0x-prefixed hex quantity.
func hexToBig(raw string) (*big.Int, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("empty hex quantity")
	}
	value, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return nil, fmt.Errorf("malformed hex quantity %q", raw)
	}
	return value, nil
}

// bigToHex renders a quantity as 0x-prefixed hex.
func bigToHex(value *big.Int) string {
	return "0x" + value.Text(16)
}

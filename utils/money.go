package utils

import (
	"math/big"
	"strings"
)

var weiPerEth = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// ParseWei parses a decimal wei string into a big.Int. Returns false for
// anything that is not a plain non-negative integer.
func ParseWei(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

// WeiToEthString renders a wei amount as a trimmed decimal ETH string
// ("1500000000000000000" -> "1.5").
func WeiToEthString(wei *big.Int) string {
	quo, rem := new(big.Int).QuoRem(wei, weiPerEth, new(big.Int))
	if rem.Sign() == 0 {
		return quo.String()
	}
	frac := rem.String()
	for len(frac) < 18 {
		frac = "0" + frac
	}
	frac = strings.TrimRight(frac, "0")
	return quo.String() + "." + frac
}

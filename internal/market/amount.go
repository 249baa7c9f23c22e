package market

import (
	"strconv"
	"strings"
)

// MinTransferNotional is the floor below which large-transfer items are
// suppressed regardless of recipient settings (quote-currency units).
const MinTransferNotional = 1_000_000

// ParseAmount parses the heterogeneous amount notations the upstream emits:
// plain numerics ("2000000", "1500000.5"), comma-grouped ("2,000,000"),
// optional "$" prefix, and K/M/B suffix scaling (1e3/1e6/1e9).
// ok is false when the text cannot be interpreted as an amount.
func ParseAmount(raw string) (val float64, ok bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	mult := 1.0
	switch last := s[len(s)-1]; last {
	case 'k', 'K':
		mult = 1e3
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1e6
		s = s[:len(s)-1]
	case 'b', 'B':
		mult = 1e9
		s = s[:len(s)-1]
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return v * mult, true
}

// BelowTransferFloor reports whether a transfer amount is confidently below
// the minimum notional. Unparsable amounts return false: the conservative
// policy is to retain an item rather than drop it on parse ambiguity.
func BelowTransferFloor(raw string) bool {
	v, ok := ParseAmount(raw)
	if !ok {
		return false
	}
	return v < MinTransferNotional
}

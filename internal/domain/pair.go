// Package domain defines core data structures used throughout the market maker.
package domain

import (
	"fmt"
	"strings"
)

// Pair cryptocurrency trading pair.
type Pair struct {
	// Base asset symbol, e.g. XBT.
	Base string
	// Quote currency symbol, e.g. USD.
	Quote string
}

// String returns the slash-separated representation used on the wire, e.g. "XBT/USD".
func (p Pair) String() string {
	return fmt.Sprintf("%s/%s", p.Base, p.Quote)
}

// PairFromString parses "XBT/USD" or "XBT_USD" into a Pair.
func PairFromString(s string) (Pair, error) {
	sep := "/"
	if !strings.Contains(s, sep) {
		sep = "_"
	}
	parts := strings.Split(s, sep)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pair{}, fmt.Errorf("invalid pair %q", s)
	}

	return Pair{Base: strings.ToUpper(parts[0]), Quote: strings.ToUpper(parts[1])}, nil
}

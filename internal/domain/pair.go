// Package domain defines core data structures used throughout the accounting core.
package domain

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Pair spot trading pair.
type Pair struct {
	// Base asset bought or sold.
	Base string `json:"base" yaml:"base"`
	// Quote asset the price is expressed in.
	Quote string `json:"quote" yaml:"quote"`
}

// NewPair returns a pair with normalized asset codes.
func NewPair(base, quote string) Pair {
	return Pair{Base: NormalizeAsset(base), Quote: NormalizeAsset(quote)}
}

// ParsePair parses the BASE_QUOTE notation used in configuration files.
func ParsePair(s string) (Pair, error) {
	elements := strings.Split(strings.TrimSpace(s), "_")
	if len(elements) != 2 || elements[0] == "" || elements[1] == "" {
		return Pair{}, errors.Errorf("invalid pair %q, expected BASE_QUOTE", s)
	}

	return NewPair(elements[0], elements[1]), nil
}

// String returns the string representation.
func (p Pair) String() string {
	return fmt.Sprintf("%s_%s", p.Base, p.Quote)
}

// Symbol returns the concatenated symbol representation.
func (p Pair) Symbol() string {
	return p.Base + p.Quote
}

// IsZero reports whether the pair is unset.
func (p Pair) IsZero() bool {
	return p.Base == "" && p.Quote == ""
}

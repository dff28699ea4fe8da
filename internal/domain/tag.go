package domain

import (
	"strings"

	"github.com/pkg/errors"
)

const (
	manualTagText = "manual"
	botTagPrefix  = "bot:"
)

// StrategyTag identifies who originated a trade: a bot strategy or a human.
// The zero value is Manual.
type StrategyTag struct {
	strategy string
}

// Manual tag for trades that carry no recognizable strategy metadata.
var Manual = StrategyTag{}

// Bot returns the tag of a bot strategy. An empty id resolves to Manual.
func Bot(strategyID string) StrategyTag {
	return StrategyTag{strategy: strings.TrimSpace(strategyID)}
}

// IsManual reports whether the tag is Manual.
func (t StrategyTag) IsManual() bool {
	return t.strategy == ""
}

// Strategy returns the strategy id for bot tags.
func (t StrategyTag) Strategy() (string, bool) {
	return t.strategy, t.strategy != ""
}

// String returns "manual" or "bot:<strategy>".
func (t StrategyTag) String() string {
	if t.IsManual() {
		return manualTagText
	}

	return botTagPrefix + t.strategy
}

// MarshalText implements encoding.TextMarshaler.
func (t StrategyTag) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *StrategyTag) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategyTag(string(text))
	if err != nil {
		return err
	}
	*t = parsed

	return nil
}

// ParseStrategyTag parses the output of StrategyTag.String.
func ParseStrategyTag(s string) (StrategyTag, error) {
	switch {
	case s == "" || s == manualTagText:
		return Manual, nil
	case strings.HasPrefix(s, botTagPrefix) && len(s) > len(botTagPrefix):
		return Bot(strings.TrimPrefix(s, botTagPrefix)), nil
	default:
		return Manual, errors.Errorf("invalid strategy tag %q", s)
	}
}

package ledger

import (
	"strings"

	"github.com/vadiminshakov/martibooks/internal/domain"
)

// DefaultClientOrderPrefix is the client order id prefix used by marti strategies.
const DefaultClientOrderPrefix = "marti-"

// TagResolver turns client order ids of the form <prefix><strategy>-<nonce> into strategy tags.
type TagResolver struct {
	prefix string
}

// NewTagResolver creates a resolver for the given client order id prefix.
func NewTagResolver(prefix string) TagResolver {
	if prefix == "" {
		prefix = DefaultClientOrderPrefix
	}

	return TagResolver{prefix: prefix}
}

// Resolve returns Bot(strategy) for ids carrying the prefix and Manual otherwise.
func (r TagResolver) Resolve(clientOrderID string) domain.StrategyTag {
	rest, ok := strings.CutPrefix(clientOrderID, r.prefix)
	if !ok {
		return domain.Manual
	}
	strategy, _, _ := strings.Cut(rest, "-")

	return domain.Bot(strategy)
}

// Package matcher decides whether a concrete message destination matches the destination
// a client subscribed with.
//
// Two strategies are provided:
//   - ExactMatcher: plain string equality
//   - PathMatcher: path segment matching with "*", "?", "**" and "{name}" segments
package matcher

import "fmt"

// Matcher decides whether a destination matches a subscribed destination pattern.
//
// Implementations must be safe for concurrent use.
type Matcher interface {
	// Match whether the concrete destination matches the pattern
	Match(pattern, destination string) bool
	// IsPattern whether a subscribed destination requires pattern matching. Destinations
	// which are not patterns only ever match themselves.
	IsPattern(destination string) bool
	// PrefixKey returns the literal leading segment of a pattern or destination, or "" if the
	// leading segment is not a literal.
	PrefixKey(destination string) string
}

// Strategy names accepted by DefineMatcher
const (
	StrategyExact = "exact"
	StrategyPath  = "path"
)

// ExactMatcher matches destinations by string equality only
type ExactMatcher struct{}

// Match whether the pattern and destination are equal
func (ExactMatcher) Match(pattern, destination string) bool {
	return pattern == destination
}

// IsPattern always false
func (ExactMatcher) IsPattern(string) bool {
	return false
}

// PrefixKey not used with exact matching
func (ExactMatcher) PrefixKey(string) string {
	return ""
}

// DefineMatcher define a Matcher by strategy name
func DefineMatcher(strategy string, separator string, patternCacheSize int) (Matcher, error) {
	switch strategy {
	case StrategyExact:
		return ExactMatcher{}, nil
	case StrategyPath:
		return GetPathMatcher(separator, patternCacheSize)
	default:
		return nil, fmt.Errorf("unknown destination matching strategy '%s'", strategy)
	}
}

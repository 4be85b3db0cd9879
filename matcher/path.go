package matcher

import (
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultPathSeparator default destination segment separator
const DefaultPathSeparator = "/"

const multiSegmentWildcard = "**"

type segmentKind int

const (
	segmentLiteral segmentKind = iota
	segmentGlob
	segmentMulti
)

// patternSegment one compiled segment of a destination pattern
type patternSegment struct {
	kind    segmentKind
	literal string
	expr    *regexp.Regexp
	// variables maps each variable name to its capture group in expr
	variables map[string]int
}

// matchToken match one destination segment, recording variables into vars if not nil
func (s patternSegment) matchToken(token string, vars map[string]string) bool {
	switch s.kind {
	case segmentLiteral:
		return s.literal == token
	case segmentGlob:
		groups := s.expr.FindStringSubmatch(token)
		if groups == nil {
			return false
		}
		if vars != nil {
			for name, idx := range s.variables {
				vars[name] = groups[idx]
			}
		}
		return true
	}
	return false
}

// compiledPattern a tokenized destination pattern
type compiledPattern struct {
	segments      []patternSegment
	leadingSep    bool
	trailingSep   bool
	endsWithMulti bool
	minTokens     int
	hasMulti      bool
}

// PathMatcher matches destinations segment by segment.
//
// Within one segment "*" matches zero or more characters, "?" matches one character and
// "{name}" or "{name:regex}" captures a path variable. A "**" segment matches zero or more
// whole segments.
type PathMatcher struct {
	separator string
	compiled  *lru.Cache[string, *compiledPattern]
}

// GetPathMatcher define a new PathMatcher
//
// A patternCacheSize of zero or less disables caching of compiled patterns.
func GetPathMatcher(separator string, patternCacheSize int) (*PathMatcher, error) {
	if separator == "" {
		separator = DefaultPathSeparator
	}
	instance := &PathMatcher{separator: separator}
	if patternCacheSize > 0 {
		cache, err := lru.New[string, *compiledPattern](patternCacheSize)
		if err != nil {
			return nil, err
		}
		instance.compiled = cache
	}
	return instance, nil
}

// Separator the segment separator in use
func (m *PathMatcher) Separator() string {
	return m.separator
}

// IsPattern whether the destination contains wildcard or variable segments
func (m *PathMatcher) IsPattern(destination string) bool {
	if strings.ContainsAny(destination, "*?") {
		return true
	}
	open := strings.Index(destination, "{")
	return open != -1 && strings.Contains(destination[open:], "}")
}

// PrefixKey the first segment if it is a literal
func (m *PathMatcher) PrefixKey(destination string) string {
	tokens := m.tokenize(destination)
	if len(tokens) == 0 || !isLiteralSegment(tokens[0]) {
		return ""
	}
	return tokens[0]
}

// ValidatePattern verify a pattern compiles
func (m *PathMatcher) ValidatePattern(pattern string) error {
	_, err := m.compile(pattern)
	return err
}

// Match whether the destination matches the pattern
func (m *PathMatcher) Match(pattern, destination string) bool {
	return m.match(pattern, destination, nil)
}

// ExtractVariables match the destination against the pattern and return the values of the
// pattern's "{name}" segments.
func (m *PathMatcher) ExtractVariables(pattern, destination string) (map[string]string, bool) {
	vars := map[string]string{}
	if !m.match(pattern, destination, vars) {
		return nil, false
	}
	return vars, true
}

func (m *PathMatcher) match(pattern, destination string, vars map[string]string) bool {
	if !m.IsPattern(pattern) {
		return pattern == destination
	}
	cp, err := m.compile(pattern)
	if err != nil {
		return false
	}
	if cp.leadingSep != strings.HasPrefix(destination, m.separator) {
		return false
	}
	if !cp.endsWithMulti && cp.trailingSep != strings.HasSuffix(destination, m.separator) {
		return false
	}
	tokens := m.tokenize(destination)
	if len(tokens) < cp.minTokens || (!cp.hasMulti && len(tokens) != cp.minTokens) {
		return false
	}
	return matchSegments(cp.segments, tokens, vars)
}

// matchSegments match destination tokens against the pattern segments, backtracking on "**"
func matchSegments(segments []patternSegment, tokens []string, vars map[string]string) bool {
	if len(segments) == 0 {
		return len(tokens) == 0
	}
	seg := segments[0]
	if seg.kind == segmentMulti {
		var saved map[string]string
		if vars != nil {
			saved = copyVars(vars)
		}
		for skip := 0; skip <= len(tokens); skip++ {
			if matchSegments(segments[1:], tokens[skip:], vars) {
				return true
			}
			if vars != nil {
				restoreVars(vars, saved)
			}
		}
		return false
	}
	if len(tokens) == 0 || !seg.matchToken(tokens[0], vars) {
		return false
	}
	return matchSegments(segments[1:], tokens[1:], vars)
}

func copyVars(vars map[string]string) map[string]string {
	result := make(map[string]string, len(vars))
	for k, v := range vars {
		result[k] = v
	}
	return result
}

func restoreVars(vars, saved map[string]string) {
	for k := range vars {
		delete(vars, k)
	}
	for k, v := range saved {
		vars[k] = v
	}
}

// tokenize split on the separator, dropping empty segments
func (m *PathMatcher) tokenize(destination string) []string {
	raw := strings.Split(destination, m.separator)
	tokens := raw[:0]
	for _, token := range raw {
		if token != "" {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

func (m *PathMatcher) compile(pattern string) (*compiledPattern, error) {
	if m.compiled != nil {
		if cp, ok := m.compiled.Get(pattern); ok {
			return cp, nil
		}
	}
	cp := &compiledPattern{
		leadingSep:  strings.HasPrefix(pattern, m.separator),
		trailingSep: strings.HasSuffix(pattern, m.separator),
	}
	for _, token := range m.tokenize(pattern) {
		if token == multiSegmentWildcard {
			// Consecutive "**" are equivalent to one
			if n := len(cp.segments); n > 0 && cp.segments[n-1].kind == segmentMulti {
				continue
			}
			cp.segments = append(cp.segments, patternSegment{kind: segmentMulti})
			cp.hasMulti = true
			continue
		}
		seg, err := compileSegment(token)
		if err != nil {
			return nil, fmt.Errorf("invalid destination pattern '%s': %w", pattern, err)
		}
		cp.segments = append(cp.segments, seg)
		cp.minTokens++
	}
	if n := len(cp.segments); n > 0 && cp.segments[n-1].kind == segmentMulti {
		cp.endsWithMulti = true
	}
	if m.compiled != nil {
		m.compiled.Add(pattern, cp)
	}
	return cp, nil
}

func isLiteralSegment(token string) bool {
	return !strings.ContainsAny(token, "*?{")
}

// compileSegment turn one pattern segment into a literal or an anchored expression
func compileSegment(token string) (patternSegment, error) {
	if isLiteralSegment(token) {
		return patternSegment{kind: segmentLiteral, literal: token}, nil
	}
	var builder strings.Builder
	builder.WriteString("^")
	variables := map[string]int{}
	group := 1
	for idx := 0; idx < len(token); idx++ {
		switch token[idx] {
		case '*':
			builder.WriteString(".*")
		case '?':
			builder.WriteString(".")
		case '{':
			end, err := closingBrace(token, idx)
			if err != nil {
				return patternSegment{}, err
			}
			name, expr := token[idx+1:end], ".*"
			if colon := strings.Index(name, ":"); colon != -1 {
				name, expr = name[:colon], name[colon+1:]
			}
			if name == "" {
				return patternSegment{}, fmt.Errorf("unnamed variable in segment '%s'", token)
			}
			if _, ok := variables[name]; ok {
				return patternSegment{}, fmt.Errorf("duplicate variable '%s'", name)
			}
			sub, err := regexp.Compile(expr)
			if err != nil {
				return patternSegment{}, err
			}
			variables[name] = group
			group += 1 + sub.NumSubexp()
			builder.WriteString("(" + expr + ")")
			idx = end
		default:
			builder.WriteString(regexp.QuoteMeta(token[idx : idx+1]))
		}
	}
	builder.WriteString("$")
	expr, err := regexp.Compile(builder.String())
	if err != nil {
		return patternSegment{}, err
	}
	return patternSegment{kind: segmentGlob, expr: expr, variables: variables}, nil
}

// closingBrace index of the "}" closing the "{" at start, honoring nested braces
func closingBrace(token string, start int) (int, error) {
	depth := 0
	for idx := start; idx < len(token); idx++ {
		switch token[idx] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return idx, nil
			}
		}
	}
	return -1, fmt.Errorf("unclosed variable in segment '%s'", token)
}

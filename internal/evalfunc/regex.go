package evalfunc

import (
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/xtxerr/vigil/config"
	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/metrics"
)

// ExpressionType is the kind of one global regular expression entry.
type ExpressionType int

const (
	// ExprIncluded matches when the expression occurs as a substring.
	ExprIncluded ExpressionType = 0
	// ExprAnyIncluded matches when any delimiter-separated substring occurs.
	ExprAnyIncluded ExpressionType = 1
	// ExprNotIncluded matches when the substring does not occur.
	ExprNotIncluded ExpressionType = 2
	// ExprTrue matches when the regular expression matches.
	ExprTrue ExpressionType = 3
	// ExprFalse matches when the regular expression does not match.
	ExprFalse ExpressionType = 4
)

// GlobalExpression is one entry of a named global regular expression set.
type GlobalExpression struct {
	Expression    string
	Type          ExpressionType
	Delimiter     byte
	CaseSensitive bool
}

// RegexpSource looks up named global regular expression sets.
type RegexpSource interface {
	// GlobalRegexp returns the expressions of the set, or an empty slice
	// if no set has that name.
	GlobalRegexp(name string) ([]GlobalExpression, error)
}

// Matcher compiles and caches regular expressions and evaluates patterns,
// including "@name" references to global sets.
//
// Matcher is safe for concurrent use.
type Matcher struct {
	cache   *lru.Cache[string, *regexp2.Regexp]
	timeout time.Duration
	source  RegexpSource
}

// NewMatcher creates a matcher. A nil source makes every "@name" pattern
// unresolvable.
func NewMatcher(source RegexpSource, cacheSize int, timeout time.Duration) (*Matcher, error) {
	if cacheSize <= 0 {
		cacheSize = config.DefaultRegexCacheSize
	}
	if timeout <= 0 {
		timeout = config.DefaultRegexTimeout
	}
	cache, err := lru.New[string, *regexp2.Regexp](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create regexp cache: %w", err)
	}
	return &Matcher{cache: cache, timeout: timeout, source: source}, nil
}

func (m *Matcher) compile(pattern string, caseSensitive bool) (*regexp2.Regexp, error) {
	opts := regexp2.RegexOptions(regexp2.RE2)
	key := "s:" + pattern
	if !caseSensitive {
		opts |= regexp2.IgnoreCase
		key = "i:" + pattern
	}

	if re, ok := m.cache.Get(key); ok {
		return re, nil
	}

	re, err := regexp2.Compile(pattern, opts)
	if err != nil {
		return nil, errors.Newf(errors.ErrParameter, "invalid regular expression %q: %v", pattern, err)
	}
	re.MatchTimeout = m.timeout
	m.cache.Add(key, re)
	return re, nil
}

// Regexp reports whether pattern matches s.
func (m *Matcher) Regexp(pattern, s string, caseSensitive bool) (bool, error) {
	re, err := m.compile(pattern, caseSensitive)
	if err != nil {
		return false, err
	}
	ok, err := re.MatchString(s)
	if err != nil {
		metrics.RegexTimeouts.Inc()
		return false, errors.Newf(errors.ErrParameter, "cannot match regular expression %q: %v", pattern, err)
	}
	return ok, nil
}

// Compiled is a pattern resolved once and matched many times.
type Compiled struct {
	m             *Matcher
	pattern       string
	caseSensitive bool
	global        []GlobalExpression
}

// Resolve prepares pattern for matching. A pattern starting with "@" names
// a global set, which must exist.
func (m *Matcher) Resolve(pattern string, caseSensitive bool) (*Compiled, error) {
	c := &Compiled{m: m, pattern: pattern, caseSensitive: caseSensitive}

	if name, ok := strings.CutPrefix(pattern, "@"); ok {
		var set []GlobalExpression
		if m.source != nil {
			var err error
			if set, err = m.source.GlobalRegexp(name); err != nil {
				return nil, fmt.Errorf("global regular expression %q: %w", name, err)
			}
		}
		if len(set) == 0 {
			return nil, errors.Newf(errors.ErrParameter, "global regular expression %q does not exist", name)
		}
		c.global = set
		return c, nil
	}

	if _, err := m.compile(pattern, caseSensitive); err != nil {
		return nil, err
	}
	return c, nil
}

// Match reports whether s matches. A global set matches when any of its
// expressions does.
func (c *Compiled) Match(s string) (bool, error) {
	if c.global == nil {
		return c.m.Regexp(c.pattern, s, c.caseSensitive)
	}

	for i := range c.global {
		ok, err := c.m.matchExpression(&c.global[i], s, c.caseSensitive)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// matchExpression evaluates one global expression. Callers that force case
// insensitivity override the entry's own flag.
func (m *Matcher) matchExpression(e *GlobalExpression, s string, caseSensitive bool) (bool, error) {
	cs := e.CaseSensitive && caseSensitive

	switch e.Type {
	case ExprIncluded:
		return contains(s, e.Expression, cs), nil
	case ExprAnyIncluded:
		delim := string(e.Delimiter)
		if e.Delimiter == 0 {
			delim = ","
		}
		for _, part := range strings.Split(e.Expression, delim) {
			if part != "" && contains(s, part, cs) {
				return true, nil
			}
		}
		return false, nil
	case ExprNotIncluded:
		return !contains(s, e.Expression, cs), nil
	case ExprTrue:
		return m.Regexp(e.Expression, s, cs)
	case ExprFalse:
		ok, err := m.Regexp(e.Expression, s, cs)
		return !ok && err == nil, err
	default:
		return false, errors.Newf(errors.ErrParameter, "unknown global expression type %d", e.Type)
	}
}

func contains(s, sub string, caseSensitive bool) bool {
	if caseSensitive {
		return strings.Contains(s, sub)
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

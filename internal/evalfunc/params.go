package evalfunc

import (
	"math"
	"strconv"
	"strings"

	"github.com/xtxerr/vigil/internal/errors"
)

// ParamKind tells how a numeric window parameter was written.
type ParamKind int

const (
	// ParamNone marks an omitted optional parameter.
	ParamNone ParamKind = iota
	// ParamSeconds is a duration such as "300", "5m" or "-1h".
	ParamSeconds
	// ParamNValues is a value count such as "#5".
	ParamNValues
)

// Requirement marks whether a parameter must be present.
type Requirement int

const (
	Mandatory Requirement = iota
	Optional
)

// MacroResolver expands user macros in function parameters.
type MacroResolver interface {
	// UserMacro returns the value of a macro such as {$NAME} or
	// {$NAME:"context"} for the host.
	UserMacro(hostID uint64, macro string) (string, bool)
}

var ordinals = []string{"first", "second", "third", "fourth", "fifth", "sixth", "seventh", "eighth", "ninth"}

func ordinal(n int) string {
	if n >= 1 && n <= len(ordinals) {
		return ordinals[n-1]
	}
	return "#" + strconv.Itoa(n)
}

func invalidParam(n int) error {
	return errors.Newf(errors.ErrParameter, "invalid %s parameter", ordinal(n))
}

// SplitParams splits a function parameter string on commas. Parameters may
// be double quoted, with \" escaping a quote inside; leading spaces are
// skipped. An empty string holds no parameters.
func SplitParams(params string) []string {
	if params == "" {
		return nil
	}
	var out []string
	i := 0
	for {
		for i < len(params) && params[i] == ' ' {
			i++
		}

		var b strings.Builder
		if i < len(params) && params[i] == '"' {
			i++
			for i < len(params) {
				if params[i] == '\\' && i+1 < len(params) && params[i+1] == '"' {
					b.WriteByte('"')
					i += 2
					continue
				}
				if params[i] == '"' {
					i++
					break
				}
				b.WriteByte(params[i])
				i++
			}
			// skip anything between the closing quote and the separator
			for i < len(params) && params[i] != ',' {
				i++
			}
		} else {
			for i < len(params) && params[i] != ',' {
				b.WriteByte(params[i])
				i++
			}
		}
		out = append(out, b.String())

		if i >= len(params) {
			return out
		}
		i++ // comma
	}
}

// Params is a parsed parameter list bound to the host whose macros apply.
type Params struct {
	list   []string
	hostID uint64
	macros MacroResolver
}

// ParseParams splits raw and binds it to the host's macro context.
func ParseParams(raw string, hostID uint64, macros MacroResolver) *Params {
	return &Params{list: SplitParams(raw), hostID: hostID, macros: macros}
}

// Count returns the number of parameters.
func (p *Params) Count() int {
	return len(p.list)
}

// Raw returns the n-th parameter (1-based) before macro expansion.
func (p *Params) Raw(n int) (string, bool) {
	if n < 1 || n > len(p.list) {
		return "", false
	}
	return p.list[n-1], true
}

// get returns the n-th parameter with user macros expanded.
func (p *Params) get(n int) (string, bool) {
	s, ok := p.Raw(n)
	if !ok {
		return "", false
	}
	return ExpandMacros(s, p.hostID, p.macros), true
}

// Remove deletes the n-th parameter, shifting the following ones down.
func (p *Params) Remove(n int) {
	if n < 1 || n > len(p.list) {
		return
	}
	p.list = append(p.list[:n-1:n-1], p.list[n:]...)
}

// Int parses the n-th parameter as a window: "#N" is a value count,
// "-T" a negative duration and "T" a duration.
func (p *Params) Int(n int, req Requirement) (int, ParamKind, error) {
	s, ok := p.get(n)
	if !ok || s == "" {
		if req == Optional {
			return 0, ParamNone, nil
		}
		return 0, ParamNone, invalidParam(n)
	}

	switch {
	case s[0] == '#':
		v, ok := parseUint31(s[1:])
		if !ok || v == 0 {
			return 0, ParamNValues, invalidParam(n)
		}
		return v, ParamNValues, nil
	case s[0] == '-':
		v, ok := ParseTimeSuffix(s[1:])
		if !ok {
			return 0, ParamSeconds, invalidParam(n)
		}
		return -v, ParamSeconds, nil
	default:
		v, ok := ParseTimeSuffix(s)
		if !ok {
			return 0, ParamSeconds, invalidParam(n)
		}
		return v, ParamSeconds, nil
	}
}

// Uint64 parses the n-th parameter as an unsigned integer.
func (p *Params) Uint64(n int, req Requirement) (uint64, bool, error) {
	s, ok := p.get(n)
	if !ok || s == "" {
		if req == Optional {
			return 0, false, nil
		}
		return 0, false, invalidParam(n)
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false, invalidParam(n)
	}
	return v, true, nil
}

// Float parses the n-th parameter as a number with an optional unit
// suffix (K, M, G, T or a time suffix).
func (p *Params) Float(n int, req Requirement) (float64, bool, error) {
	s, ok := p.get(n)
	if !ok || s == "" {
		if req == Optional {
			return 0, false, nil
		}
		return 0, false, invalidParam(n)
	}
	v, ok := ParseFloatSuffix(s)
	if !ok {
		return 0, false, invalidParam(n)
	}
	return v, true, nil
}

// String returns the n-th parameter. An empty string is a valid value;
// only a missing mandatory parameter is an error.
func (p *Params) String(n int, req Requirement) (string, error) {
	s, ok := p.get(n)
	if !ok {
		if req == Optional {
			return "", nil
		}
		return "", invalidParam(n)
	}
	return s, nil
}

func parseUint31(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 31)
	if err != nil {
		return 0, false
	}
	return int(v), true
}

func timeFactor(c byte) (int64, bool) {
	switch c {
	case 's':
		return 1, true
	case 'm':
		return 60, true
	case 'h':
		return 3600, true
	case 'd':
		return 86400, true
	case 'w':
		return 7 * 86400, true
	}
	return 0, false
}

func unitFactor(c byte) (float64, bool) {
	switch c {
	case 'K':
		return 1024, true
	case 'M':
		return 1024 * 1024, true
	case 'G':
		return 1024 * 1024 * 1024, true
	case 'T':
		return 1024 * 1024 * 1024 * 1024, true
	}
	if f, ok := timeFactor(c); ok {
		return float64(f), true
	}
	return 0, false
}

// ParseTimeSuffix parses digits with an optional s, m, h, d or w suffix
// into seconds.
func ParseTimeSuffix(s string) (int, bool) {
	if s == "" {
		return 0, false
	}

	factor := int64(1)
	if f, ok := timeFactor(s[len(s)-1]); ok {
		factor = f
		s = s[:len(s)-1]
	}
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}

	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v > math.MaxInt32/factor {
		return 0, false
	}
	return int(v * factor), true
}

// ParseFloatSuffix parses a decimal number with an optional sign and an
// optional unit suffix.
func ParseFloatSuffix(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}

	factor := 1.0
	if f, ok := unitFactor(s[len(s)-1]); ok {
		factor = f
		s = s[:len(s)-1]
	}

	body := strings.TrimPrefix(s, "-")
	if body == "" {
		return 0, false
	}
	digits, dot := 0, 0
	for i := 0; i < len(body); i++ {
		switch {
		case body[i] >= '0' && body[i] <= '9':
			digits++
		case body[i] == '.':
			dot++
		default:
			return 0, false
		}
	}
	if digits == 0 || dot > 1 {
		return 0, false
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v * factor, true
}

// ExpandMacros replaces user macros in s. Macros the resolver does not
// know are left as written.
func ExpandMacros(s string, hostID uint64, macros MacroResolver) string {
	if macros == nil || !strings.Contains(s, "{$") {
		return s
	}

	var b strings.Builder
	for {
		start := strings.Index(s, "{$")
		if start < 0 {
			b.WriteString(s)
			return b.String()
		}
		end, ok := userMacroEnd(s[start:])
		if !ok {
			b.WriteString(s[:start+2])
			s = s[start+2:]
			continue
		}
		token := s[start : start+end]
		b.WriteString(s[:start])
		if v, found := macros.UserMacro(hostID, token); found {
			b.WriteString(v)
		} else {
			b.WriteString(token)
		}
		s = s[start+end:]
	}
}

// userMacroEnd returns the length of the user macro token at the start of
// s, including the closing brace.
func userMacroEnd(s string) (int, bool) {
	i := 2
	nameStart := i
	for i < len(s) && isMacroChar(s[i]) {
		i++
	}
	if i == nameStart || i >= len(s) {
		return 0, false
	}

	if s[i] == '}' {
		return i + 1, true
	}
	if s[i] != ':' {
		return 0, false
	}
	i++

	for i < len(s) && s[i] == ' ' {
		i++
	}
	if i < len(s) && s[i] == '"' {
		i++
		for i < len(s) && s[i] != '"' {
			if s[i] == '\\' && i+1 < len(s) && s[i+1] == '"' {
				i++
			}
			i++
		}
		if i >= len(s) {
			return 0, false
		}
		i++
		for i < len(s) && s[i] == ' ' {
			i++
		}
		if i < len(s) && s[i] == '}' {
			return i + 1, true
		}
		return 0, false
	}

	for i < len(s) && s[i] != '}' {
		i++
	}
	if i >= len(s) {
		return 0, false
	}
	return i + 1, true
}

func isMacroChar(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '.'
}

// ParseUserMacro splits a user macro token into its name and context.
// The context is unquoted; hasContext reports whether one was given.
func ParseUserMacro(token string) (name, context string, hasContext bool, ok bool) {
	if !strings.HasPrefix(token, "{$") || !strings.HasSuffix(token, "}") {
		return "", "", false, false
	}
	if n, valid := userMacroEnd(token); !valid || n != len(token) {
		return "", "", false, false
	}

	body := token[2 : len(token)-1]
	name, ctx, found := strings.Cut(body, ":")
	if !found {
		return name, "", false, true
	}

	ctx = strings.TrimLeft(ctx, " ")
	if strings.HasPrefix(ctx, "\"") {
		ctx = strings.TrimRight(ctx, " ")
		ctx = strings.TrimSuffix(strings.TrimPrefix(ctx, "\""), "\"")
		ctx = strings.ReplaceAll(ctx, `\"`, `"`)
	}
	return name, ctx, true, true
}

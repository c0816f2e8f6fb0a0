// Package validation checks host names and item keys before they reach
// the metastore.
package validation

import (
	"fmt"
	"unicode"

	"github.com/xtxerr/vigil/internal/errors"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for names.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
	AllowSpaces  bool
}

// HostNameRules returns the rules for technical host names.
func HostNameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    128,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
		AllowSpaces:  true,
	}
}

// KeyNameRules returns the rules for the name part of an item key.
func KeyNameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// ValidateName validates a name according to the given rules. Only ASCII
// letters and digits are accepted besides the allowed punctuation.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return fmt.Errorf("name too short: minimum %d characters required: %w", rules.MinLength, errors.ErrValidation)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("name too long: maximum %d characters allowed: %w", rules.MaxLength, errors.ErrValidation)
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("name cannot contain control characters at position %d: %w", i, errors.ErrValidation)
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d: %w", r, i, errors.ErrValidation)
		}
	}
	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	case ' ':
		return rules.AllowSpaces
	}
	return false
}

// ValidateHostName validates a technical host name.
func ValidateHostName(name string) error {
	if err := ValidateName(name, HostNameRules()); err != nil {
		return fmt.Errorf("host name %q: %w", name, err)
	}
	return nil
}

// =============================================================================
// Item Key Validation
// =============================================================================

// MaxKeyLength bounds a whole item key including parameters.
const MaxKeyLength = 2048

// ValidateItemKey checks key[param,"quoted param",[array]]: a name
// followed by an optional bracketed parameter list that ends the key.
// Quoted parameters may contain any character; '\"' escapes a quote.
// Arrays nest one level.
func ValidateItemKey(key string) error {
	if len(key) > MaxKeyLength {
		return fmt.Errorf("item key longer than %d bytes: %w", MaxKeyLength, errors.ErrValidation)
	}

	name := key
	params := ""
	for i := 0; i < len(key); i++ {
		if key[i] == '[' {
			name, params = key[:i], key[i:]
			break
		}
	}
	if err := ValidateName(name, KeyNameRules()); err != nil {
		return fmt.Errorf("item key %q: %w", key, err)
	}
	if params == "" {
		return nil
	}
	if err := validateKeyParams(params); err != nil {
		return fmt.Errorf("item key %q: %w", key, err)
	}
	return nil
}

// validateKeyParams checks a parameter list starting with '['.
func validateKeyParams(s string) error {
	depth := 0
	quoted := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quoted {
			switch c {
			case '\\':
				if i+1 < len(s) && s[i+1] == '"' {
					i++
				}
			case '"':
				quoted = false
			}
			continue
		}
		switch c {
		case '"':
			quoted = true
		case '[':
			depth++
			if depth > 2 {
				return fmt.Errorf("arrays nest at most one level at position %d: %w", i, errors.ErrValidation)
			}
		case ']':
			depth--
			if depth == 0 && i != len(s)-1 {
				return fmt.Errorf("unexpected text after parameters at position %d: %w", i+1, errors.ErrValidation)
			}
		}
	}
	if quoted {
		return fmt.Errorf("unterminated quoted parameter: %w", errors.ErrValidation)
	}
	if depth != 0 {
		return fmt.Errorf("unbalanced brackets: %w", errors.ErrValidation)
	}
	return nil
}

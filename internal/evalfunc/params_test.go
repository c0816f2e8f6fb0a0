package evalfunc

import (
	"reflect"
	"testing"

	"github.com/xtxerr/vigil/internal/errors"
)

type mapMacros map[string]string

func (m mapMacros) UserMacro(_ uint64, macro string) (string, bool) {
	v, ok := m[macro]
	return v, ok
}

func TestSplitParams(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"#5", []string{"#5"}},
		{"300,,eq", []string{"300", "", "eq"}},
		{" 10 , x", []string{"10 ", "x"}},
		{`"a,b",1`, []string{"a,b", "1"}},
		{`"say \"hi\"",2`, []string{`say "hi"`, "2"}},
		{`"quoted"  ,next`, []string{"quoted", "next"}},
		{",", []string{"", ""}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := SplitParams(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SplitParams(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParams_Int(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		req      Requirement
		wantVal  int
		wantKind ParamKind
		wantErr  bool
	}{
		{"count", "#5", Mandatory, 5, ParamNValues, false},
		{"seconds", "300", Mandatory, 300, ParamSeconds, false},
		{"minutes", "5m", Mandatory, 300, ParamSeconds, false},
		{"weeks", "2w", Mandatory, 2 * 7 * 86400, ParamSeconds, false},
		{"negative", "-1h", Mandatory, -3600, ParamSeconds, false},
		{"zero count", "#0", Mandatory, 0, ParamNValues, true},
		{"count overflow", "#2147483648", Mandatory, 0, ParamNValues, true},
		{"garbage", "abc", Mandatory, 0, ParamSeconds, true},
		{"bad suffix", "5x", Mandatory, 0, ParamSeconds, true},
		{"missing optional", "", Optional, 0, ParamNone, false},
		{"missing mandatory", "", Mandatory, 0, ParamNone, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ParseParams(tt.raw, 0, nil)
			v, kind, err := p.Int(1, tt.req)
			if tt.wantErr {
				if !errors.Is(err, errors.ErrParameter) {
					t.Fatalf("expected ErrParameter, got %v", err)
				}
				if err.Error() != "invalid first parameter" {
					t.Errorf("unexpected message %q", err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v != tt.wantVal || kind != tt.wantKind {
				t.Errorf("got (%d, %d), want (%d, %d)", v, kind, tt.wantVal, tt.wantKind)
			}
		})
	}
}

func TestParams_ErrorNamesPosition(t *testing.T) {
	p := ParseParams("#1,,x", 0, nil)
	_, _, err := p.Float(3, Mandatory)
	if err == nil || err.Error() != "invalid third parameter" {
		t.Errorf("got %v", err)
	}
}

func TestParseFloatSuffix(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"1.5", 1.5, true},
		{"-2", -2, true},
		{"1K", 1024, true},
		{"2M", 2 * 1024 * 1024, true},
		{"1h", 3600, true},
		{"1.2.3", 0, false},
		{"-", 0, false},
		{"K", 0, false},
		{"1e5", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseFloatSuffix(tt.in)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("ParseFloatSuffix(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestExpandMacros(t *testing.T) {
	macros := mapMacros{
		"{$PERIOD}":        "5m",
		`{$LIMIT:"eth0"}`:  "100",
		"{$PATTERN:error}": "ERR.*",
	}

	tests := []struct {
		in   string
		want string
	}{
		{"{$PERIOD}", "5m"},
		{"#{$UNKNOWN}", "#{$UNKNOWN}"},
		{`{$LIMIT:"eth0"}`, "100"},
		{"{$PATTERN:error}", "ERR.*"},
		{"a{$PERIOD}b{$PERIOD}", "a5mb5m"},
		{"{$lower}", "{$lower}"},
		{"{$", "{$"},
	}
	for _, tt := range tests {
		if got := ExpandMacros(tt.in, 1, macros); got != tt.want {
			t.Errorf("ExpandMacros(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	p := ParseParams("{$PERIOD}", 1, macros)
	v, kind, err := p.Int(1, Mandatory)
	if err != nil || v != 300 || kind != ParamSeconds {
		t.Errorf("macro window: got (%d, %d, %v)", v, kind, err)
	}
}

func TestParseUserMacro(t *testing.T) {
	tests := []struct {
		in         string
		name       string
		context    string
		hasContext bool
		ok         bool
	}{
		{"{$A}", "A", "", false, true},
		{"{$A.B_1:ctx}", "A.B_1", "ctx", true, true},
		{`{$A:"quoted \"x\""}`, "A", `quoted "x"`, true, true},
		{"{$a}", "", "", false, false},
		{"{A}", "", "", false, false},
	}
	for _, tt := range tests {
		name, ctx, has, ok := ParseUserMacro(tt.in)
		if ok != tt.ok || name != tt.name || ctx != tt.context || has != tt.hasContext {
			t.Errorf("ParseUserMacro(%q) = %q, %q, %v, %v", tt.in, name, ctx, has, ok)
		}
	}
}

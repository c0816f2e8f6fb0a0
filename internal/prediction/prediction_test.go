package prediction

import (
	"math"
	"sort"
	"testing"

	"github.com/xtxerr/vigil/internal/errors"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) <= 1e-6*math.Max(1, math.Abs(b))
}

func TestParseFit(t *testing.T) {
	tests := []struct {
		in      string
		want    Fit
		wantErr bool
	}{
		{"", Fit{Kind: FitLinear, Degree: 1}, false},
		{"linear", Fit{Kind: FitLinear, Degree: 1}, false},
		{"polynomial3", Fit{Kind: FitPolynomial, Degree: 3}, false},
		{"polynomial6", Fit{Kind: FitPolynomial, Degree: 6}, false},
		{"exponential", Fit{Kind: FitExponential, Degree: 1}, false},
		{"logarithmic", Fit{Kind: FitLogarithmic, Degree: 1}, false},
		{"power", Fit{Kind: FitPower, Degree: 1}, false},
		{"polynomial0", Fit{}, true},
		{"polynomial7", Fit{}, true},
		{"polynomial", Fit{}, true},
		{"cubic", Fit{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFit(tt.in)
			if tt.wantErr {
				if !errors.Is(err, errors.ErrParameter) {
					t.Errorf("expected ErrParameter, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeValue, "value": ModeValue, "max": ModeMax, "min": ModeMin, "delta": ModeDelta, "avg": ModeAvg} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMode("median"); !errors.Is(err, errors.ErrParameter) {
		t.Errorf("expected ErrParameter, got %v", err)
	}
}

func TestForecast_Linear(t *testing.T) {
	// x = 2t + 1
	ts := []float64{1, 2, 3, 4}
	xs := []float64{3, 5, 7, 9}
	lin := Fit{Kind: FitLinear, Degree: 1}

	tests := []struct {
		mode Mode
		want float64
	}{
		{ModeValue, 2*14 + 1},
		{ModeMax, 29},
		{ModeMin, 9},
		{ModeDelta, 20},
		{ModeAvg, 19},
	}
	for _, tt := range tests {
		got := Forecast(ts, xs, 4, 10, lin, tt.mode)
		if !approx(got, tt.want) {
			t.Errorf("mode %d: got %v, want %v", tt.mode, got, tt.want)
		}
	}
}

func TestForecast_Polynomial(t *testing.T) {
	// x = t^2
	ts := []float64{1, 2, 3, 4, 5}
	xs := []float64{1, 4, 9, 16, 25}
	fit := Fit{Kind: FitPolynomial, Degree: 2}

	if got := Forecast(ts, xs, 5, 5, fit, ModeValue); !approx(got, 100) {
		t.Errorf("value: got %v, want 100", got)
	}

	// x = -(t-3)^2 + 9 peaks at t=3 inside [1, 5]
	xs = []float64{5, 8, 9, 8, 5}
	if got := Forecast(ts, xs, 1, 4, fit, ModeMax); !approx(got, 9) {
		t.Errorf("max: got %v, want 9", got)
	}
	if got := Forecast(ts, xs, 1, 4, fit, ModeDelta); !approx(got, 4) {
		t.Errorf("delta: got %v, want 4", got)
	}
}

func TestForecast_Exponential(t *testing.T) {
	ts := []float64{1, 2, 3}
	xs := []float64{math.Exp(1), math.Exp(2), math.Exp(3)}
	got := Forecast(ts, xs, 3, 1, Fit{Kind: FitExponential}, ModeValue)
	if !approx(got, math.Exp(4)) {
		t.Errorf("got %v, want %v", got, math.Exp(4))
	}

	// non-positive values cannot be fitted
	got = Forecast(ts, []float64{1, 0, 2}, 3, 1, Fit{Kind: FitExponential}, ModeValue)
	if got != MathError {
		t.Errorf("expected MathError, got %v", got)
	}
}

func TestForecast_SingleSample(t *testing.T) {
	lin := Fit{Kind: FitLinear, Degree: 1}
	if got := Forecast([]float64{1}, []float64{42}, 10, 100, lin, ModeValue); got != 42 {
		t.Errorf("value: got %v, want 42", got)
	}
	if got := Forecast([]float64{1}, []float64{42}, 10, 100, lin, ModeDelta); got != 0 {
		t.Errorf("delta: got %v, want 0", got)
	}
	if got := Forecast(nil, nil, 10, 100, lin, ModeValue); got != MathError {
		t.Errorf("empty: got %v, want MathError", got)
	}
}

func TestTimeLeft(t *testing.T) {
	ts := []float64{1, 2, 3, 4}
	xs := []float64{10, 20, 30, 40} // x = 10t
	lin := Fit{Kind: FitLinear, Degree: 1}

	if got := TimeLeft(ts, xs, 4, 100, lin); !approx(got, 6) {
		t.Errorf("got %v, want 6", got)
	}
	// threshold behind a rising curve
	if got := TimeLeft(ts, xs, 4, 5, lin); got != Infinity {
		t.Errorf("got %v, want Infinity", got)
	}
	// flat curve never reaches anything
	if got := TimeLeft(ts, []float64{5, 5, 5, 5}, 4, 10, lin); got != Infinity {
		t.Errorf("got %v, want Infinity", got)
	}
	if got := TimeLeft([]float64{1}, []float64{7}, 1, 7, lin); got != 0 {
		t.Errorf("single equal sample: got %v, want 0", got)
	}
}

func TestTimeLeft_Polynomial(t *testing.T) {
	ts := []float64{1, 2, 3, 4, 5}
	xs := []float64{1, 4, 9, 16, 25}
	got := TimeLeft(ts, xs, 5, 100, Fit{Kind: FitPolynomial, Degree: 2})
	if !approx(got, 5) {
		t.Errorf("got %v, want 5", got)
	}
}

func TestRealRoots(t *testing.T) {
	// (t-1)(t-2)(t-3) = t^3 - 6t^2 + 11t - 6
	roots := realRoots(polynomial{-6, 11, -6, 1})
	sort.Float64s(roots)
	if len(roots) != 3 {
		t.Fatalf("expected 3 roots, got %v", roots)
	}
	for i, want := range []float64{1, 2, 3} {
		if !approx(roots[i], want) {
			t.Errorf("root %d: got %v, want %v", i, roots[i], want)
		}
	}

	// t^2 + 1 has no real roots
	if roots := realRoots(polynomial{1, 0, 1}); len(roots) != 0 {
		t.Errorf("expected no real roots, got %v", roots)
	}
}

// Package prediction fits curves to a series of samples and extrapolates
// them. It backs the forecast and timeleft trigger functions.
//
// Sample times are elapsed seconds since the oldest sample of the window, so
// every time value is strictly positive.
package prediction

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/xtxerr/vigil/internal/errors"
)

const (
	// MathError is returned when the fit cannot be computed.
	MathError = -1.0

	// Infinity is returned when a threshold is never reached or a
	// forecast exceeds the representable range.
	Infinity = 999999999999.9999

	// MaxPolynomialDegree is the highest supported polynomial degree.
	MaxPolynomialDegree = 6
)

// FitKind selects the curve family.
type FitKind int

const (
	FitLinear FitKind = iota
	FitPolynomial
	FitExponential
	FitLogarithmic
	FitPower
)

// Fit is a curve family plus the polynomial degree where relevant.
type Fit struct {
	Kind   FitKind
	Degree int
}

// String returns the fit as written in function parameters.
func (f Fit) String() string {
	switch f.Kind {
	case FitLinear:
		return "linear"
	case FitPolynomial:
		return "polynomial" + strconv.Itoa(f.Degree)
	case FitExponential:
		return "exponential"
	case FitLogarithmic:
		return "logarithmic"
	case FitPower:
		return "power"
	default:
		return "unknown"
	}
}

// ParseFit parses a fit name. The empty string selects linear.
func ParseFit(s string) (Fit, error) {
	switch s {
	case "", "linear":
		return Fit{Kind: FitLinear, Degree: 1}, nil
	case "exponential":
		return Fit{Kind: FitExponential, Degree: 1}, nil
	case "logarithmic":
		return Fit{Kind: FitLogarithmic, Degree: 1}, nil
	case "power":
		return Fit{Kind: FitPower, Degree: 1}, nil
	}

	if rest, ok := strings.CutPrefix(s, "polynomial"); ok && len(rest) == 1 {
		if d, err := strconv.Atoi(rest); err == nil && d >= 1 && d <= MaxPolynomialDegree {
			return Fit{Kind: FitPolynomial, Degree: d}, nil
		}
	}
	return Fit{}, fmt.Errorf("unknown fit %q: %w", s, errors.ErrParameter)
}

// Mode selects what Forecast reports about the extrapolated interval.
type Mode int

const (
	ModeValue Mode = iota
	ModeMax
	ModeMin
	ModeDelta
	ModeAvg
)

// ParseMode parses a mode name. The empty string selects value.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "value":
		return ModeValue, nil
	case "max":
		return ModeMax, nil
	case "min":
		return ModeMin, nil
	case "delta":
		return ModeDelta, nil
	case "avg":
		return ModeAvg, nil
	}
	return 0, fmt.Errorf("unknown mode %q: %w", s, errors.ErrParameter)
}

// curve is a fitted model.
type curve interface {
	value(t float64) float64
	// integral of the curve over [a, b].
	integral(a, b float64) float64
	// extremes returns min and max of the curve over [a, b].
	extremes(a, b float64) (lo, hi float64)
	// reach returns the earliest t >= from where the curve equals y,
	// or +Inf if there is none.
	reach(y, from float64) float64
}

// fitCurve fits the requested family to the samples.
func fitCurve(t, x []float64, fit Fit) (curve, bool) {
	switch fit.Kind {
	case FitLinear, FitPolynomial:
		k := fit.Degree
		if k < 1 {
			k = 1
		}
		if len(t) <= k {
			k = len(t) - 1
		}
		coef, ok := leastSquares(t, x, k)
		if !ok {
			return nil, false
		}
		return polynomial(coef), true

	case FitExponential:
		lx := make([]float64, len(x))
		for i, v := range x {
			if v <= 0 {
				return nil, false
			}
			lx[i] = math.Log(v)
		}
		coef, ok := leastSquares(t, lx, 1)
		if !ok {
			return nil, false
		}
		return exponential{a: math.Exp(coef[0]), b: coef[1]}, true

	case FitLogarithmic:
		lt := make([]float64, len(t))
		for i, v := range t {
			if v <= 0 {
				return nil, false
			}
			lt[i] = math.Log(v)
		}
		coef, ok := leastSquares(lt, x, 1)
		if !ok {
			return nil, false
		}
		return logarithmic{a: coef[0], b: coef[1]}, true

	case FitPower:
		lt := make([]float64, len(t))
		lx := make([]float64, len(x))
		for i := range t {
			if t[i] <= 0 || x[i] <= 0 {
				return nil, false
			}
			lt[i] = math.Log(t[i])
			lx[i] = math.Log(x[i])
		}
		coef, ok := leastSquares(lt, lx, 1)
		if !ok {
			return nil, false
		}
		return power{a: math.Exp(coef[0]), b: coef[1]}, true
	}
	return nil, false
}

// leastSquares fits a polynomial of degree k and returns its coefficients,
// constant term first. It solves the normal equations by Gaussian
// elimination with partial pivoting.
func leastSquares(t, x []float64, k int) ([]float64, bool) {
	m := k + 1

	// sums[p] = sum of t^p for p in [0, 2k]
	sums := make([]float64, 2*k+1)
	rhs := make([]float64, m)
	for i := range t {
		p := 1.0
		for j := 0; j <= 2*k; j++ {
			sums[j] += p
			if j < m {
				rhs[j] += x[i] * p
			}
			p *= t[i]
		}
	}

	a := make([][]float64, m)
	for i := range a {
		a[i] = make([]float64, m+1)
		for j := 0; j < m; j++ {
			a[i][j] = sums[i+j]
		}
		a[i][m] = rhs[i]
	}

	for col := 0; col < m; col++ {
		pivot := col
		for r := col + 1; r < m; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if a[pivot][col] == 0 {
			return nil, false
		}
		a[col], a[pivot] = a[pivot], a[col]

		for r := col + 1; r < m; r++ {
			f := a[r][col] / a[col][col]
			for c := col; c <= m; c++ {
				a[r][c] -= f * a[col][c]
			}
		}
	}

	coef := make([]float64, m)
	for i := m - 1; i >= 0; i-- {
		s := a[i][m]
		for j := i + 1; j < m; j++ {
			s -= a[i][j] * coef[j]
		}
		coef[i] = s / a[i][i]
		if math.IsNaN(coef[i]) || math.IsInf(coef[i], 0) {
			return nil, false
		}
	}
	return coef, true
}

// polynomial coefficients, constant term first.
type polynomial []float64

func (p polynomial) value(t float64) float64 {
	v := 0.0
	for i := len(p) - 1; i >= 0; i-- {
		v = v*t + p[i]
	}
	return v
}

func (p polynomial) antiderivative(t float64) float64 {
	v := 0.0
	for i := len(p) - 1; i >= 0; i-- {
		v = v*t + p[i]/float64(i+1)
	}
	return v * t
}

func (p polynomial) integral(a, b float64) float64 {
	return p.antiderivative(b) - p.antiderivative(a)
}

func (p polynomial) derivative() polynomial {
	if len(p) <= 1 {
		return polynomial{0}
	}
	d := make(polynomial, len(p)-1)
	for i := 1; i < len(p); i++ {
		d[i-1] = p[i] * float64(i)
	}
	return d
}

func (p polynomial) extremes(a, b float64) (float64, float64) {
	lo, hi := p.value(a), p.value(b)
	if lo > hi {
		lo, hi = hi, lo
	}
	for _, r := range realRoots(p.derivative()) {
		if r <= a || r >= b {
			continue
		}
		v := p.value(r)
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

func (p polynomial) reach(y, from float64) float64 {
	q := make(polynomial, len(p))
	copy(q, p)
	q[0] -= y

	best := math.Inf(1)
	for _, r := range realRoots(q) {
		if r >= from && r < best {
			best = r
		}
	}
	return best
}

// exponential is a*e^(b*t).
type exponential struct{ a, b float64 }

func (e exponential) value(t float64) float64 { return e.a * math.Exp(e.b*t) }

func (e exponential) integral(a, b float64) float64 {
	if e.b == 0 {
		return e.a * (b - a)
	}
	return e.a / e.b * (math.Exp(e.b*b) - math.Exp(e.b*a))
}

func (e exponential) extremes(a, b float64) (float64, float64) { return monotonic(e, a, b) }

func (e exponential) reach(y, from float64) float64 {
	if y <= 0 || e.b == 0 {
		return math.Inf(1)
	}
	return atOrAfter((math.Log(y)-math.Log(e.a))/e.b, from)
}

// logarithmic is a + b*ln(t).
type logarithmic struct{ a, b float64 }

func (l logarithmic) value(t float64) float64 { return l.a + l.b*math.Log(t) }

func (l logarithmic) integral(a, b float64) float64 {
	anti := func(t float64) float64 { return l.a*t + l.b*(t*math.Log(t)-t) }
	return anti(b) - anti(a)
}

func (l logarithmic) extremes(a, b float64) (float64, float64) { return monotonic(l, a, b) }

func (l logarithmic) reach(y, from float64) float64 {
	if l.b == 0 {
		return math.Inf(1)
	}
	return atOrAfter(math.Exp((y-l.a)/l.b), from)
}

// power is a*t^b.
type power struct{ a, b float64 }

func (p power) value(t float64) float64 { return p.a * math.Pow(t, p.b) }

func (p power) integral(a, b float64) float64 {
	if p.b == -1 {
		return p.a * (math.Log(b) - math.Log(a))
	}
	e := p.b + 1
	return p.a / e * (math.Pow(b, e) - math.Pow(a, e))
}

func (p power) extremes(a, b float64) (float64, float64) { return monotonic(p, a, b) }

func (p power) reach(y, from float64) float64 {
	if y <= 0 || p.b == 0 {
		return math.Inf(1)
	}
	return atOrAfter(math.Exp((math.Log(y)-math.Log(p.a))/p.b), from)
}

func monotonic(c curve, a, b float64) (float64, float64) {
	lo, hi := c.value(a), c.value(b)
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi
}

func atOrAfter(t, from float64) float64 {
	if math.IsNaN(t) || t < from {
		return math.Inf(1)
	}
	return t
}

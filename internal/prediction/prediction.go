package prediction

import (
	"math"
)

// Forecast fits the samples (t[i], x[i]) and reports on the interval
// [now, now+horizon] according to mode. It returns MathError when the fit
// cannot be computed and clamps results to ±Infinity.
func Forecast(t, x []float64, now, horizon float64, fit Fit, mode Mode) float64 {
	if len(t) == 0 || len(t) != len(x) {
		return MathError
	}

	if len(t) == 1 {
		if mode == ModeDelta {
			return 0
		}
		return x[0]
	}

	c, ok := fitCurve(t, x, fit)
	if !ok {
		return MathError
	}

	end := now + horizon
	var result float64
	switch mode {
	case ModeValue:
		result = c.value(end)
	case ModeMax:
		_, result = c.extremes(now, end)
	case ModeMin:
		result, _ = c.extremes(now, end)
	case ModeDelta:
		lo, hi := c.extremes(now, end)
		result = hi - lo
	case ModeAvg:
		if horizon == 0 {
			result = c.value(now)
		} else {
			result = c.integral(now, end) / horizon
		}
	default:
		return MathError
	}

	return clamp(result)
}

// TimeLeft returns the number of seconds after now at which the fitted curve
// first reaches threshold, or Infinity if it never does.
func TimeLeft(t, x []float64, now, threshold float64, fit Fit) float64 {
	if len(t) == 0 || len(t) != len(x) {
		return MathError
	}

	if len(t) == 1 {
		if x[0] == threshold {
			return 0
		}
		return Infinity
	}

	c, ok := fitCurve(t, x, fit)
	if !ok {
		return MathError
	}

	at := c.reach(threshold, now)
	if math.IsNaN(at) {
		return MathError
	}
	if math.IsInf(at, 1) {
		return Infinity
	}
	return clamp(at - now)
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return MathError
	case v > Infinity:
		return Infinity
	case v < -Infinity:
		return -Infinity
	}
	return v
}

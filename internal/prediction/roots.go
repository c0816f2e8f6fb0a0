package prediction

import (
	"math"
	"math/cmplx"
)

const (
	rootIterations = 1000
	rootTolerance  = 1e-12
	imagTolerance  = 1e-6
)

// realRoots returns the real roots of p, found with the Durand-Kerner
// method. Leading zero coefficients are ignored.
func realRoots(p polynomial) []float64 {
	deg := len(p) - 1
	for deg > 0 && p[deg] == 0 {
		deg--
	}
	switch deg {
	case 0:
		return nil
	case 1:
		return []float64{-p[0] / p[1]}
	}

	// monic coefficients, constant term first
	lead := p[deg]
	c := make([]complex128, deg+1)
	for i := 0; i <= deg; i++ {
		c[i] = complex(p[i]/lead, 0)
	}

	eval := func(z complex128) complex128 {
		v := c[deg]
		for i := deg - 1; i >= 0; i-- {
			v = v*z + c[i]
		}
		return v
	}

	z := make([]complex128, deg)
	seed := complex(0.4, 0.9)
	z[0] = 1
	for i := 1; i < deg; i++ {
		z[i] = z[i-1] * seed
	}

	for iter := 0; iter < rootIterations; iter++ {
		maxStep := 0.0
		for i := range z {
			den := complex(1, 0)
			for j := range z {
				if i != j {
					den *= z[i] - z[j]
				}
			}
			if den == 0 {
				den = complex(rootTolerance, 0)
			}
			step := eval(z[i]) / den
			z[i] -= step
			if s := cmplx.Abs(step); s > maxStep {
				maxStep = s
			}
		}
		if maxStep < rootTolerance {
			break
		}
	}

	var roots []float64
	for _, r := range z {
		if math.Abs(imag(r)) <= imagTolerance*math.Max(1, math.Abs(real(r))) {
			roots = append(roots, real(r))
		}
	}
	return roots
}

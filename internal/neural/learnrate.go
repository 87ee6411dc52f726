package neural

import "math"

// M is the learning-rate peak multiplier from spec.md §4.8.
const M = 0.8

// etaCutoff is the value below which the learning rate is considered
// decayed enough to stop mattering.
const etaCutoff = 0.01

// eulerE avoids importing math/cmplx for a single constant.
const eulerE = math.E

// Eta computes the learning rate at step k for a schedule with horizon T.
func Eta(k int, t float64) float64 {
	if t <= 0 {
		return 0
	}
	ratio := float64(k) / t
	return M * ratio * math.Exp(1-ratio)
}

// LambertWm1 evaluates the lower (W_{-1}) branch of the Lambert W function
// on (-1/e, 0) using the Chapeau-Blondeau-Monir series approximation, the
// closed form spec.md §9 names for deriving the SOM training horizon T.
func LambertWm1(x float64) float64 {
	if x >= 0 || x < -1/math.E {
		return math.NaN()
	}
	// Chapeau-Blondeau & Monir (2002) give a rational/log series in
	// p = -sqrt(2*(1+e*x)); accurate to within 1e-5 over the branch's
	// practical domain, refined here with a few Newton corrections since
	// we only need a handful of evaluations per training run.
	p := -math.Sqrt(2 * (1 + eulerE*x))
	w := -1 + p - p*p/3 + 11*p*p*p/72

	for i := 0; i < 8; i++ {
		ew := math.Exp(w)
		num := w*ew - x
		den := ew * (w + 1)
		if den == 0 {
			break
		}
		wNext := w - num/den
		if math.Abs(wNext-w) < 1e-14 {
			w = wNext
			break
		}
		w = wNext
	}
	return w
}

// TrainingHorizon derives T analytically so that after N steps, Eta(N, T)
// has decayed to etaCutoff: T = -N / W_{-1}(-N / K), K = M*N*e/cutoff
// (spec.md §4.8 / §9).
func TrainingHorizon(n int) float64 {
	if n <= 0 {
		return 1
	}
	k := M * float64(n) * math.E / etaCutoff
	w := LambertWm1(-float64(n) / k)
	if w == 0 || math.IsNaN(w) {
		return float64(n)
	}
	return -float64(n) / w
}

package analyzer

import "math"

// ClampControl limits a user-supplied numeric control to [lo, hi].
// NaN and infinities are treated as 0 before clamping.
func ClampControl(v, lo, hi float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = 0
	}
	return math.Min(math.Max(v, lo), hi)
}

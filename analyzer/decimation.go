package analyzer

import "math"

// OffCPUBucket computes the decimation bucket width from the off-CPU display scale
// (0 = no off-CPU periods, 1 = every period) and the runtime of the tree root.
//
// enabled is false when scale <= 0: no off-CPU interval is emitted anywhere.
// A zero bucket keeps every interval.
func OffCPUBucket(scale, rootRuntime float64) (bucket float64, enabled bool) {
	if scale <= 0 || math.IsNaN(scale) {
		return 0, false
	}
	if scale >= 1 {
		return 0, true
	}

	bucket = math.Round(math.Pow(1-scale, 3) * rootRuntime)
	if bucket < 0 {
		// Root still running at the end of profiling (runtime -1).
		bucket = 0
	}
	return bucket, true
}

// KeepOffCPUInterval reports whether the off-CPU interval [start, end) is rendered
// for the given bucket: intervals starting or ending on a bucket boundary, or
// straddling one, are kept. Dropped intervals are not merged into anything.
func KeepOffCPUInterval(start, end, bucket float64) bool {
	if bucket == 0 {
		return true
	}
	return math.Mod(start, bucket) == 0 ||
		math.Mod(end, bucket) == 0 ||
		math.Floor(start/bucket) != math.Floor(end/bucket)
}

// DecimateOffCPU returns the indices of the intervals kept for the bucket.
func DecimateOffCPU(intervals OffCPUIntervals, bucket float64) []int {
	kept := make([]int, 0, len(intervals))
	for i, iv := range intervals {
		if KeepOffCPUInterval(iv.Start, iv.End(), bucket) {
			kept = append(kept, i)
		}
	}
	return kept
}

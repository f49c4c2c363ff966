package model

import "math"

// NormalizeWeights scales a weight list so it sums to 100, rounding each
// share up. Zero and negative weights stay zero. An all-zero list returns
// all zeros.
func NormalizeWeights(weights []int) []int {
	total := 0
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	out := make([]int, len(weights))
	if total == 0 {
		return out
	}
	for i, w := range weights {
		if w > 0 {
			out[i] = int(math.Ceil(float64(w) / float64(total) * 100))
		}
	}
	return out
}

// CumulativeThresholds converts normalized weights into half-open percentage
// ranges [start, end) covering [0, 100). Rounding overshoot is clamped so the
// last non-zero range ends at exactly 100.
func CumulativeThresholds(weights []int) [][2]int {
	out := make([][2]int, len(weights))
	start := 0
	for i, w := range weights {
		end := start + w
		if end > 100 {
			end = 100
		}
		out[i] = [2]int{start, end}
		start = end
	}
	if start < 100 {
		// assign the remainder to the last non-empty range
		for i := len(out) - 1; i >= 0; i-- {
			if out[i][1] > out[i][0] {
				out[i][1] = 100
				break
			}
		}
	}
	return out
}

// PercentBucket maps a string to a stable bucket in [0, 100) using the djb2
// hash. Used to carve recipient populations into percentage slices that stay
// stable across runs.
func PercentBucket(s string) int {
	var h uint32 = 5381
	for i := 0; i < len(s); i++ {
		h = h*33 + uint32(s[i])
	}
	return int(h % 100)
}

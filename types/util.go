package types

import "math"

func logInt(n int) float64 {
	return math.Log(float64(n))
}

func copyVector(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	return out
}

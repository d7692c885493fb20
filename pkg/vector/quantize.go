package vector

import "math"

// Quantize maps a float32 component clamped to [-1, 1] onto a single byte
// using the fixed formula round((clamp(x,-1,1)+1)*127.5). Unlike the
// teacher's ScalarQuantizer, this requires no training pass: the mapping is
// the same for every vector regardless of the data it was drawn from.
func Quantize(x float32) uint8 {
	c := float64(x)
	if c < -1 {
		c = -1
	} else if c > 1 {
		c = 1
	}
	return uint8(math.Round((c + 1) * 127.5))
}

// Dequantize inverts Quantize, returning the midpoint of the byte's range
// in [-1, 1].
func Dequantize(b uint8) float32 {
	return float32(float64(b)/127.5 - 1)
}

// QuantizeVector applies Quantize componentwise.
func QuantizeVector(v []float32) []uint8 {
	out := make([]uint8, len(v))
	for i, x := range v {
		out[i] = Quantize(x)
	}
	return out
}

// DequantizeVector applies Dequantize componentwise.
func DequantizeVector(q []uint8) []float32 {
	out := make([]float32, len(q))
	for i, b := range q {
		out[i] = Dequantize(b)
	}
	return out
}

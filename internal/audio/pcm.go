package audio

import (
	"encoding/binary"
	"math"
)

// Clamp limits v to [-1, 1] and maps non-finite values to silence.
func Clamp(v float64) float32 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	if v > 1 {
		return 1
	} else if v < -1 {
		return -1
	}
	return float32(v)
}

// FloatToInt16 converts float32 samples to int16, clipping to the int16 range.
func FloatToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := float64(s) * 32767
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

// DecodePCM16 decodes little-endian signed 16-bit PCM into float32 samples.
// A trailing odd byte is ignored.
func DecodePCM16(buf []byte) []float32 {
	n := len(buf) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = float32(int16(binary.LittleEndian.Uint16(buf[i*2:]))) / 32768
	}
	return out
}

// EncodeFloat32 writes samples as little-endian IEEE-754 float32 into dst,
// which must hold at least 4*len(samples) bytes. It returns the bytes written.
func EncodeFloat32(dst []byte, samples []float32) int {
	for i, s := range samples {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(s))
	}
	return len(samples) * 4
}

// DecodeFloat32 reads little-endian float32 samples from src into dst and
// returns the number of samples decoded.
func DecodeFloat32(dst []float32, src []byte) int {
	n := len(src) / 4
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	return n
}

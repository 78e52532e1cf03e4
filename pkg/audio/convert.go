package audio

import "math"

// PCM16ToFloat32 decodes little-endian PCM16 bytes into float32 samples in
// [-1, 1) by dividing each sample by 32768. Empty input yields an empty
// (non-nil) slice. A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToPCM16 encodes float32 samples into little-endian PCM16 bytes.
// Samples are clamped to [-1, 1] before scaling by 32768 and rounding to the
// nearest integer, then clamped again to the int16 range. Round-tripping
// through [PCM16ToFloat32] reconstructs the original buffer exactly.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		v := math.Round(float64(f) * 32768.0)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		s := int16(v)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// ResampleUp3x upsamples by a factor of three using linear interpolation:
// two interpolated samples are inserted between each original pair. For an
// input of n ≥ 2 samples the output has 3n-2 samples; shorter inputs are
// returned as a copy. Used to bridge 16 kHz ingest audio up to the 48 kHz
// domain of the in-process denoiser. Intentionally unfiltered.
func ResampleUp3x(samples []float32) []float32 {
	n := len(samples)
	if n < 2 {
		out := make([]float32, n)
		copy(out, samples)
		return out
	}
	out := make([]float32, 3*n-2)
	for i := 0; i < n-1; i++ {
		a, b := samples[i], samples[i+1]
		out[i*3] = a
		out[i*3+1] = a + (b-a)/3
		out[i*3+2] = a + 2*(b-a)/3
	}
	out[len(out)-1] = samples[n-1]
	return out
}

// ResampleDown3x decimates by a factor of three, keeping every third sample
// starting from the first. Bridges 48 kHz denoiser output back down to the
// 16 kHz pipeline domain. Intentionally unfiltered; see the package comment.
func ResampleDown3x(samples []float32) []float32 {
	n := (len(samples) + 2) / 3
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = samples[i*3]
	}
	return out
}

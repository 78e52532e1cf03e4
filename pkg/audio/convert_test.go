package audio

import (
	"bytes"
	"math"
	"testing"
)

func TestPCM16ToFloat32_Empty(t *testing.T) {
	out := PCM16ToFloat32(nil)
	if out == nil || len(out) != 0 {
		t.Fatalf("PCM16ToFloat32(nil) = %v, want empty slice", out)
	}
}

func TestPCM16RoundTrip(t *testing.T) {
	// Cover the full int16 range including the extremes.
	pcm := make([]byte, 0, 6)
	for _, s := range []int16{-32768, -12345, -1, 0, 1, 127, 12345, 32767} {
		pcm = append(pcm, byte(s), byte(s>>8))
	}

	back := Float32ToPCM16(PCM16ToFloat32(pcm))
	if !bytes.Equal(back, pcm) {
		t.Fatalf("round trip mismatch:\n got %v\nwant %v", back, pcm)
	}
}

func TestPCM16RoundTrip_AllValues(t *testing.T) {
	pcm := make([]byte, 0, 65536*2)
	for s := -32768; s <= 32767; s++ {
		pcm = append(pcm, byte(s), byte(s>>8))
	}
	back := Float32ToPCM16(PCM16ToFloat32(pcm))
	for i := 0; i < len(pcm); i += 2 {
		want := int16(pcm[i]) | int16(pcm[i+1])<<8
		got := int16(back[i]) | int16(back[i+1])<<8
		if d := int(got) - int(want); d > 1 || d < -1 {
			t.Fatalf("sample %d: got %d, want %d (±1)", i/2, got, want)
		}
	}
}

func TestFloat32ToPCM16_Clamps(t *testing.T) {
	out := Float32ToPCM16([]float32{2.5, -3.0})
	hi := int16(out[0]) | int16(out[1])<<8
	lo := int16(out[2]) | int16(out[3])<<8
	if hi != 32767 {
		t.Errorf("over-range sample = %d, want 32767", hi)
	}
	if lo != -32768 {
		t.Errorf("under-range sample = %d, want -32768", lo)
	}
}

func TestResampleUp3x_Interpolates(t *testing.T) {
	out := ResampleUp3x([]float32{0, 3})
	want := []float32{0, 1, 2, 3}
	if len(out) != len(want) {
		t.Fatalf("len = %d, want %d", len(out), len(want))
	}
	for i := range want {
		if math.Abs(float64(out[i]-want[i])) > 1e-6 {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestResample3x_RoundTripLength(t *testing.T) {
	for _, n := range []int{0, 1, 2, 3, 7, 160, 480, 512, 1023} {
		in := make([]float32, n)
		for i := range in {
			in[i] = float32(math.Sin(float64(i) / 7))
		}
		out := ResampleDown3x(ResampleUp3x(in))
		if d := len(out) - n; d > 1 || d < -1 {
			t.Errorf("n=%d: round trip length %d, want %d±1", n, len(out), n)
		}
	}
}

func TestResampleDown3x_KeepsEveryThird(t *testing.T) {
	in := []float32{0, 1, 2, 3, 4, 5, 6, 7}
	out := ResampleDown3x(in)
	want := []float32{0, 3, 6}
	if len(out) != len(want) {
		t.Fatalf("len = %d, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestResample3x_PreservesOriginalSamples(t *testing.T) {
	in := []float32{0.5, -0.25, 0.75, 0.1}
	out := ResampleDown3x(ResampleUp3x(in))
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}
}

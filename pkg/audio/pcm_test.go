package audio_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/voxgate/voxgate/pkg/audio"
)

// samplesToBytes converts int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestInt16LEToFloat32(t *testing.T) {
	t.Parallel()

	in := samplesToBytes([]int16{0, 16384, -16384, 32767, -32768})
	got := audio.Int16LEToFloat32(in)

	want := []float32{0, 0.5, -0.5, 32767.0 / 32768.0, -1.0}
	if len(got) != len(want) {
		t.Fatalf("got %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestInt16LEToFloat32OddTrailingByte(t *testing.T) {
	t.Parallel()

	in := append(samplesToBytes([]int16{100, 200}), 0x7f)
	got := audio.Int16LEToFloat32(in)
	if len(got) != 2 {
		t.Fatalf("got %d samples, want 2 (odd trailing byte ignored)", len(got))
	}
}

func TestFloat32ToInt16LERoundTrip(t *testing.T) {
	t.Parallel()

	samples := []float32{0, 0.25, -0.25, 0.999, -1.0}
	pcm := audio.Float32ToInt16LE(samples)
	back := audio.Int16LEToFloat32(pcm)

	for i := range samples {
		if math.Abs(float64(back[i]-samples[i])) > 1.0/32768.0 {
			t.Errorf("sample %d: round trip %v -> %v", i, samples[i], back[i])
		}
	}
}

func TestFloat32ToInt16LEClamps(t *testing.T) {
	t.Parallel()

	pcm := audio.Float32ToInt16LE([]float32{2.0, -2.0})
	hi := int16(binary.LittleEndian.Uint16(pcm[0:]))
	lo := int16(binary.LittleEndian.Uint16(pcm[2:]))
	if hi != 32767 {
		t.Errorf("positive overflow: got %d, want 32767", hi)
	}
	if lo != -32768 {
		t.Errorf("negative overflow: got %d, want -32768", lo)
	}
}

func TestAppendTail(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		buf   []float32
		chunk []float32
		max   int
		want  []float32
	}{
		{"under capacity", []float32{1}, []float32{2, 3}, 5, []float32{1, 2, 3}},
		{"exact capacity", []float32{1, 2}, []float32{3}, 3, []float32{1, 2, 3}},
		{"keeps tail", []float32{1, 2, 3}, []float32{4, 5}, 3, []float32{3, 4, 5}},
		{"zero max empties", []float32{1, 2}, []float32{3}, 0, nil},
		{"negative max empties", []float32{1}, nil, -1, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := audio.AppendTail(append([]float32(nil), tt.buf...), tt.chunk, tt.max)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

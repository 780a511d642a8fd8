// Package audio provides PCM sample conversion helpers for the ingest path.
// The client protocol fixes the wire format to little-endian int16 mono, so
// the pipeline works on float32 samples in [-1, 1) everywhere past the socket.
package audio

// Int16LEToFloat32 decodes little-endian int16 PCM into float32 samples
// scaled by 1/32768. An odd trailing byte is ignored.
func Int16LEToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToInt16LE encodes float32 samples into little-endian int16 PCM,
// clamping to the int16 range.
func Float32ToInt16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		v := int32(f * 32768.0)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// AppendTail appends chunk to buf and keeps only the trailing max samples,
// reusing buf's storage. max <= 0 empties the buffer.
func AppendTail(buf, chunk []float32, max int) []float32 {
	if max <= 0 {
		return buf[:0]
	}
	buf = append(buf, chunk...)
	if len(buf) > max {
		n := copy(buf, buf[len(buf)-max:])
		buf = buf[:n]
	}
	return buf
}

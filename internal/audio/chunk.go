package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrInvalidAudio marks a chunk that cannot be classified: empty, misaligned or non-finite.
	ErrInvalidAudio = errors.New("invalid audio")
	// ErrBufferOverflow is returned when an append would pass the accumulator's hard cap.
	ErrBufferOverflow = errors.New("audio buffer overflow")
)

// Chunk is one inbound transport message decoded to normalized mono samples.
type Chunk struct {
	Samples    []float32
	SampleRate int
	ReceivedAt time.Time
}

// NewChunk decodes 16-bit little-endian PCM into a Chunk.
func NewChunk(pcm []byte, sampleRate int) (Chunk, error) {
	samples, err := DecodePCM16(pcm)
	if err != nil {
		return Chunk{}, err
	}
	return Chunk{Samples: samples, SampleRate: sampleRate, ReceivedAt: time.Now()}, nil
}

// Duration is the playback length of the chunk.
func (c Chunk) Duration() time.Duration {
	return SamplesDuration(len(c.Samples), c.SampleRate)
}

// SamplesDuration converts a sample count at rate to a duration.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}

// SamplesFor is the inverse of SamplesDuration, rounded down.
func SamplesFor(d time.Duration, rate int) int {
	return int(int64(d) * int64(rate) / int64(time.Second))
}

// DecodePCM16 converts little-endian signed 16-bit PCM to samples in [-1, 1).
func DecodePCM16(pcm []byte) ([]float32, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidAudio)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: pcm payload not aligned (%d bytes)", ErrInvalidAudio, len(pcm))
	}
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return samples, nil
}

// EncodePCM16 converts samples back to little-endian 16-bit PCM, clipping to range.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(toInt16(s)))
	}
	return out
}

func toInt16(s float32) int16 {
	v := math.Round(float64(s) * 32768.0)
	if v > math.MaxInt16 {
		v = math.MaxInt16
	}
	if v < math.MinInt16 {
		v = math.MinInt16
	}
	return int16(v)
}

package audio

import (
	"fmt"
	"time"
)

// Accumulator holds the unflushed samples of one session. It is owned by a
// single goroutine and performs no locking.
type Accumulator struct {
	sampleRate int
	hardCap    int
	samples    []float32
}

// NewAccumulator creates an empty buffer that refuses to grow past hardCap.
func NewAccumulator(sampleRate int, hardCap time.Duration) *Accumulator {
	capSamples := SamplesFor(hardCap, sampleRate)
	initial := sampleRate * 2
	if initial > capSamples {
		initial = capSamples
	}
	return &Accumulator{
		sampleRate: sampleRate,
		hardCap:    capSamples,
		samples:    make([]float32, 0, initial),
	}
}

// Append adds samples to the end of the buffer. On overflow the buffer is left untouched.
func (a *Accumulator) Append(samples []float32) error {
	if len(a.samples)+len(samples) > a.hardCap {
		return fmt.Errorf("%w: %d buffered + %d new samples exceeds cap of %d",
			ErrBufferOverflow, len(a.samples), len(samples), a.hardCap)
	}
	a.samples = append(a.samples, samples...)
	return nil
}

// Snapshot returns a copy of the buffered samples for transcription.
func (a *Accumulator) Snapshot() []float32 {
	return append([]float32(nil), a.samples...)
}

// Clear drops all buffered samples.
func (a *Accumulator) Clear() {
	a.samples = a.samples[:0]
}

func (a *Accumulator) Len() int { return len(a.samples) }

func (a *Accumulator) SampleRate() int { return a.sampleRate }

func (a *Accumulator) Duration() time.Duration {
	return SamplesDuration(len(a.samples), a.sampleRate)
}

// HardCap is the largest buffer the accumulator will hold.
func (a *Accumulator) HardCap() time.Duration {
	return SamplesDuration(a.hardCap, a.sampleRate)
}

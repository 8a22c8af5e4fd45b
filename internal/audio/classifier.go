package audio

import (
	"fmt"
	"math"
	"time"
)

// DefaultSilenceThreshold is the RMS level below which a chunk counts as silent.
const DefaultSilenceThreshold = 0.01

// Verdict is the silence/speech label for one chunk.
type Verdict struct {
	Duration time.Duration
	Silence  bool
	RMS      float64
}

// Classifier labels chunks by comparing their RMS energy against a threshold.
type Classifier struct {
	threshold float64
}

func NewClassifier(threshold float64) *Classifier {
	if threshold <= 0 {
		threshold = DefaultSilenceThreshold
	}
	return &Classifier{threshold: threshold}
}

func (c *Classifier) Threshold() float64 { return c.threshold }

// Classify computes the chunk's RMS and labels it. It has no side effects.
func (c *Classifier) Classify(chunk Chunk) (Verdict, error) {
	if chunk.SampleRate <= 0 {
		return Verdict{}, fmt.Errorf("%w: sample rate %d", ErrInvalidAudio, chunk.SampleRate)
	}
	rms, err := RMS(chunk.Samples)
	if err != nil {
		return Verdict{}, err
	}
	return Verdict{
		Duration: chunk.Duration(),
		Silence:  rms < c.threshold,
		RMS:      rms,
	}, nil
}

// RMS returns the root-mean-square amplitude of samples.
func RMS(samples []float32) (float64, error) {
	if len(samples) == 0 {
		return 0, fmt.Errorf("%w: no samples", ErrInvalidAudio)
	}
	var sum float64
	for i, s := range samples {
		v := float64(s)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("%w: non-finite sample at index %d", ErrInvalidAudio, i)
		}
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples))), nil
}

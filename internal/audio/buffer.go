package audio

import (
	"errors"
	"fmt"
)

var (
	ErrNotLoaded   = errors.New("buffer not loaded")
	ErrEmptyBuffer = errors.New("buffer has no frames")
	ErrInvalidWav  = errors.New("invalid wav file")
)

// Buffer is decoded, ready-to-play audio. Samples are per channel,
// normalised to [-1,1].
type Buffer struct {
	Ref        string
	ID         int // backend buffer number, reversed twins use ID+1
	Reversed   bool
	SampleRate int
	Samples    [][]float32
}

func (b *Buffer) Frames() int {
	if b == nil || len(b.Samples) == 0 {
		return 0
	}
	return len(b.Samples[0])
}

func (b *Buffer) NumChannels() int {
	return len(b.Samples)
}

// Duration in seconds
func (b *Buffer) Duration() float64 {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// NewBuffer validates and wraps decoded samples
func NewBuffer(ref string, sampleRate int, samples [][]float32) (*Buffer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%s: sample rate %d", ref, sampleRate)
	}
	if len(samples) == 0 || len(samples[0]) == 0 {
		return nil, fmt.Errorf("%s: %w", ref, ErrEmptyBuffer)
	}
	for i, ch := range samples {
		if len(ch) != len(samples[0]) {
			return nil, fmt.Errorf("%s: channel %d has %d frames, want %d", ref, i, len(ch), len(samples[0]))
		}
	}
	return &Buffer{Ref: ref, SampleRate: sampleRate, Samples: samples}, nil
}

// ReversedTwin returns the time-reversed copy of b
func (b *Buffer) ReversedTwin() *Buffer {
	out := &Buffer{
		Ref:        b.Ref,
		ID:         b.ID + 1,
		Reversed:   !b.Reversed,
		SampleRate: b.SampleRate,
		Samples:    make([][]float32, len(b.Samples)),
	}
	for c, ch := range b.Samples {
		rev := make([]float32, len(ch))
		for i, v := range ch {
			rev[len(ch)-1-i] = v
		}
		out.Samples[c] = rev
	}
	return out
}

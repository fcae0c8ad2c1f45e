// Package supercollider plays scheduled triggers on a SuperCollider sampler
// over OSC. Every call is sent as a timetagged bundle so the server starts
// the voice at the exact scheduled time regardless of network jitter.
package supercollider

import (
	"fmt"
	"log"
	"time"

	"github.com/hypebeast/go-osc/osc"

	"github.com/schollz/stepcollider/internal/audio"
	"github.com/schollz/stepcollider/internal/dispatch"
)

// Sender is satisfied by *osc.Client
type Sender interface {
	Send(packet osc.Packet) error
}

// WallClock maps an engine clock time onto wall time for the timetag
type WallClock func(t float64) time.Time

type Sink struct {
	client Sender
	wall   WallClock
}

// New sends to a SuperCollider language or server listening on host:port
func New(host string, port int, wall WallClock) *Sink {
	log.Printf("supercollider: sending to %s:%d", host, port)
	return NewWithSender(osc.NewClient(host, port), wall)
}

func NewWithSender(client Sender, wall WallClock) *Sink {
	return &Sink{client: client, wall: wall}
}

// VoiceID names one play so a later stop can find it
func VoiceID(p dispatch.Play) int32 {
	return int32((p.Cycle*64 + uint64(p.Channel)) & 0x7fffffff)
}

// PlayMessage is /play voice bufnum channel offset duration rate gain
func PlayMessage(p dispatch.Play) *osc.Message {
	msg := osc.NewMessage("/play")
	msg.Append(VoiceID(p))
	msg.Append(int32(p.Buffer.ID))
	msg.Append(int32(p.Channel))
	msg.Append(float32(p.Offset))
	msg.Append(float32(p.Duration))
	msg.Append(float32(p.Rate))
	msg.Append(float32(p.Gain))
	return msg
}

// StopMessage is /stop voice
func StopMessage(p dispatch.Play) *osc.Message {
	return osc.NewMessage("/stop", VoiceID(p))
}

// LoadMessage asks the server to read a file into the buffer's number.
// The reversed flag tells it to reverse the frames after reading.
func LoadMessage(b *audio.Buffer, path string) *osc.Message {
	rev := int32(0)
	if b.Reversed {
		rev = 1
	}
	return osc.NewMessage("/load", int32(b.ID), path, rev)
}

func (s *Sink) bundle(at float64, msg *osc.Message) error {
	b := osc.NewBundle(s.wall(at))
	if err := b.Append(msg); err != nil {
		return err
	}
	return s.client.Send(b)
}

func (s *Sink) Play(p dispatch.Play) error {
	if p.Buffer == nil {
		return fmt.Errorf("play ch=%d: %w", p.Channel, audio.ErrNotLoaded)
	}
	return s.bundle(p.When, PlayMessage(p))
}

// Stop frees the voice at time at. The server drops a /stop for a voice
// it has not started, so a play that has not begun yet is stopped at its
// own start time instead; equal timetags run in arrival order, so the
// synth is freed right as it is created.
func (s *Sink) Stop(p dispatch.Play, at float64) error {
	if at < p.When {
		at = p.When
	}
	return s.bundle(at, StopMessage(p))
}

// Load sends both the normal buffer and its reversed twin
func (s *Sink) Load(b *audio.Buffer, path string) error {
	if err := s.client.Send(LoadMessage(b, path)); err != nil {
		return err
	}
	return s.client.Send(LoadMessage(b.ReversedTwin(), path))
}

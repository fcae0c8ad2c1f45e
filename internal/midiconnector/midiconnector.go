// Package midiconnector plays scheduled triggers as MIDI notes, one note
// per channel, for drum machines and hardware samplers.
package midiconnector

import (
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2"

	"github.com/schollz/stepcollider/internal/dispatch"
)

var ErrNoDevice = errors.New("midi device not found")

// BaseNote is the note played by channel 0 (C1, the usual kick pad)
const BaseNote = 36

// Devices lists the names of the MIDI output ports
func Devices() []string {
	outs := midi.GetOutPorts()
	names := make([]string, len(outs))
	for i, out := range outs {
		names[i] = out.String()
	}
	return names
}

// Note maps a play onto a MIDI key and velocity. A velocity of 0 means the
// play is silent and no note is sent.
func Note(p dispatch.Play) (key, velocity uint8) {
	k := BaseNote + p.Channel
	if k > 127 {
		k = 127
	}
	v := math.Round(p.Gain * 127)
	if v < 0 || math.IsNaN(v) {
		v = 0
	}
	if v > 127 {
		v = 127
	}
	return uint8(k), uint8(v)
}

// voice holds the cancel functions of one play's pending messages
type voice struct {
	on, off func() bool
}

type Sink struct {
	mu      sync.Mutex
	send    func(midi.Message) error
	channel uint8
	wall    func(float64) time.Time
	now     func() time.Time
	after   func(time.Duration, func()) func() bool
	voices  map[dispatch.Occurrence]*voice
}

// Open connects to the first output port whose name contains name
func Open(name string, channel uint8, wall func(float64) time.Time) (*Sink, error) {
	for _, out := range midi.GetOutPorts() {
		if !strings.Contains(strings.ToLower(out.String()), strings.ToLower(name)) {
			continue
		}
		send, err := midi.SendTo(out)
		if err != nil {
			return nil, fmt.Errorf("failed to open port %s: %w", out.String(), err)
		}
		log.Printf("midiconnector: sending to %s channel %d", out.String(), channel+1)
		return New(send, channel, wall), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNoDevice, name)
}

// New wraps a send function such as the one returned by midi.SendTo.
// MIDI has no timestamps, so each message is held back until its time.
func New(send func(midi.Message) error, channel uint8, wall func(float64) time.Time) *Sink {
	return &Sink{
		send:    send,
		channel: channel & 0x0f,
		wall:    wall,
		now:     time.Now,
		after: func(d time.Duration, fn func()) func() bool {
			return time.AfterFunc(d, fn).Stop
		},
		voices: make(map[dispatch.Occurrence]*voice),
	}
}

// at sends msg at clock time t and returns a function that cancels it if
// it has not gone out yet. done runs under the lock after sending.
func (s *Sink) at(t float64, msg midi.Message, done func()) func() bool {
	d := s.wall(t).Sub(s.now())
	return s.after(d, func() {
		s.mu.Lock()
		err := s.send(msg)
		if done != nil {
			done()
		}
		s.mu.Unlock()
		if err != nil {
			log.Printf("midiconnector: send %v: %v", msg, err)
		}
	})
}

func (s *Sink) Play(p dispatch.Play) error {
	key, vel := Note(p)
	if vel == 0 {
		return nil
	}
	v := &voice{}
	s.mu.Lock()
	s.voices[p.Occurrence] = v
	s.mu.Unlock()

	on := s.at(p.When, midi.NoteOn(s.channel, key, vel), nil)
	off := s.at(p.StopAt, midi.NoteOff(s.channel, key), func() {
		if s.voices[p.Occurrence] == v {
			delete(s.voices, p.Occurrence)
		}
	})

	s.mu.Lock()
	v.on, v.off = on, off
	s.mu.Unlock()
	return nil
}

// Stop cancels the pending messages of p. A note that never started sends
// nothing; a sounding one gets its NoteOff moved to at.
func (s *Sink) Stop(p dispatch.Play, at float64) error {
	s.mu.Lock()
	v := s.voices[p.Occurrence]
	delete(s.voices, p.Occurrence)
	s.mu.Unlock()

	if v != nil && v.off != nil {
		v.off()
		if v.on != nil && v.on() {
			return nil
		}
	}
	key, _ := Note(p)
	s.at(at, midi.NoteOff(s.channel, key), nil)
	return nil
}

// Close releases the MIDI driver
func Close() {
	midi.CloseDriver()
}

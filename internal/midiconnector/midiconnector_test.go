package midiconnector

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gitlab.com/gomidi/midi/v2"

	"github.com/schollz/stepcollider/internal/dispatch"
)

type sent struct {
	delay time.Duration
	msg   midi.Message
}

type timer struct {
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

// timers holds scheduled sends until run fires them in time order
type timers struct {
	list    []*timer
	current time.Duration
}

func (ts *timers) after(d time.Duration, fn func()) func() bool {
	t := &timer{delay: d, fn: fn}
	ts.list = append(ts.list, t)
	return func() bool {
		if t.fired || t.stopped {
			return false
		}
		t.stopped = true
		return true
	}
}

func (ts *timers) run() {
	sort.SliceStable(ts.list, func(i, j int) bool { return ts.list[i].delay < ts.list[j].delay })
	for _, t := range ts.list {
		if t.stopped || t.fired {
			continue
		}
		t.fired = true
		ts.current = t.delay
		t.fn()
	}
	ts.list = nil
}

func newTestSink() (*Sink, *timers, *[]sent) {
	var out []sent
	ts := &timers{}
	epoch := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(func(m midi.Message) error {
		out = append(out, sent{delay: ts.current, msg: m})
		return nil
	}, 9, func(t float64) time.Time {
		return epoch.Add(time.Duration(t * float64(time.Second)))
	})
	s.now = func() time.Time { return epoch }
	s.after = ts.after
	return s, ts, &out
}

func TestNote(t *testing.T) {
	key, vel := Note(dispatch.Play{Occurrence: dispatch.Occurrence{Channel: 2}, Gain: 1})
	assert.Equal(t, uint8(38), key)
	assert.Equal(t, uint8(127), vel)

	_, vel = Note(dispatch.Play{Gain: 0.5})
	assert.Equal(t, uint8(64), vel)

	key, vel = Note(dispatch.Play{Occurrence: dispatch.Occurrence{Channel: 200}, Gain: 3})
	assert.Equal(t, uint8(127), key)
	assert.Equal(t, uint8(127), vel)
}

func TestPlaySchedulesNoteOnAndOff(t *testing.T) {
	s, ts, out := newTestSink()
	err := s.Play(dispatch.Play{Occurrence: dispatch.Occurrence{Channel: 1}, When: 0.5, StopAt: 0.75, Gain: 1})
	assert.NoError(t, err)
	ts.run()
	assert.Len(t, *out, 2)

	var ch, key, vel uint8
	assert.True(t, (*out)[0].msg.GetNoteOn(&ch, &key, &vel))
	assert.Equal(t, uint8(9), ch)
	assert.Equal(t, uint8(37), key)
	assert.Equal(t, uint8(127), vel)
	assert.Equal(t, 500*time.Millisecond, (*out)[0].delay)

	assert.True(t, (*out)[1].msg.GetNoteOff(&ch, &key, &vel))
	assert.Equal(t, 750*time.Millisecond, (*out)[1].delay)
}

func TestSilentPlaySendsNothing(t *testing.T) {
	s, ts, out := newTestSink()
	assert.NoError(t, s.Play(dispatch.Play{When: 1, StopAt: 2, Gain: 0}))
	ts.run()
	assert.Empty(t, *out)
}

func TestStopSendsNoteOff(t *testing.T) {
	s, ts, out := newTestSink()
	assert.NoError(t, s.Stop(dispatch.Play{Occurrence: dispatch.Occurrence{Channel: 4}}, 0.25))
	ts.run()
	assert.Len(t, *out, 1)
	var ch, key, vel uint8
	assert.True(t, (*out)[0].msg.GetNoteOff(&ch, &key, &vel))
	assert.Equal(t, uint8(40), key)
}

func TestStopBeforeStartSendsNothing(t *testing.T) {
	s, ts, out := newTestSink()
	p := dispatch.Play{Occurrence: dispatch.Occurrence{Channel: 1, Cycle: 3}, When: 0.08, StopAt: 0.5, Gain: 1}
	assert.NoError(t, s.Play(p))
	assert.NoError(t, s.Stop(p, 0.02))
	ts.run()
	assert.Empty(t, *out, "the note never sounds")
	assert.Empty(t, s.voices)
}

func TestStopWhileSoundingMovesNoteOff(t *testing.T) {
	s, ts, out := newTestSink()
	p := dispatch.Play{Occurrence: dispatch.Occurrence{Channel: 1, Cycle: 3}, When: 0.1, StopAt: 0.5, Gain: 1}
	assert.NoError(t, s.Play(p))

	// fire the NoteOn only
	ts.list[0].fired = true
	ts.current = ts.list[0].delay
	ts.list[0].fn()

	assert.NoError(t, s.Stop(p, 0.2))
	ts.run()
	assert.Len(t, *out, 2)
	var ch, key, vel uint8
	assert.True(t, (*out)[0].msg.GetNoteOn(&ch, &key, &vel))
	assert.True(t, (*out)[1].msg.GetNoteOff(&ch, &key, &vel))
	assert.Equal(t, 200*time.Millisecond, (*out)[1].delay)
}

func TestNoteOffForgetsVoice(t *testing.T) {
	s, ts, _ := newTestSink()
	assert.NoError(t, s.Play(dispatch.Play{Occurrence: dispatch.Occurrence{Channel: 2}, When: 0.1, StopAt: 0.2, Gain: 1}))
	assert.Len(t, s.voices, 1)
	ts.run()
	assert.Empty(t, s.voices)
}

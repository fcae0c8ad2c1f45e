// Package dispatch turns one scheduled channel occurrence into exactly one
// buffer-play call against an audio backend.
package dispatch

import (
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/schollz/stepcollider/internal/audio"
	"github.com/schollz/stepcollider/internal/clock"
	"github.com/schollz/stepcollider/internal/model"
	"github.com/schollz/stepcollider/internal/types"
)

// GuardEpsilon is added to every stop time so the tail of a voice is not
// cut before its last sample.
const GuardEpsilon = 0.005

// BufferStore resolves a channel's buffer reference. Implementations must
// not decode on this call.
type BufferStore interface {
	Resolve(ref string, dir types.Direction) (*audio.Buffer, error)
}

// Occurrence identifies one firing of one channel
type Occurrence struct {
	Sequence int
	Channel  int
	Step     int
	Cycle    uint64
}

// Play is one fully-resolved buffer-play call. Offset and Duration are in
// buffer seconds; the sounding length is Duration/Rate.
type Play struct {
	Occurrence
	Buffer    *audio.Buffer
	Direction types.Direction
	When      float64
	Offset    float64
	Duration  float64
	Rate      float64
	Gain      float64
	StopAt    float64
}

// Sink is the audio backend. Play schedules a future start; Stop cuts a
// previously issued play at the given clock time.
type Sink interface {
	Play(p Play) error
	Stop(p Play, at float64) error
}

// Event is what the scheduler hands over for one active channel
type Event struct {
	Sequence int
	Step     int
	Cycle    uint64
	Time     float64
	AnySolo  bool
	Trigger  model.ChannelTrigger
}

func (e Event) occurrence() Occurrence {
	return Occurrence{Sequence: e.Sequence, Channel: e.Trigger.Channel, Step: e.Step, Cycle: e.Cycle}
}

type Dispatcher struct {
	mu     sync.Mutex
	store  BufferStore
	sink   Sink
	clock  clock.Source
	guard  float64
	fired  map[int]uint64 // channel -> last cycle fired
	voices []Play
}

func New(store BufferStore, sink Sink, clk clock.Source) *Dispatcher {
	return &Dispatcher{
		store: store,
		sink:  sink,
		clock: clk,
		guard: GuardEpsilon,
		fired: make(map[int]uint64),
	}
}

// Resolve computes the play call for an event without issuing it
func Resolve(buf *audio.Buffer, ev Event, guard float64) Play {
	tr := ev.Trigger
	dir := types.DirectionFor(tr.Step.Reverse)

	window := tr.Trim
	if dir == types.Reverse {
		window = window.Mirror()
	}
	offset, duration := window.Offsets(buf.Duration())

	rate := tr.Speed
	if tr.Step.Pitch != nil {
		rate *= math.Pow(2, *tr.Step.Pitch/12)
	}

	gain := tr.Volume
	if tr.Step.Volume != nil {
		gain = *tr.Step.Volume
	}
	if tr.Mute || (ev.AnySolo && !tr.Solo) {
		gain = 0
	}

	return Play{
		Occurrence: ev.occurrence(),
		Buffer:     buf,
		Direction:  dir,
		When:       ev.Time,
		Offset:     offset,
		Duration:   duration,
		Rate:       rate,
		Gain:       gain,
		StopAt:     ev.Time + duration/rate + guard,
	}
}

// Trigger issues the play for ev. It returns false when the occurrence was
// skipped: already fired, unresolved buffer, or a backend error. Nothing
// here blocks or returns an error to the caller.
func (d *Dispatcher) Trigger(ev Event) bool {
	tr := ev.Trigger
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.fired[tr.Channel]; ok && ev.Cycle <= last {
		log.Printf("dispatch: duplicate seq=%d ch=%d step=%d cycle=%d t=%.6f ignored", ev.Sequence, tr.Channel, ev.Step, ev.Cycle, ev.Time)
		return false
	}
	d.fired[tr.Channel] = ev.Cycle

	if tr.Buffer == "" {
		log.Printf("dispatch: seq=%d ch=%d step=%d t=%.6f: no buffer assigned, skipped", ev.Sequence, tr.Channel, ev.Step, ev.Time)
		return false
	}
	buf, err := d.store.Resolve(tr.Buffer, types.DirectionFor(tr.Step.Reverse))
	if err == nil && buf.Duration() <= 0 {
		err = fmt.Errorf("%q: %w", tr.Buffer, audio.ErrEmptyBuffer)
	}
	if err != nil {
		log.Printf("dispatch: seq=%d ch=%d step=%d t=%.6f: %v, skipped", ev.Sequence, tr.Channel, ev.Step, ev.Time, err)
		return false
	}

	p := Resolve(buf, ev, d.guard)
	if err := d.sink.Play(p); err != nil {
		log.Printf("dispatch: seq=%d ch=%d step=%d t=%.6f: play: %v", ev.Sequence, tr.Channel, ev.Step, ev.Time, err)
		return false
	}
	d.track(p)
	return true
}

// track remembers p until its stop time has passed
func (d *Dispatcher) track(p Play) {
	now := d.clock.Now()
	kept := d.voices[:0]
	for _, v := range d.voices {
		if v.StopAt > now {
			kept = append(kept, v)
		}
	}
	d.voices = append(kept, p)
}

// Sounding returns the voices whose stop time is still ahead of the clock
func (d *Dispatcher) Sounding() []Play {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	var out []Play
	for _, v := range d.voices {
		if v.StopAt > now {
			out = append(out, v)
		}
	}
	return out
}

// StopAll issues an explicit stop at time at for every issued voice that
// would still sound, including ones scheduled to start later.
func (d *Dispatcher) StopAll(at float64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, v := range d.voices {
		if v.StopAt <= at {
			continue
		}
		if err := d.sink.Stop(v, at); err != nil {
			log.Printf("dispatch: stop seq=%d ch=%d step=%d t=%.6f: %v", v.Sequence, v.Channel, v.Step, at, err)
			continue
		}
		n++
	}
	d.voices = nil
	return n
}

// Reset forgets fired occurrences, for a new run
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.fired = make(map[int]uint64)
	d.voices = nil
	d.mu.Unlock()
}

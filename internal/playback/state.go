// Package playback holds the runtime counters of one playing project. A
// single State is created per engine and injected into the scheduler and
// the chain manager; nothing else mutates it.
package playback

import (
	"sync"

	"github.com/schollz/stepcollider/internal/types"
)

// Status is the scheduler state machine
type Status int

const (
	Stopped Status = iota
	Scheduling
	Paused
)

func (s Status) String() string {
	switch s {
	case Scheduling:
		return "scheduling"
	case Paused:
		return "paused"
	default:
		return "stopped"
	}
}

// StepEvent is emitted once per advanced step. Time is the scheduled clock
// time, not the moment the callback runs.
type StepEvent struct {
	Sequence int     `json:"sequenceIndex"`
	Step     int     `json:"step"`
	Time     float64 `json:"time"`
}

// Snapshot is a copy of the counters for observers
type Snapshot struct {
	Status            Status
	Step              int
	Beat              int
	Bar               int
	Sequence          int
	NextScheduledTime float64
	Cycle             uint64
}

func (s Snapshot) IsPlaying() bool { return s.Status == Scheduling }
func (s Snapshot) IsPaused() bool  { return s.Status == Paused }

type State struct {
	mu       sync.Mutex
	status   Status
	step     int
	sequence int
	next     float64
	cycle    uint64
}

func New() *State {
	return &State{}
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Status:            s.status,
		Step:              s.step,
		Beat:              s.step / types.StepsPerBeat,
		Bar:               s.step / (types.StepsPerBeat * types.BeatsPerBar),
		Sequence:          s.sequence,
		NextScheduledTime: s.next,
		Cycle:             s.cycle,
	}
}

func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *State) SetStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Position returns the step and sequence that will be scheduled next
func (s *State) Position() (sequence, step int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequence, s.step
}

// SetPosition moves the cursor without touching the occurrence counter
func (s *State) SetPosition(sequence, step int) {
	s.mu.Lock()
	s.sequence = sequence
	s.step = step
	s.mu.Unlock()
}

// NextTime is the target time of the next unscheduled step
func (s *State) NextTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *State) SetNextTime(t float64) {
	s.mu.Lock()
	s.next = t
	s.mu.Unlock()
}

// AddTime advances the target time. Target times only ever grow by
// addition so rounding never depends on clock reads.
func (s *State) AddTime(d float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next += d
	return s.next
}

// Cycle counts scheduled steps since start. Together with the channel it
// identifies one occurrence.
func (s *State) Cycle() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycle
}

func (s *State) IncCycle() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycle++
	return s.cycle
}

// Reset zeroes every counter and stops
func (s *State) Reset() {
	s.mu.Lock()
	s.status = Stopped
	s.step = 0
	s.sequence = 0
	s.next = 0
	s.cycle = 0
	s.mu.Unlock()
}

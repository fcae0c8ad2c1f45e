package dispatch

import (
	"sync"
)

// Recorder is a Sink that keeps every call in memory. The render command
// uses it to print a schedule without an audio backend.
type Recorder struct {
	mu    sync.Mutex
	plays []Play
	stops []Stopped
}

// Stopped is one Stop call seen by a Recorder
type Stopped struct {
	Play Play
	At   float64
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Play(p Play) error {
	r.mu.Lock()
	r.plays = append(r.plays, p)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Stop(p Play, at float64) error {
	r.mu.Lock()
	r.stops = append(r.stops, Stopped{Play: p, At: at})
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Plays() []Play {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Play(nil), r.plays...)
}

func (r *Recorder) Stops() []Stopped {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Stopped(nil), r.stops...)
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.plays = nil
	r.stops = nil
	r.mu.Unlock()
}

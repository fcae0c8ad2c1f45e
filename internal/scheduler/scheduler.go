// Package scheduler runs the lookahead loop: a coarse timer wakes up
// periodically and commits every step whose target time falls inside the
// schedule-ahead window to exact clock times.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/schollz/stepcollider/internal/chain"
	"github.com/schollz/stepcollider/internal/clock"
	"github.com/schollz/stepcollider/internal/dispatch"
	"github.com/schollz/stepcollider/internal/model"
	"github.com/schollz/stepcollider/internal/playback"
)

var (
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrNotRunning     = errors.New("scheduler not running")
	ErrNotPaused      = errors.New("scheduler not paused")
)

// MinStepDuration is the shortest step the loop accepts, in seconds.
// Anything shorter falls back to the last usable duration.
const MinStepDuration = 1e-3

// Config holds the timing parameters
type Config struct {
	// Interval between timer wake-ups
	Interval time.Duration
	// Lookahead is how far past now steps are committed, in seconds
	Lookahead float64
	// GuardLead delays the first step after start/resume, in seconds
	GuardLead float64
	// Manual disables the timer; the caller drives Tick
	Manual bool
}

func DefaultConfig() Config {
	return Config{
		Interval:  25 * time.Millisecond,
		Lookahead: 0.1,
		GuardLead: 0.05,
	}
}

// StepDuration returns the length in seconds of a step of the given
// sequence. It is read once per step, so a tempo change only affects steps
// scheduled after it.
type StepDuration func(sequence int) float64

// Slots reads the consistent per-step view of the grid
type Slots interface {
	Slot(seq, step int) (model.Slot, error)
	Geometry() model.Geometry
}

// Trigger is the dispatcher side
type Trigger interface {
	Trigger(ev dispatch.Event) bool
	StopAll(at float64) int
	Reset()
}

type committed struct {
	sequence int
	step     int
	target   float64
}

type Scheduler struct {
	mu       sync.Mutex
	cfg      Config
	clock    clock.Source
	state    *playback.State
	chain    *chain.Manager
	slots    Slots
	trigger  Trigger
	duration StepDuration
	lastGood float64

	// steps committed with a target time not reached yet, oldest first
	ahead []committed

	cancel context.CancelFunc
}

func New(cfg Config, clk clock.Source, state *playback.State, ch *chain.Manager, slots Slots, trig Trigger, dur StepDuration) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = def.Lookahead
	}
	if cfg.GuardLead < 0 {
		cfg.GuardLead = 0
	}
	return &Scheduler{
		cfg:      cfg,
		clock:    clk,
		state:    state,
		chain:    ch,
		slots:    slots,
		trigger:  trig,
		duration: dur,
	}
}

func (s *Scheduler) Config() Config {
	return s.cfg
}

// Start begins a run at the given step of the cue sequence. The first
// step is due at now()+GuardLead. Starting while scheduling or paused is
// rejected until Stop.
func (s *Scheduler) Start(atStep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Status() != playback.Stopped {
		return ErrAlreadyRunning
	}
	if steps := s.slots.Geometry().StepsPerSequence; atStep < 0 || atStep >= steps {
		return fmt.Errorf("%w: start step %d of %d", model.ErrOutOfRange, atStep, steps)
	}
	s.state.Reset()
	s.trigger.Reset()
	s.chain.Reset(atStep)
	s.ahead = nil
	seq, step := s.state.Position()
	s.lastGood = s.duration(seq)
	s.state.SetNextTime(s.clock.Now() + s.cfg.GuardLead)
	s.state.SetStatus(playback.Scheduling)
	s.startLoopLocked()
	log.Printf("scheduler: start seq=%d step=%d t=%.6f", seq, step, s.state.NextTime())
	return nil
}

// Stop cancels the timer, stops sounding voices and zeroes all counters
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state.Status() == playback.Stopped {
		s.mu.Unlock()
		return
	}
	s.stopLoopLocked()
	now := s.clock.Now()
	n := s.trigger.StopAll(now)
	s.state.Reset()
	s.ahead = nil
	s.mu.Unlock()
	s.chain.Flush()
	log.Printf("scheduler: stop t=%.6f, %d voices stopped", now, n)
}

// Pause cancels the timer and freezes the cursor. Issued voices are
// stopped explicitly; steps committed inside the lookahead that have not
// started yet are rewound so Resume plays them again.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Status() != playback.Scheduling {
		return ErrNotRunning
	}
	s.stopLoopLocked()
	now := s.clock.Now()
	s.trigger.StopAll(now)
	s.pruneLocked(now)
	if len(s.ahead) > 0 {
		first := s.ahead[0]
		s.state.SetPosition(first.sequence, first.step)
		s.state.SetNextTime(first.target)
		log.Printf("scheduler: pause rewinds %d unstarted steps to seq=%d step=%d", len(s.ahead), first.sequence, first.step)
		s.ahead = nil
	}
	s.state.SetStatus(playback.Paused)
	seq, step := s.state.Position()
	log.Printf("scheduler: pause seq=%d step=%d t=%.6f", seq, step, now)
	return nil
}

// Resume rebases the next target time to now()+GuardLead and continues
// from the frozen cursor.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Status() != playback.Paused {
		return ErrNotPaused
	}
	s.state.SetNextTime(s.clock.Now() + s.cfg.GuardLead)
	s.state.SetStatus(playback.Scheduling)
	s.startLoopLocked()
	seq, step := s.state.Position()
	log.Printf("scheduler: resume seq=%d step=%d t=%.6f", seq, step, s.state.NextTime())
	return nil
}

// Tick is one timer wake-up. It schedules every step whose target time is
// before now()+Lookahead, however many that is after a stall, and returns
// the number of steps scheduled.
func (s *Scheduler) Tick() int {
	s.mu.Lock()
	n := s.tickLocked()
	s.mu.Unlock()
	s.chain.Flush()
	return n
}

func (s *Scheduler) tickLocked() int {
	if s.state.Status() != playback.Scheduling {
		return 0
	}
	now := s.clock.Now()
	s.pruneLocked(now)
	horizon := now + s.cfg.Lookahead
	n := 0
	for {
		target := s.state.NextTime()
		if target >= horizon {
			break
		}
		seq, step := s.chain.Current()
		d := s.duration(seq)
		if !(d >= MinStepDuration) {
			if !(s.lastGood >= MinStepDuration) {
				log.Printf("scheduler: seq=%d step=%d t=%.6f: no usable step duration (%g)", seq, step, target, d)
				break
			}
			d = s.lastGood
		}
		s.lastGood = d

		cycle := s.state.IncCycle()
		s.schedule(seq, step, cycle, target)
		s.chain.Advance(target)
		s.state.AddTime(d)
		s.ahead = append(s.ahead, committed{sequence: seq, step: step, target: target})
		n++
	}
	return n
}

// pruneLocked forgets committed steps whose target time has been reached
func (s *Scheduler) pruneLocked(now float64) {
	i := 0
	for i < len(s.ahead) && s.ahead[i].target <= now {
		i++
	}
	s.ahead = s.ahead[i:]
}

func (s *Scheduler) schedule(seq, step int, cycle uint64, target float64) {
	slot, err := s.slots.Slot(seq, step)
	if err != nil {
		log.Printf("scheduler: seq=%d step=%d t=%.6f: %v", seq, step, target, err)
		return
	}
	for _, tr := range slot.Triggers {
		s.trigger.Trigger(dispatch.Event{
			Sequence: seq,
			Step:     step,
			Cycle:    cycle,
			Time:     target,
			AnySolo:  slot.AnySolo,
			Trigger:  tr,
		})
	}
}

func (s *Scheduler) startLoopLocked() {
	if s.cfg.Manual || s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.loop(ctx)
}

// stopLoopLocked does not wait for the loop to exit, so it is safe to call
// from a step callback running on the loop goroutine.
func (s *Scheduler) stopLoopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.Tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			s.Tick()
		}
	}
}

// Package engine wires the step grid, chain manager, scheduler and
// dispatcher into one playing project.
package engine

import (
	"errors"
	"fmt"
	"log"

	"github.com/schollz/stepcollider/internal/chain"
	"github.com/schollz/stepcollider/internal/clock"
	"github.com/schollz/stepcollider/internal/dispatch"
	"github.com/schollz/stepcollider/internal/model"
	"github.com/schollz/stepcollider/internal/playback"
	"github.com/schollz/stepcollider/internal/scheduler"
	"github.com/schollz/stepcollider/internal/storage"
	"github.com/schollz/stepcollider/internal/types"
)

var (
	ErrPlaying   = errors.New("not allowed while playing")
	ErrNotManual = errors.New("render needs a manual clock and scheduler")
)

type Config struct {
	Geometry  model.Geometry
	BPM       float64
	Policy    types.ChainPolicy
	Scheduler scheduler.Config
	// SaveFolder enables autosave after every edit when set
	SaveFolder string
}

func DefaultConfig() Config {
	return Config{
		Geometry:  model.DefaultGeometry(),
		BPM:       types.DefaultBPM,
		Policy:    types.LoopSequence,
		Scheduler: scheduler.DefaultConfig(),
	}
}

type Engine struct {
	cfg        Config
	project    *model.Project
	clock      clock.Source
	state      *playback.State
	chain      *chain.Manager
	dispatcher *dispatch.Dispatcher
	sched      *scheduler.Scheduler
}

func New(cfg Config, sink dispatch.Sink, store dispatch.BufferStore, clk clock.Source) (*Engine, error) {
	p, err := model.NewProject(cfg.Geometry)
	if err != nil {
		return nil, err
	}
	if cfg.BPM != 0 {
		if err := p.SetBPM(cfg.BPM); err != nil {
			return nil, err
		}
	}
	return NewWithProject(cfg, p, sink, store, clk), nil
}

// NewWithProject plays an existing project, e.g. one loaded from disk
func NewWithProject(cfg Config, p *model.Project, sink dispatch.Sink, store dispatch.BufferStore, clk clock.Source) *Engine {
	e := &Engine{
		cfg:     cfg,
		project: p,
		clock:   clk,
		state:   playback.New(),
	}
	e.chain = chain.New(p, e.state, cfg.Policy)
	e.dispatcher = dispatch.New(store, sink, clk)
	e.sched = scheduler.New(cfg.Scheduler, clk, e.state, e.chain, p, e.dispatcher, e.stepDuration)
	if cfg.SaveFolder != "" {
		p.SetOnChange(func() { storage.AutoSave(p, cfg.SaveFolder) })
	}
	return e
}

// stepDuration is (60/bpm)/stepsPerBeat for the tempo of seq
func (e *Engine) stepDuration(seq int) float64 {
	return 60 / e.project.SequenceBPM(seq) / types.StepsPerBeat
}

func (e *Engine) Project() *model.Project {
	return e.project
}

func (e *Engine) State() playback.Snapshot {
	return e.state.Snapshot()
}

// Sounding lists the issued voices that have not reached their stop time
func (e *Engine) Sounding() []dispatch.Play {
	return e.dispatcher.Sounding()
}

func (e *Engine) SetStep(seq, ch, step int, s model.Step) error {
	return e.project.SetStep(seq, ch, step, s)
}

// forEachSequence applies a channel edit to every sequence. The first
// sequence validates the value, so a rejected edit changes nothing.
func (e *Engine) forEachSequence(fn func(seq int) error) error {
	n := e.project.Geometry().SequenceCount
	for seq := 0; seq < n; seq++ {
		if err := fn(seq); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) SetChannelBuffer(ch int, ref string) error {
	return e.forEachSequence(func(seq int) error { return e.project.SetChannelBuffer(seq, ch, ref) })
}

func (e *Engine) SetChannelTrim(ch int, w model.TrimWindow) error {
	return e.forEachSequence(func(seq int) error { return e.project.SetChannelTrim(seq, ch, w) })
}

func (e *Engine) SetChannelVolume(ch int, v float64) error {
	return e.forEachSequence(func(seq int) error { return e.project.SetChannelVolume(seq, ch, v) })
}

func (e *Engine) SetChannelSpeed(ch int, v float64) error {
	return e.forEachSequence(func(seq int) error { return e.project.SetChannelSpeed(seq, ch, v) })
}

func (e *Engine) SetChannelMute(ch int, muted bool) error {
	return e.forEachSequence(func(seq int) error { return e.project.SetChannelMute(seq, ch, muted) })
}

func (e *Engine) SetChannelSolo(ch int, solo bool) error {
	return e.forEachSequence(func(seq int) error { return e.project.SetChannelSolo(seq, ch, solo) })
}

// SetBpm changes the tempo of steps scheduled from now on. Steps already
// committed keep their times.
func (e *Engine) SetBpm(v float64) error {
	if err := e.project.SetBPM(v); err != nil {
		log.Printf("engine: setBpm(%v) rejected, keeping %v", v, e.project.BPM())
		return err
	}
	return nil
}

func (e *Engine) SetSequenceBpm(seq int, v float64) error {
	return e.project.SetSequenceBPM(seq, v)
}

func (e *Engine) Start(atStep int) error { return e.sched.Start(atStep) }
func (e *Engine) Stop()                  { e.sched.Stop() }
func (e *Engine) Pause() error           { return e.sched.Pause() }
func (e *Engine) Resume() error          { return e.sched.Resume() }

// Tick runs one scheduler wake-up; only needed with a manual scheduler
func (e *Engine) Tick() int { return e.sched.Tick() }

// SetLoopGeometry resizes the grid. The cursor must not point past the
// new bounds, so this is only allowed while stopped.
func (e *Engine) SetLoopGeometry(g model.Geometry) error {
	if st := e.state.Status(); st != playback.Stopped {
		return fmt.Errorf("set geometry: %w (%s)", ErrPlaying, st)
	}
	return e.project.SetGeometry(g)
}

func (e *Engine) MarkLive(seq int) error   { return e.project.MarkLive(seq) }
func (e *Engine) UnmarkLive(seq int) error { return e.project.UnmarkLive(seq) }

// SetPolicy takes effect at the next sequence wrap
func (e *Engine) SetPolicy(p types.ChainPolicy) {
	e.chain.SetPolicy(p)
}

func (e *Engine) Policy() types.ChainPolicy {
	return e.chain.Policy()
}

// SetCue selects the sequence the next Start begins in
func (e *Engine) SetCue(seq int) error {
	if n := e.project.Geometry().SequenceCount; seq < 0 || seq >= n {
		return fmt.Errorf("%w: cue sequence %d", model.ErrOutOfRange, seq)
	}
	e.chain.SetCue(seq)
	return nil
}

// EndSequence is the detected song end, or -1
func (e *Engine) EndSequence() int {
	return e.chain.EndSequence()
}

func (e *Engine) OnStep(fn func(playback.StepEvent)) { e.chain.OnStep(fn) }
func (e *Engine) OnSequenceChange(fn func(int))      { e.chain.OnSequenceChange(fn) }
func (e *Engine) OnSongEnd(fn func(int))             { e.chain.OnSongEnd(fn) }

// Load replaces the project with the one saved in folder
func (e *Engine) Load(folder string) error {
	if st := e.state.Status(); st != playback.Stopped {
		return fmt.Errorf("load: %w (%s)", ErrPlaying, st)
	}
	return storage.LoadState(e.project, folder)
}

// Render runs the scheduler offline until the manual clock reaches until,
// advancing it by one timer interval per tick.
func (e *Engine) Render(until float64) (int, error) {
	clk, ok := e.clock.(*clock.Manual)
	if !ok || !e.sched.Config().Manual {
		return 0, ErrNotManual
	}
	step := e.sched.Config().Interval.Seconds()
	n := 0
	for clk.Now() <= until {
		n += e.sched.Tick()
		clk.Advance(step)
	}
	return n, nil
}

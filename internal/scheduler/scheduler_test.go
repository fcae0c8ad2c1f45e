package scheduler

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schollz/stepcollider/internal/audio"
	"github.com/schollz/stepcollider/internal/chain"
	"github.com/schollz/stepcollider/internal/clock"
	"github.com/schollz/stepcollider/internal/dispatch"
	"github.com/schollz/stepcollider/internal/model"
	"github.com/schollz/stepcollider/internal/playback"
	"github.com/schollz/stepcollider/internal/types"
)

type fixture struct {
	clk     *clock.Manual
	project *model.Project
	rec     *dispatch.Recorder
	state   *playback.State
	chain   *chain.Manager
	sched   *Scheduler
	events  []playback.StepEvent
}

func newFixture(t *testing.T, steps int, bpm float64) *fixture {
	t.Helper()
	p, err := model.NewProject(model.Geometry{StepsPerSequence: steps, SequenceCount: 4, ChannelCount: 2})
	require.NoError(t, err)
	require.NoError(t, p.SetBPM(bpm))
	require.NoError(t, p.SetChannelBuffer(0, 0, "hat.wav"))
	for i := 0; i < steps; i++ {
		require.NoError(t, p.SetStep(0, 0, i, model.Step{Active: true}))
	}
	require.NoError(t, p.MarkLive(0))

	store := audio.NewStore()
	b, err := audio.NewBuffer("hat.wav", 1000, [][]float32{make([]float32, 50)})
	require.NoError(t, err)
	store.Add(b)

	f := &fixture{
		clk:     clock.NewManual(0),
		project: p,
		rec:     dispatch.NewRecorder(),
		state:   playback.New(),
	}
	f.chain = chain.New(p, f.state, types.LoopSequence)
	f.chain.OnStep(func(ev playback.StepEvent) { f.events = append(f.events, ev) })
	d := dispatch.New(store, f.rec, f.clk)
	dur := func(seq int) float64 { return 60 / p.SequenceBPM(seq) / types.StepsPerBeat }
	cfg := Config{Interval: 25 * time.Millisecond, Lookahead: 0.1, GuardLead: 0, Manual: true}
	f.sched = New(cfg, f.clk, f.state, f.chain, p, d, dur)
	return f
}

// runUntil ticks every interval until the clock passes end
func (f *fixture) runUntil(end, interval float64) {
	for f.clk.Now() <= end {
		f.sched.Tick()
		f.clk.Advance(interval)
	}
}

func (f *fixture) times() []float64 {
	out := make([]float64, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Time
	}
	return out
}

func TestScenarioFourStepsAt120(t *testing.T) {
	f := newFixture(t, 4, 120)
	require.NoError(t, f.sched.Start(0))
	f.runUntil(0.45, 0.025)

	require.GreaterOrEqual(t, len(f.events), 5)
	want := []struct {
		step int
		time float64
	}{{0, 0}, {1, 0.125}, {2, 0.25}, {3, 0.375}, {0, 0.5}}
	for i, w := range want {
		assert.Equal(t, w.step, f.events[i].Step, "event %d", i)
		assert.InDelta(t, w.time, f.events[i].Time, 1e-12, "event %d", i)
		assert.Equal(t, 0, f.events[i].Sequence)
	}
}

func TestMonotonicStepSpacing(t *testing.T) {
	f := newFixture(t, 16, 133)
	require.NoError(t, f.sched.Start(0))
	f.runUntil(30, 0.025)

	want := 60.0 / 133 / types.StepsPerBeat
	times := f.times()
	require.Greater(t, len(times), 200)
	for i := 1; i < len(times); i++ {
		assert.InDelta(t, want, times[i]-times[i-1], 1e-9)
	}
}

// TestNoDriftOverAnHour checks that additive targets stay on the ideal
// grid n*stepDuration over a long run
func TestNoDriftOverAnHour(t *testing.T) {
	f := newFixture(t, 64, 90)
	require.NoError(t, f.sched.Start(0))
	f.runUntil(3600, 0.5)

	d := 60.0 / 90 / types.StepsPerBeat
	times := f.times()
	require.Greater(t, len(times), 21000)
	for _, n := range []int{60, 600, 6000, 21000} {
		assert.InDelta(t, float64(n)*d, times[n], 1e-6, "step %d", n)
	}
}

func TestDelayedWakeupSchedulesEverything(t *testing.T) {
	f := newFixture(t, 16, 120)
	require.NoError(t, f.sched.Start(0))
	assert.Equal(t, 1, f.sched.Tick())

	// the timer stalls for a full second
	f.clk.Set(1.0)
	n := f.sched.Tick()
	// steps at 0.125 .. 1.0 fall before the 1.1 horizon
	assert.Equal(t, 8, n)
	assert.Len(t, f.events, 9)
	assert.Len(t, f.rec.Plays(), 9)
	for i, ev := range f.events {
		assert.InDelta(t, float64(i)*0.125, ev.Time, 1e-12)
	}
}

func TestJitterDoesNotMoveTargets(t *testing.T) {
	steady := newFixture(t, 16, 127)
	require.NoError(t, steady.sched.Start(0))
	steady.runUntil(20, 0.025)

	jittery := newFixture(t, 16, 127)
	require.NoError(t, jittery.sched.Start(0))
	rng := rand.New(rand.NewSource(7))
	for jittery.clk.Now() <= 20 {
		jittery.sched.Tick()
		// up to 3x the nominal interval
		jittery.clk.Advance(0.025 * (1 + 2*rng.Float64()))
	}

	a, b := steady.times(), jittery.times()
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	require.Greater(t, n, 500)
	assert.Equal(t, a[:n], b[:n], "target times must be bit-identical")
}

func TestBPMChangeOnlyAffectsFutureSteps(t *testing.T) {
	f := newFixture(t, 16, 120)
	require.NoError(t, f.sched.Start(0))
	f.runUntil(1.0, 0.025)

	before := append([]float64(nil), f.times()...)
	beforePlays := f.rec.Plays()
	committed := f.state.NextTime()

	require.NoError(t, f.project.SetBPM(60))
	f.runUntil(4.0, 0.025)

	after := f.times()
	assert.Equal(t, before, after[:len(before)], "past targets are never rewritten")
	assert.Equal(t, beforePlays, f.rec.Plays()[:len(beforePlays)])
	// the already-committed next target keeps its phase
	assert.Equal(t, committed, after[len(before)])
	for i := len(before) + 1; i < len(after); i++ {
		assert.InDelta(t, 0.25, after[i]-after[i-1], 1e-9)
	}
}

func TestInvalidBPMKeepsTempo(t *testing.T) {
	f := newFixture(t, 16, 120)
	require.NoError(t, f.sched.Start(0))
	f.runUntil(0.5, 0.025)

	assert.ErrorIs(t, f.project.SetBPM(-5), model.ErrInvalidBPM)
	assert.ErrorIs(t, f.project.SetBPM(math.NaN()), model.ErrInvalidBPM)
	assert.ErrorIs(t, f.project.SetBPM(1e300), model.ErrInvalidBPM)
	f.runUntil(2, 0.025)

	times := f.times()
	for i := 1; i < len(times); i++ {
		assert.InDelta(t, 0.125, times[i]-times[i-1], 1e-9)
	}
}

func TestPerSequenceBPM(t *testing.T) {
	f := newFixture(t, 4, 120)
	require.NoError(t, f.project.SetSequenceBPM(0, 60))
	require.NoError(t, f.sched.Start(0))
	f.runUntil(1, 0.025)
	times := f.times()
	require.Greater(t, len(times), 2)
	assert.InDelta(t, 0.25, times[1]-times[0], 1e-12)
}

func TestStartRules(t *testing.T) {
	f := newFixture(t, 16, 120)
	assert.ErrorIs(t, f.sched.Start(16), model.ErrOutOfRange)
	assert.ErrorIs(t, f.sched.Start(-1), model.ErrOutOfRange)

	require.NoError(t, f.sched.Start(5))
	assert.ErrorIs(t, f.sched.Start(0), ErrAlreadyRunning)
	require.NoError(t, f.sched.Pause())
	assert.ErrorIs(t, f.sched.Start(0), ErrAlreadyRunning)

	f.sched.Stop()
	require.NoError(t, f.sched.Start(0))
}

func TestStartAtStep(t *testing.T) {
	f := newFixture(t, 16, 120)
	require.NoError(t, f.sched.Start(5))
	f.sched.Tick()
	require.Len(t, f.events, 1)
	assert.Equal(t, 5, f.events[0].Step)
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t, 16, 120)
	require.NoError(t, f.sched.Start(0))
	f.runUntil(0.3, 0.025)
	count := len(f.events)
	last := f.events[count-1]

	require.NoError(t, f.sched.Pause())
	assert.ErrorIs(t, f.sched.Pause(), ErrNotRunning)
	assert.True(t, f.state.Snapshot().IsPaused())
	assert.NotEmpty(t, f.rec.Stops(), "issued voices are stopped explicitly")

	f.clk.Set(5)
	assert.Equal(t, 0, f.sched.Tick())
	assert.Len(t, f.events, count)

	require.NoError(t, f.sched.Resume())
	assert.ErrorIs(t, f.sched.Resume(), ErrNotPaused)
	f.sched.Tick()
	require.Greater(t, len(f.events), count)
	next := f.events[count]
	assert.Equal(t, last.Step, next.Step, "the step committed ahead of the pause is played again")
	assert.InDelta(t, 5.0, next.Time, 1e-12)
}

func TestPauseRewindsUnstartedSteps(t *testing.T) {
	f := newFixture(t, 16, 120)
	require.NoError(t, f.sched.Start(0))
	f.clk.Set(0.03)
	require.Equal(t, 2, f.sched.Tick(), "steps 0 and 1 are committed")
	require.Len(t, f.rec.Plays(), 2)
	assert.InDelta(t, 0.125, f.rec.Plays()[1].When, 1e-12)

	require.NoError(t, f.sched.Pause())
	seq, step := f.state.Position()
	assert.Equal(t, 0, seq)
	assert.Equal(t, 1, step)

	stops := f.rec.Stops()
	require.Len(t, stops, 2)
	assert.Equal(t, 1, stops[1].Play.Step)

	f.clk.Set(1)
	require.NoError(t, f.sched.Resume())
	f.sched.Tick()

	var steps []int
	for _, p := range f.rec.Plays() {
		steps = append(steps, p.Step)
	}
	assert.Equal(t, []int{0, 1, 1}, steps)
	assert.InDelta(t, 1.0, f.rec.Plays()[2].When, 1e-12)
}

func TestPauseKeepsStartedSteps(t *testing.T) {
	f := newFixture(t, 16, 120)
	require.NoError(t, f.sched.Start(0))
	f.clk.Set(0.03)
	f.sched.Tick()
	f.clk.Set(0.2)
	f.sched.Tick()

	require.NoError(t, f.sched.Pause())
	_, step := f.state.Position()
	assert.Equal(t, 2, step, "steps 0 and 1 have started, step 2 at 0.25 is rewound")
}

func TestTinyStepDurationDoesNotHang(t *testing.T) {
	f := newFixture(t, 16, 120)
	f.sched.duration = func(int) float64 { return 1e-307 }
	require.NoError(t, f.sched.Start(0))
	f.clk.Set(0.05)

	done := make(chan int, 1)
	go func() { done <- f.sched.Tick() }()
	select {
	case n := <-done:
		assert.Equal(t, 0, n)
	case <-time.After(3 * time.Second):
		t.Fatal("tick did not return")
	}

	f.sched.duration = func(int) float64 { return 0.125 }
	f.sched.Tick()
	f.sched.duration = func(int) float64 { return 1e-307 }
	f.clk.Set(1)
	f.sched.Tick()
	times := f.times()
	for i := 1; i < len(times); i++ {
		assert.InDelta(t, 0.125, times[i]-times[i-1], 1e-9, "falls back to the last usable duration")
	}
}

func TestResumeUsesGuardLead(t *testing.T) {
	f := newFixture(t, 16, 120)
	f.sched.cfg.GuardLead = 0.05
	require.NoError(t, f.sched.Start(0))
	assert.InDelta(t, 0.05, f.state.NextTime(), 1e-12)
	require.NoError(t, f.sched.Pause())
	f.clk.Set(2)
	require.NoError(t, f.sched.Resume())
	assert.InDelta(t, 2.05, f.state.NextTime(), 1e-12)
}

func TestStopResetsAndHalts(t *testing.T) {
	f := newFixture(t, 16, 120)
	require.NoError(t, f.sched.Start(0))
	f.runUntil(0.5, 0.025)
	plays := len(f.rec.Plays())

	f.sched.Stop()
	assert.Equal(t, playback.Snapshot{}, f.state.Snapshot())
	f.runUntil(2, 0.025)
	assert.Len(t, f.rec.Plays(), plays)

	// stop twice is harmless
	f.sched.Stop()
}

func TestNoDoubleFire(t *testing.T) {
	f := newFixture(t, 16, 150)
	require.NoError(t, f.project.SetChannelBuffer(0, 1, "hat.wav"))
	for i := 0; i < 16; i += 3 {
		require.NoError(t, f.project.SetStep(0, 1, i, model.Step{Active: true, Reverse: true}))
	}
	require.NoError(t, f.sched.Start(0))
	for f.clk.Now() < 10 {
		f.sched.Tick()
		f.sched.Tick() // duplicate wake-up at the same instant
		f.clk.Advance(0.02)
	}

	seen := make(map[dispatch.Occurrence]bool)
	for _, p := range f.rec.Plays() {
		assert.False(t, seen[p.Occurrence], "occurrence %+v fired twice", p.Occurrence)
		seen[p.Occurrence] = true
	}
	assert.Greater(t, len(seen), 100)
}

func TestUnresolvedBufferDoesNotHalt(t *testing.T) {
	f := newFixture(t, 4, 120)
	require.NoError(t, f.project.SetChannelBuffer(0, 1, "missing.wav"))
	require.NoError(t, f.project.SetStep(0, 1, 0, model.Step{Active: true}))
	require.NoError(t, f.sched.Start(0))
	f.runUntil(1, 0.025)

	for _, p := range f.rec.Plays() {
		assert.Equal(t, 0, p.Channel)
	}
	assert.GreaterOrEqual(t, len(f.rec.Plays()), 8)
}

func TestWrapAdvancesToNextLiveSequence(t *testing.T) {
	f := newFixture(t, 64, 120)
	require.NoError(t, f.project.SetStep(1, 0, 0, model.Step{Active: true}))
	require.NoError(t, f.project.MarkLive(1))
	f.chain.SetPolicy(types.AdvanceLive)

	var changes []int
	f.chain.OnSequenceChange(func(seq int) { changes = append(changes, seq) })

	require.NoError(t, f.sched.Start(62))
	f.runUntil(0.3, 0.025)

	require.GreaterOrEqual(t, len(f.events), 3)
	assert.Equal(t, playback.StepEvent{Sequence: 0, Step: 62, Time: 0}, f.events[0])
	assert.Equal(t, 63, f.events[1].Step)
	assert.Equal(t, 1, f.events[2].Sequence)
	assert.Equal(t, 0, f.events[2].Step)
	assert.Equal(t, []int{1}, changes)
}

func TestWrapLoopsSameSequence(t *testing.T) {
	f := newFixture(t, 64, 120)
	require.NoError(t, f.project.SetStep(1, 0, 0, model.Step{Active: true}))
	require.NoError(t, f.project.MarkLive(1))

	require.NoError(t, f.sched.Start(63))
	f.runUntil(0.2, 0.025)
	require.GreaterOrEqual(t, len(f.events), 2)
	assert.Equal(t, 0, f.events[1].Sequence)
	assert.Equal(t, 0, f.events[1].Step)
}

func TestCallbackMayStopScheduler(t *testing.T) {
	f := newFixture(t, 16, 120)
	f.chain.OnStep(func(ev playback.StepEvent) {
		if ev.Step == 2 {
			f.sched.Stop()
		}
	})
	require.NoError(t, f.sched.Start(0))
	f.runUntil(2, 0.025)
	assert.Equal(t, playback.Stopped, f.state.Status())
}

func TestTimerLoop(t *testing.T) {
	f := newFixture(t, 16, 240)
	mono := clock.NewMonotonic()
	f.sched.clock = mono
	f.sched.cfg.Manual = false
	f.sched.cfg.Interval = 5 * time.Millisecond

	require.NoError(t, f.sched.Start(0))
	assert.Eventually(t, func() bool { return len(f.rec.Plays()) >= 4 }, 2*time.Second, 5*time.Millisecond)
	f.sched.Stop()

	time.Sleep(30 * time.Millisecond)
	n := len(f.rec.Plays())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, len(f.rec.Plays()), "no schedule calls after stop")
}

func BenchmarkTick(b *testing.B) {
	p := model.NewDefaultProject()
	for ch := 0; ch < 16; ch++ {
		p.SetChannelBuffer(0, ch, "x.wav")
		for i := 0; i < 64; i += 2 {
			p.SetStep(0, ch, i, model.Step{Active: true})
		}
	}
	store := audio.NewStore()
	buf, _ := audio.NewBuffer("x.wav", 1000, [][]float32{make([]float32, 10)})
	store.Add(buf)
	clk := clock.NewManual(0)
	state := playback.New()
	ch := chain.New(p, state, types.LoopSequence)
	s := New(Config{Manual: true}, clk, state, ch, p, dispatch.New(store, dispatch.NewRecorder(), clk),
		func(int) float64 { return 0.125 })
	s.Start(0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		clk.Advance(0.125)
		s.Tick()
	}
}

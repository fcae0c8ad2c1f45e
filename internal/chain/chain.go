// Package chain advances the step/sequence cursor and decides which
// sequence follows when a sequence wraps.
package chain

import (
	"log"
	"sync"

	"github.com/schollz/stepcollider/internal/model"
	"github.com/schollz/stepcollider/internal/playback"
	"github.com/schollz/stepcollider/internal/types"
)

// Grid is the part of the project the chain reads
type Grid interface {
	Geometry() model.Geometry
	Live() []int
	IsPopulated(seq int) bool
}

type Manager struct {
	mu     sync.Mutex
	grid   Grid
	state  *playback.State
	policy types.ChainPolicy
	cue    int

	onStep     []func(playback.StepEvent)
	onSequence []func(int)
	onSongEnd  []func(int)

	// events raised during a scheduler tick, delivered by Flush
	pending []func()
}

func New(grid Grid, state *playback.State, policy types.ChainPolicy) *Manager {
	return &Manager{grid: grid, state: state, policy: policy}
}

func (m *Manager) Policy() types.ChainPolicy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// SetPolicy takes effect at the next sequence boundary
func (m *Manager) SetPolicy(p types.ChainPolicy) {
	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()
}

// SetCue picks the sequence playback starts from
func (m *Manager) SetCue(seq int) {
	m.mu.Lock()
	m.cue = seq
	m.mu.Unlock()
}

func (m *Manager) OnStep(fn func(playback.StepEvent)) {
	m.mu.Lock()
	m.onStep = append(m.onStep, fn)
	m.mu.Unlock()
}

func (m *Manager) OnSequenceChange(fn func(int)) {
	m.mu.Lock()
	m.onSequence = append(m.onSequence, fn)
	m.mu.Unlock()
}

// OnSongEnd fires with the end sequence index when an advancing chain
// wraps back to its first sequence.
func (m *Manager) OnSongEnd(fn func(int)) {
	m.mu.Lock()
	m.onSongEnd = append(m.onSongEnd, fn)
	m.mu.Unlock()
}

// candidates are the live sequences that have at least one active step
func (m *Manager) candidates() []int {
	var out []int
	for _, seq := range m.grid.Live() {
		if m.grid.IsPopulated(seq) {
			out = append(out, seq)
		}
	}
	return out
}

// EndSequence is the first populated sequence followed by an empty one, or
// -1 when nothing is populated.
func EndSequence(grid Grid) int {
	count := grid.Geometry().SequenceCount
	for i := 0; i < count; i++ {
		if !grid.IsPopulated(i) {
			continue
		}
		if i+1 == count || !grid.IsPopulated(i+1) {
			return i
		}
	}
	return -1
}

func (m *Manager) EndSequence() int {
	return EndSequence(m.grid)
}

// Reset positions the cursor for a new run starting at step
func (m *Manager) Reset(step int) {
	m.mu.Lock()
	cue := m.cue
	policy := m.policy
	m.pending = nil
	m.mu.Unlock()

	seq := cue
	if seq < 0 || seq >= m.grid.Geometry().SequenceCount {
		seq = 0
	}
	if policy == types.AdvanceLive {
		if cands := m.candidates(); len(cands) > 0 && !contains(cands, seq) {
			seq = cands[0]
			for _, c := range cands {
				if c >= cue {
					seq = c
					break
				}
			}
		}
	}
	m.state.SetPosition(seq, step)
}

// Current is the position that will be scheduled next
func (m *Manager) Current() (sequence, step int) {
	return m.state.Position()
}

// Advance records that the current position was scheduled at time t and
// moves the cursor one step, applying the chain policy on wrap.
func (m *Manager) Advance(t float64) (sequence, step int) {
	seq, cur := m.state.Position()
	g := m.grid.Geometry()

	m.mu.Lock()
	ev := playback.StepEvent{Sequence: seq, Step: cur, Time: t}
	for _, fn := range m.onStep {
		fn := fn
		m.pending = append(m.pending, func() { fn(ev) })
	}
	policy := m.policy
	m.mu.Unlock()

	next := cur + 1
	if next < g.StepsPerSequence {
		m.state.SetPosition(seq, next)
		return seq, next
	}

	nextSeq, songEnd := m.nextSequence(seq, policy, g.SequenceCount)
	m.state.SetPosition(nextSeq, 0)

	m.mu.Lock()
	if songEnd >= 0 {
		log.Printf("chain: song end at seq=%d, continuing with seq=%d", songEnd, nextSeq)
		for _, fn := range m.onSongEnd {
			fn := fn
			m.pending = append(m.pending, func() { fn(songEnd) })
		}
	}
	if nextSeq != seq {
		for _, fn := range m.onSequence {
			fn := fn
			m.pending = append(m.pending, func() { fn(nextSeq) })
		}
	}
	m.mu.Unlock()
	return nextSeq, 0
}

// nextSequence applies the policy at a wrap. songEnd is the end sequence
// when this boundary ends the song, else -1. The song ends when the chain
// leaves the end sequence, or wraps around when the end sequence is not
// itself eligible.
func (m *Manager) nextSequence(seq int, policy types.ChainPolicy, count int) (next, songEnd int) {
	if policy != types.AdvanceLive {
		if seq >= count {
			return 0, -1
		}
		return seq, -1
	}
	cands := m.candidates()
	if len(cands) == 0 {
		if seq >= count {
			return 0, -1
		}
		return seq, -1
	}
	end := m.EndSequence()
	next = cands[0]
	wrapped := true
	for _, c := range cands {
		if c > seq {
			next = c
			wrapped = false
			break
		}
	}
	if seq == end || (wrapped && !contains(cands, end)) {
		if end < 0 {
			end = seq
		}
		return next, end
	}
	return next, -1
}

// Flush delivers the events raised since the last flush, in order. The
// scheduler calls it outside its own lock so callbacks may call back in.
func (m *Manager) Flush() {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func contains(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

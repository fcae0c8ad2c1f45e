package model

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/schollz/stepcollider/internal/types"
)

var (
	ErrOutOfRange      = errors.New("index out of range")
	ErrInvalidBPM      = errors.New("invalid bpm")
	ErrInvalidTrim     = errors.New("invalid trim window")
	ErrInvalidValue    = errors.New("invalid value")
	ErrInvalidGeometry = errors.New("invalid loop geometry")
)

// Upper bounds for a resized project
const (
	MaxStepsPerSequence = 1024
	MaxSequences        = 256
	MaxChannels         = 64
	MaxBPM              = 999
)

// Step is one slot of a channel. Pitch (semitones) and Volume override the
// channel settings when set.
type Step struct {
	Active  bool     `json:"active"`
	Reverse bool     `json:"reverse,omitempty"`
	Pitch   *float64 `json:"pitch,omitempty"`
	Volume  *float64 `json:"volume,omitempty"`
}

// Channel is one row of a sequence
type Channel struct {
	Buffer string     `json:"buffer"`
	Mute   bool       `json:"mute"`
	Solo   bool       `json:"solo"`
	Volume float64    `json:"volume"`
	Speed  float64    `json:"speed"`
	Trim   TrimWindow `json:"trim"`
	Steps  []Step     `json:"steps"`
}

// Sequence is one bar-cycle of per-channel steps. BPM 0 inherits the
// project tempo.
type Sequence struct {
	Name     string    `json:"name"`
	BPM      float64   `json:"bpm,omitempty"`
	Channels []Channel `json:"channels"`
}

// Geometry is the fixed shape of a project. Step count is identical across
// every channel of every sequence.
type Geometry struct {
	StepsPerSequence int `json:"stepsPerSequence"`
	SequenceCount    int `json:"sequenceCount"`
	ChannelCount     int `json:"channelCount"`
}

func DefaultGeometry() Geometry {
	return Geometry{
		StepsPerSequence: types.DefaultStepsPerSequence,
		SequenceCount:    types.DefaultSequences,
		ChannelCount:     types.DefaultChannels,
	}
}

func (g Geometry) Validate() error {
	if g.StepsPerSequence < 1 || g.StepsPerSequence > MaxStepsPerSequence {
		return fmt.Errorf("%w: stepsPerSequence=%d", ErrInvalidGeometry, g.StepsPerSequence)
	}
	if g.SequenceCount < 1 || g.SequenceCount > MaxSequences {
		return fmt.Errorf("%w: sequenceCount=%d", ErrInvalidGeometry, g.SequenceCount)
	}
	if g.ChannelCount < 1 || g.ChannelCount > MaxChannels {
		return fmt.Errorf("%w: channelCount=%d", ErrInvalidGeometry, g.ChannelCount)
	}
	return nil
}

// ValidBPM reports whether v can be used as a tempo: positive and at most
// MaxBPM. NaN fails both comparisons.
func ValidBPM(v float64) bool {
	return v > 0 && v <= MaxBPM
}

func newChannel(steps int) Channel {
	return Channel{
		Volume: 1,
		Speed:  1,
		Trim:   FullWindow(),
		Steps:  make([]Step, steps),
	}
}

// DefaultSequenceName is the name a new sequence gets
func DefaultSequenceName(index int) string {
	return fmt.Sprintf("seq %02X", index)
}

func newSequence(index int, g Geometry) *Sequence {
	s := &Sequence{
		Name:     DefaultSequenceName(index),
		Channels: make([]Channel, g.ChannelCount),
	}
	for i := range s.Channels {
		s.Channels[i] = newChannel(g.StepsPerSequence)
	}
	return s
}

// Project is the step grid shared between editors and the scheduler. All
// access goes through methods; reads of a step observe the active and
// reverse flags together.
type Project struct {
	mu        sync.RWMutex
	bpm       float64
	geometry  Geometry
	sequences []*Sequence
	live      map[int]bool
	onChange  func()
}

func NewProject(g Geometry) (*Project, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	p := &Project{
		bpm:      types.DefaultBPM,
		geometry: g,
		live:     make(map[int]bool),
	}
	p.sequences = make([]*Sequence, g.SequenceCount)
	for i := range p.sequences {
		p.sequences[i] = newSequence(i, g)
	}
	return p, nil
}

// NewDefaultProject creates an empty 64x16x64 project
func NewDefaultProject() *Project {
	p, _ := NewProject(DefaultGeometry())
	return p
}

// SetOnChange registers a hook called after every successful edit
func (p *Project) SetOnChange(fn func()) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

func (p *Project) changed() {
	p.mu.RLock()
	fn := p.onChange
	p.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (p *Project) Geometry() Geometry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.geometry
}

func (p *Project) BPM() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bpm
}

// SetBPM rejects non-positive and non-finite values, keeping the prior tempo
func (p *Project) SetBPM(v float64) error {
	if !ValidBPM(v) {
		return fmt.Errorf("%w: %v", ErrInvalidBPM, v)
	}
	p.mu.Lock()
	p.bpm = v
	p.mu.Unlock()
	p.changed()
	return nil
}

// SequenceBPM returns the tempo in effect for a sequence
func (p *Project) SequenceBPM(seq int) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if seq >= 0 && seq < len(p.sequences) && p.sequences[seq].BPM > 0 {
		return p.sequences[seq].BPM
	}
	return p.bpm
}

// SetSequenceBPM sets a per-sequence override; 0 clears it
func (p *Project) SetSequenceBPM(seq int, v float64) error {
	if v != 0 && !ValidBPM(v) {
		return fmt.Errorf("%w: %v", ErrInvalidBPM, v)
	}
	p.mu.Lock()
	if err := p.checkSequence(seq); err != nil {
		p.mu.Unlock()
		return err
	}
	p.sequences[seq].BPM = v
	p.mu.Unlock()
	p.changed()
	return nil
}

func (p *Project) SetSequenceName(seq int, name string) error {
	p.mu.Lock()
	if err := p.checkSequence(seq); err != nil {
		p.mu.Unlock()
		return err
	}
	p.sequences[seq].Name = name
	p.mu.Unlock()
	p.changed()
	return nil
}

func (p *Project) checkSequence(seq int) error {
	if seq < 0 || seq >= len(p.sequences) {
		return fmt.Errorf("%w: sequence %d", ErrOutOfRange, seq)
	}
	return nil
}

func (p *Project) checkChannel(seq, ch int) error {
	if err := p.checkSequence(seq); err != nil {
		return err
	}
	if ch < 0 || ch >= p.geometry.ChannelCount {
		return fmt.Errorf("%w: channel %d", ErrOutOfRange, ch)
	}
	return nil
}

func (p *Project) checkStep(seq, ch, step int) error {
	if err := p.checkChannel(seq, ch); err != nil {
		return err
	}
	if step < 0 || step >= p.geometry.StepsPerSequence {
		return fmt.Errorf("%w: step %d", ErrOutOfRange, step)
	}
	return nil
}

// SetStep replaces one step. The write is atomic with respect to Slot.
func (p *Project) SetStep(seq, ch, step int, s Step) error {
	if s.Pitch != nil && (math.IsNaN(*s.Pitch) || math.IsInf(*s.Pitch, 0)) {
		return fmt.Errorf("%w: pitch %v", ErrInvalidValue, *s.Pitch)
	}
	if s.Volume != nil && !(*s.Volume >= 0 && *s.Volume <= 1) {
		return fmt.Errorf("%w: step volume %v", ErrInvalidValue, *s.Volume)
	}
	p.mu.Lock()
	if err := p.checkStep(seq, ch, step); err != nil {
		p.mu.Unlock()
		return err
	}
	p.sequences[seq].Channels[ch].Steps[step] = s.clone()
	p.mu.Unlock()
	p.changed()
	return nil
}

func (s Step) clone() Step {
	if s.Pitch != nil {
		v := *s.Pitch
		s.Pitch = &v
	}
	if s.Volume != nil {
		v := *s.Volume
		s.Volume = &v
	}
	return s
}

func (p *Project) Step(seq, ch, step int) (Step, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.checkStep(seq, ch, step); err != nil {
		return Step{}, err
	}
	return p.sequences[seq].Channels[ch].Steps[step].clone(), nil
}

// Channel returns a copy of a channel including its steps
func (p *Project) Channel(seq, ch int) (Channel, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.checkChannel(seq, ch); err != nil {
		return Channel{}, err
	}
	return p.sequences[seq].Channels[ch].clone(), nil
}

func (c Channel) clone() Channel {
	steps := make([]Step, len(c.Steps))
	for i, s := range c.Steps {
		steps[i] = s.clone()
	}
	c.Steps = steps
	return c
}

func (p *Project) updateChannel(seq, ch int, fn func(c *Channel)) error {
	p.mu.Lock()
	if err := p.checkChannel(seq, ch); err != nil {
		p.mu.Unlock()
		return err
	}
	fn(&p.sequences[seq].Channels[ch])
	p.mu.Unlock()
	p.changed()
	return nil
}

func (p *Project) SetChannelBuffer(seq, ch int, ref string) error {
	return p.updateChannel(seq, ch, func(c *Channel) { c.Buffer = ref })
}

func (p *Project) SetChannelTrim(seq, ch int, w TrimWindow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	return p.updateChannel(seq, ch, func(c *Channel) { c.Trim = w })
}

func (p *Project) SetChannelVolume(seq, ch int, v float64) error {
	if !(v >= 0 && v <= 1) {
		return fmt.Errorf("%w: volume %v", ErrInvalidValue, v)
	}
	return p.updateChannel(seq, ch, func(c *Channel) { c.Volume = v })
}

func (p *Project) SetChannelSpeed(seq, ch int, v float64) error {
	if !(v > 0) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: speed %v", ErrInvalidValue, v)
	}
	return p.updateChannel(seq, ch, func(c *Channel) { c.Speed = v })
}

func (p *Project) SetChannelMute(seq, ch int, muted bool) error {
	return p.updateChannel(seq, ch, func(c *Channel) { c.Mute = muted })
}

func (p *Project) SetChannelSolo(seq, ch int, solo bool) error {
	return p.updateChannel(seq, ch, func(c *Channel) { c.Solo = solo })
}

// MarkLive adds a sequence to the set eligible for chain playback
func (p *Project) MarkLive(seq int) error {
	p.mu.Lock()
	if err := p.checkSequence(seq); err != nil {
		p.mu.Unlock()
		return err
	}
	p.live[seq] = true
	p.mu.Unlock()
	p.changed()
	return nil
}

func (p *Project) UnmarkLive(seq int) error {
	p.mu.Lock()
	if err := p.checkSequence(seq); err != nil {
		p.mu.Unlock()
		return err
	}
	delete(p.live, seq)
	p.mu.Unlock()
	p.changed()
	return nil
}

func (p *Project) IsLive(seq int) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.live[seq]
}

// Live returns the live sequence indices in ascending order
func (p *Project) Live() []int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.liveLocked()
}

func (p *Project) liveLocked() []int {
	out := make([]int, 0, len(p.live))
	for seq := range p.live {
		if seq < len(p.sequences) {
			out = append(out, seq)
		}
	}
	sort.Ints(out)
	return out
}

// IsPopulated reports whether any channel of the sequence has an active step
func (p *Project) IsPopulated(seq int) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if seq < 0 || seq >= len(p.sequences) {
		return false
	}
	return p.sequences[seq].populated()
}

func (s *Sequence) populated() bool {
	for _, c := range s.Channels {
		for _, st := range c.Steps {
			if st.Active {
				return true
			}
		}
	}
	return false
}

// SetGeometry resizes the project. Step data inside the new bounds is kept.
func (p *Project) SetGeometry(g Geometry) error {
	if g.ChannelCount == 0 {
		g.ChannelCount = p.Geometry().ChannelCount
	}
	if err := g.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	seqs := make([]*Sequence, g.SequenceCount)
	for i := range seqs {
		if i < len(p.sequences) {
			seqs[i] = p.sequences[i].resized(g)
		} else {
			seqs[i] = newSequence(i, g)
		}
	}
	p.sequences = seqs
	p.geometry = g
	for seq := range p.live {
		if seq >= g.SequenceCount {
			delete(p.live, seq)
		}
	}
	p.mu.Unlock()
	p.changed()
	return nil
}

func (s *Sequence) resized(g Geometry) *Sequence {
	out := &Sequence{Name: s.Name, BPM: s.BPM, Channels: make([]Channel, g.ChannelCount)}
	for i := range out.Channels {
		if i >= len(s.Channels) {
			out.Channels[i] = newChannel(g.StepsPerSequence)
			continue
		}
		c := s.Channels[i]
		steps := make([]Step, g.StepsPerSequence)
		copy(steps, c.Steps)
		c.Steps = steps
		out.Channels[i] = c
	}
	return out
}

package model

import (
	"fmt"
)

// ChannelTrigger is everything the dispatcher needs about one active step,
// copied under a single read lock.
type ChannelTrigger struct {
	Channel int
	Buffer  string
	Step    Step
	Mute    bool
	Solo    bool
	Volume  float64
	Speed   float64
	Trim    TrimWindow
}

// Slot is a consistent view of one step index of one sequence
type Slot struct {
	Sequence int
	Step     int
	AnySolo  bool
	Triggers []ChannelTrigger
}

// Slot copies the active channels at (seq, step). Edits made after this
// call never affect the returned value.
func (p *Project) Slot(seq, step int) (Slot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.checkStep(seq, 0, step); err != nil {
		return Slot{}, err
	}
	s := Slot{Sequence: seq, Step: step}
	for i, c := range p.sequences[seq].Channels {
		if c.Solo {
			s.AnySolo = true
		}
		st := c.Steps[step]
		if !st.Active {
			continue
		}
		s.Triggers = append(s.Triggers, ChannelTrigger{
			Channel: i,
			Buffer:  c.Buffer,
			Step:    st.clone(),
			Mute:    c.Mute,
			Solo:    c.Solo,
			Volume:  c.Volume,
			Speed:   c.Speed,
			Trim:    c.Trim,
		})
	}
	return s, nil
}

// Snapshot is a deep copy of a whole project, used for persistence
type Snapshot struct {
	BPM       float64
	Geometry  Geometry
	Sequences []Sequence
	Live      []int
}

func (p *Project) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := Snapshot{
		BPM:       p.bpm,
		Geometry:  p.geometry,
		Sequences: make([]Sequence, len(p.sequences)),
		Live:      p.liveLocked(),
	}
	for i, seq := range p.sequences {
		cp := Sequence{Name: seq.Name, BPM: seq.BPM, Channels: make([]Channel, len(seq.Channels))}
		for j, c := range seq.Channels {
			cp.Channels[j] = c.clone()
		}
		s.Sequences[i] = cp
	}
	return s
}

// FromSnapshot builds a project, validating every field. Missing sequences
// and channels are created empty; short step arrays are padded.
func FromSnapshot(s Snapshot) (*Project, error) {
	p, err := NewProject(s.Geometry)
	if err != nil {
		return nil, err
	}
	if err := p.Restore(s); err != nil {
		return nil, err
	}
	return p, nil
}

// Restore replaces the contents of p with s. On error p is unchanged.
func (p *Project) Restore(s Snapshot) error {
	if err := s.Geometry.Validate(); err != nil {
		return err
	}
	if !ValidBPM(s.BPM) {
		return fmt.Errorf("%w: %v", ErrInvalidBPM, s.BPM)
	}
	if len(s.Sequences) > s.Geometry.SequenceCount {
		return fmt.Errorf("%w: %d sequences for count %d", ErrOutOfRange, len(s.Sequences), s.Geometry.SequenceCount)
	}
	g := s.Geometry
	seqs := make([]*Sequence, g.SequenceCount)
	for i := range seqs {
		seqs[i] = newSequence(i, g)
		if i >= len(s.Sequences) {
			continue
		}
		src := s.Sequences[i]
		if src.BPM != 0 && !ValidBPM(src.BPM) {
			return fmt.Errorf("sequence %d: %w: %v", i, ErrInvalidBPM, src.BPM)
		}
		if len(src.Channels) > g.ChannelCount {
			return fmt.Errorf("sequence %d: %w: %d channels", i, ErrOutOfRange, len(src.Channels))
		}
		if src.Name != "" {
			seqs[i].Name = src.Name
		}
		seqs[i].BPM = src.BPM
		for j, c := range src.Channels {
			if len(c.Steps) > g.StepsPerSequence {
				return fmt.Errorf("sequence %d channel %d: %w: %d steps", i, j, ErrOutOfRange, len(c.Steps))
			}
			if err := c.Trim.Validate(); err != nil {
				return fmt.Errorf("sequence %d channel %d: %w", i, j, err)
			}
			steps := make([]Step, g.StepsPerSequence)
			for k, st := range c.Steps {
				steps[k] = st.clone()
			}
			c.Steps = steps
			seqs[i].Channels[j] = c
		}
	}
	live := make(map[int]bool, len(s.Live))
	for _, seq := range s.Live {
		if seq < 0 || seq >= g.SequenceCount {
			return fmt.Errorf("%w: live sequence %d", ErrOutOfRange, seq)
		}
		live[seq] = true
	}

	p.mu.Lock()
	p.bpm = s.BPM
	p.geometry = g
	p.sequences = seqs
	p.live = live
	p.mu.Unlock()
	p.changed()
	return nil
}

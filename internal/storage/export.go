package storage

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/schollz/stepcollider/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrInvalidEntry = errors.New("invalid step entry")

// StepEntry is one element of a compacted step list. It encodes as
//
//	5                                   active step 5
//	"5r"                                active reversed step 5
//	{"range":[8,11]}                    active steps 8..11 inclusive
//	{"step":3,"pitch":-12,"volume":0.5} active step 3 with overrides
type StepEntry struct {
	Index   int
	Last    int
	Reverse bool
	Pitch   *float64
	Volume  *float64
}

type entryObject struct {
	Range   *[2]int  `json:"range,omitempty"`
	Step    *int     `json:"step,omitempty"`
	Reverse bool     `json:"reverse,omitempty"`
	Pitch   *float64 `json:"pitch,omitempty"`
	Volume  *float64 `json:"volume,omitempty"`
}

func (e StepEntry) MarshalJSON() ([]byte, error) {
	switch {
	case e.Pitch != nil || e.Volume != nil:
		idx := e.Index
		return json.Marshal(entryObject{Step: &idx, Reverse: e.Reverse, Pitch: e.Pitch, Volume: e.Volume})
	case e.Last > e.Index:
		return json.Marshal(entryObject{Range: &[2]int{e.Index, e.Last}, Reverse: e.Reverse})
	case e.Reverse:
		return json.Marshal(strconv.Itoa(e.Index) + "r")
	default:
		return json.Marshal(e.Index)
	}
}

func (e *StepEntry) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return ErrInvalidEntry
	}
	*e = StepEntry{}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if strings.HasSuffix(s, "r") {
			e.Reverse = true
			s = strings.TrimSuffix(s, "r")
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidEntry, string(data))
		}
		e.Index, e.Last = n, n
	case '{':
		var o entryObject
		if err := json.Unmarshal(data, &o); err != nil {
			return err
		}
		switch {
		case o.Range != nil && o.Step == nil:
			if o.Range[0] > o.Range[1] {
				return fmt.Errorf("%w: range %d > %d", ErrInvalidEntry, o.Range[0], o.Range[1])
			}
			e.Index, e.Last = o.Range[0], o.Range[1]
		case o.Step != nil && o.Range == nil:
			e.Index, e.Last = *o.Step, *o.Step
		default:
			return fmt.Errorf("%w: %s", ErrInvalidEntry, string(data))
		}
		e.Reverse = o.Reverse
		e.Pitch, e.Volume = o.Pitch, o.Volume
	default:
		var n int
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidEntry, string(data))
		}
		e.Index, e.Last = n, n
	}
	return nil
}

// CompactSteps keeps only active steps. Plain runs of two or more collapse
// into a range, reversed steps are written one by one.
func CompactSteps(steps []model.Step) []StepEntry {
	var out []StepEntry
	for i := 0; i < len(steps); i++ {
		st := steps[i]
		if !st.Active {
			continue
		}
		if st.Pitch != nil || st.Volume != nil {
			out = append(out, StepEntry{Index: i, Last: i, Reverse: st.Reverse, Pitch: copyFloat(st.Pitch), Volume: copyFloat(st.Volume)})
			continue
		}
		if st.Reverse {
			out = append(out, StepEntry{Index: i, Last: i, Reverse: true})
			continue
		}
		j := i
		for j+1 < len(steps) && plain(steps[j+1]) {
			j++
		}
		out = append(out, StepEntry{Index: i, Last: j})
		i = j
	}
	return out
}

func plain(st model.Step) bool {
	return st.Active && !st.Reverse && st.Pitch == nil && st.Volume == nil
}

// ExpandSteps rebuilds n steps from a compacted list. Entry order does not
// matter; when entries overlap the later one wins.
func ExpandSteps(entries []StepEntry, n int) ([]model.Step, error) {
	steps := make([]model.Step, n)
	for _, e := range entries {
		if e.Last < e.Index {
			e.Last = e.Index
		}
		if e.Index < 0 || e.Last >= n {
			return nil, fmt.Errorf("%w: step %d..%d of %d", model.ErrOutOfRange, e.Index, e.Last, n)
		}
		for i := e.Index; i <= e.Last; i++ {
			steps[i] = model.Step{Active: true, Reverse: e.Reverse, Pitch: copyFloat(e.Pitch), Volume: copyFloat(e.Volume)}
		}
	}
	return steps, nil
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Document is the exported project. Only sequences and channels that
// differ from a fresh project are written.
type Document struct {
	BPM       float64            `json:"bpm"`
	Geometry  model.Geometry     `json:"geometry"`
	Live      []int              `json:"live"`
	Sequences []SequenceDocument `json:"sequences"`
}

type SequenceDocument struct {
	Index    int               `json:"index"`
	Name     string            `json:"name,omitempty"`
	BPM      float64           `json:"bpm,omitempty"`
	Channels []ChannelDocument `json:"channels,omitempty"`
}

type ChannelDocument struct {
	Index  int              `json:"index"`
	Buffer string           `json:"buffer,omitempty"`
	Mute   bool             `json:"mute,omitempty"`
	Solo   bool             `json:"solo,omitempty"`
	Volume float64          `json:"volume"`
	Speed  float64          `json:"speed"`
	Trim   model.TrimWindow `json:"trim"`
	Steps  []StepEntry      `json:"steps"`
}

func defaultChannel(c model.Channel) bool {
	if c.Buffer != "" || c.Mute || c.Solo || c.Volume != 1 || c.Speed != 1 || c.Trim != model.FullWindow() {
		return false
	}
	for _, st := range c.Steps {
		if st.Active {
			return false
		}
	}
	return true
}

// NewDocument compacts a project
func NewDocument(p *model.Project) Document {
	snap := p.Snapshot()
	doc := Document{BPM: snap.BPM, Geometry: snap.Geometry, Live: snap.Live}
	if doc.Live == nil {
		doc.Live = []int{}
	}
	for i, seq := range snap.Sequences {
		sd := SequenceDocument{Index: i, BPM: seq.BPM}
		if seq.Name != model.DefaultSequenceName(i) {
			sd.Name = seq.Name
		}
		for j, c := range seq.Channels {
			if defaultChannel(c) {
				continue
			}
			sd.Channels = append(sd.Channels, ChannelDocument{
				Index:  j,
				Buffer: c.Buffer,
				Mute:   c.Mute,
				Solo:   c.Solo,
				Volume: c.Volume,
				Speed:  c.Speed,
				Trim:   c.Trim,
				Steps:  CompactSteps(c.Steps),
			})
		}
		if sd.Name == "" && sd.BPM == 0 && len(sd.Channels) == 0 {
			continue
		}
		doc.Sequences = append(doc.Sequences, sd)
	}
	return doc
}

// Snapshot expands the document into a full project snapshot
func (d Document) Snapshot() (model.Snapshot, error) {
	g := d.Geometry
	if err := g.Validate(); err != nil {
		return model.Snapshot{}, err
	}
	s := model.Snapshot{BPM: d.BPM, Geometry: g, Live: append([]int(nil), d.Live...)}

	last := -1
	for _, sd := range d.Sequences {
		if sd.Index < 0 || sd.Index >= g.SequenceCount {
			return model.Snapshot{}, fmt.Errorf("%w: sequence %d", model.ErrOutOfRange, sd.Index)
		}
		if sd.Index > last {
			last = sd.Index
		}
	}
	s.Sequences = make([]model.Sequence, last+1)
	for i := range s.Sequences {
		s.Sequences[i] = model.Sequence{Channels: make([]model.Channel, g.ChannelCount)}
		for j := range s.Sequences[i].Channels {
			s.Sequences[i].Channels[j] = model.Channel{Volume: 1, Speed: 1, Trim: model.FullWindow()}
		}
	}
	for _, sd := range d.Sequences {
		seq := &s.Sequences[sd.Index]
		seq.Name = sd.Name
		seq.BPM = sd.BPM
		for _, cd := range sd.Channels {
			if cd.Index < 0 || cd.Index >= g.ChannelCount {
				return model.Snapshot{}, fmt.Errorf("sequence %d: %w: channel %d", sd.Index, model.ErrOutOfRange, cd.Index)
			}
			steps, err := ExpandSteps(cd.Steps, g.StepsPerSequence)
			if err != nil {
				return model.Snapshot{}, fmt.Errorf("sequence %d channel %d: %w", sd.Index, cd.Index, err)
			}
			seq.Channels[cd.Index] = model.Channel{
				Buffer: cd.Buffer,
				Mute:   cd.Mute,
				Solo:   cd.Solo,
				Volume: cd.Volume,
				Speed:  cd.Speed,
				Trim:   cd.Trim,
				Steps:  steps,
			}
		}
	}
	sort.Ints(s.Live)
	return s, nil
}

// Export encodes p in compacted form
func Export(p *model.Project) ([]byte, error) {
	return json.MarshalIndent(NewDocument(p), "", "  ")
}

// Import decodes a compacted document into a new project
func Import(data []byte) (*model.Project, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	snap, err := doc.Snapshot()
	if err != nil {
		return nil, err
	}
	return model.FromSnapshot(snap)
}

// ImportInto replaces the contents of p. On error p is unchanged.
func ImportInto(p *model.Project, data []byte) error {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	snap, err := doc.Snapshot()
	if err != nil {
		return err
	}
	return p.Restore(snap)
}

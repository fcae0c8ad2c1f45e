package storage

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schollz/stepcollider/internal/model"
)

func fptr(v float64) *float64 { return &v }

func TestCompactSteps(t *testing.T) {
	steps := make([]model.Step, 16)
	for _, i := range []int{0, 4, 5, 6, 7, 12, 13} {
		steps[i].Active = true
	}
	steps[9] = model.Step{Active: true, Reverse: true}
	steps[10] = model.Step{Active: true, Reverse: true}
	steps[14] = model.Step{Active: true, Pitch: fptr(-12)}
	steps[2] = model.Step{Reverse: true} // inactive, dropped

	data, err := json.Marshal(CompactSteps(steps))
	require.NoError(t, err)
	assert.JSONEq(t, `[0,{"range":[4,7]},"9r","10r",{"range":[12,13]},{"step":14,"pitch":-12}]`, string(data))
}

func TestExpandStepsOrderIndependent(t *testing.T) {
	var a, b []StepEntry
	require.NoError(t, json.Unmarshal([]byte(`[0,{"range":[4,7]},"9r",{"step":3,"volume":0.5}]`), &a))
	require.NoError(t, json.Unmarshal([]byte(`[{"step":3,"volume":0.5},"9r",{"range":[4,7]},0]`), &b))

	sa, err := ExpandSteps(a, 16)
	require.NoError(t, err)
	sb, err := ExpandSteps(b, 16)
	require.NoError(t, err)
	assert.Equal(t, sa, sb)

	assert.True(t, sa[0].Active)
	assert.True(t, sa[6].Active)
	assert.False(t, sa[8].Active)
	assert.True(t, sa[9].Reverse)
	require.NotNil(t, sa[3].Volume)
	assert.Equal(t, 0.5, *sa[3].Volume)
}

func TestDecodeEntries(t *testing.T) {
	tests := []struct {
		in   string
		want StepEntry
		err  bool
	}{
		{in: `7`, want: StepEntry{Index: 7, Last: 7}},
		{in: `"7r"`, want: StepEntry{Index: 7, Last: 7, Reverse: true}},
		{in: `"7"`, want: StepEntry{Index: 7, Last: 7}},
		{in: `{"range":[2,5]}`, want: StepEntry{Index: 2, Last: 5}},
		{in: `{"range":[2,5],"reverse":true}`, want: StepEntry{Index: 2, Last: 5, Reverse: true}},
		{in: `{"range":[5,2]}`, err: true},
		{in: `{"range":[1,2],"step":1}`, err: true},
		{in: `{}`, err: true},
		{in: `"xr"`, err: true},
		{in: `true`, err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var e StepEntry
			err := json.Unmarshal([]byte(tt.in), &e)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, e)
		})
	}
}

func TestExpandStepsOutOfRange(t *testing.T) {
	_, err := ExpandSteps([]StepEntry{{Index: 60, Last: 64}}, 64)
	assert.ErrorIs(t, err, model.ErrOutOfRange)
	_, err = ExpandSteps([]StepEntry{{Index: -1, Last: -1}}, 64)
	assert.ErrorIs(t, err, model.ErrOutOfRange)
}

// indexSets returns the active and reversed step indices of every channel
func indexSets(p *model.Project) (active, reverse map[[3]int]bool) {
	active, reverse = map[[3]int]bool{}, map[[3]int]bool{}
	for i, seq := range p.Snapshot().Sequences {
		for j, c := range seq.Channels {
			for k, st := range c.Steps {
				if st.Active {
					active[[3]int{i, j, k}] = true
					if st.Reverse {
						reverse[[3]int{i, j, k}] = true
					}
				}
			}
		}
	}
	return active, reverse
}

func TestRoundTripRandomGrids(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		p, err := model.NewProject(model.Geometry{StepsPerSequence: 64, SequenceCount: 8, ChannelCount: 4})
		require.NoError(t, err)
		for n := 0; n < 300; n++ {
			seq, ch, step := rng.Intn(8), rng.Intn(4), rng.Intn(64)
			st := model.Step{Active: rng.Intn(3) > 0, Reverse: rng.Intn(4) == 0}
			if rng.Intn(10) == 0 {
				st.Pitch = fptr(float64(rng.Intn(25) - 12))
			}
			require.NoError(t, p.SetStep(seq, ch, step, st))
		}
		require.NoError(t, p.MarkLive(rng.Intn(8)))

		data, err := Export(p)
		require.NoError(t, err)
		got, err := Import(data)
		require.NoError(t, err)

		wantActive, wantReverse := indexSets(p)
		gotActive, gotReverse := indexSets(got)
		assert.Equal(t, wantActive, gotActive)
		assert.Equal(t, wantReverse, gotReverse)
		assert.Equal(t, p.Live(), got.Live())
	}
}

func TestRoundTripKeepsChannelSettings(t *testing.T) {
	p := model.NewDefaultProject()
	require.NoError(t, p.SetChannelBuffer(2, 3, "snare.wav"))
	require.NoError(t, p.SetChannelVolume(2, 3, 0.4))
	require.NoError(t, p.SetChannelSpeed(2, 3, 1.5))
	require.NoError(t, p.SetChannelMute(2, 3, true))
	require.NoError(t, p.SetChannelSolo(2, 5, true))
	require.NoError(t, p.SetSequenceName(2, "verse"))
	require.NoError(t, p.SetSequenceBPM(2, 96))
	require.NoError(t, p.SetStep(2, 3, 8, model.Step{Active: true, Reverse: true, Volume: fptr(0.25)}))

	data, err := Export(p)
	require.NoError(t, err)
	got, err := Import(data)
	require.NoError(t, err)
	assert.Equal(t, p.Snapshot(), got.Snapshot())

	doc := NewDocument(p)
	require.Len(t, doc.Sequences, 1)
	assert.Equal(t, 2, doc.Sequences[0].Index)
	assert.Len(t, doc.Sequences[0].Channels, 2)
}

func TestImportRejectsBadDocuments(t *testing.T) {
	geom := `"geometry":{"stepsPerSequence":16,"sequenceCount":4,"channelCount":2}`
	bad := map[string]string{
		"syntax":   `{`,
		"bpm":      `{"bpm":-5,` + geom + `}`,
		"sequence": `{"bpm":120,` + geom + `,"sequences":[{"index":4}]}`,
		"channel":  `{"bpm":120,` + geom + `,"sequences":[{"index":0,"channels":[{"index":2,"volume":1,"speed":1,"trim":{"start":0,"end":1},"steps":[]}]}]}`,
		"step":     `{"bpm":120,` + geom + `,"sequences":[{"index":0,"channels":[{"index":0,"volume":1,"speed":1,"trim":{"start":0,"end":1},"steps":[16]}]}]}`,
		"trim":     `{"bpm":120,` + geom + `,"sequences":[{"index":0,"channels":[{"index":0,"volume":1,"speed":1,"trim":{"start":0.8,"end":0.2},"steps":[]}]}]}`,
		"live":     `{"bpm":120,` + geom + `,"live":[9]}`,
		"geometry": `{"bpm":120}`,
	}
	for name, doc := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := Import([]byte(doc))
			assert.Error(t, err)
		})
	}

	p := model.NewDefaultProject()
	before := p.Snapshot()
	assert.Error(t, ImportInto(p, []byte(bad["step"])))
	assert.Equal(t, before, p.Snapshot())
}

func TestImportMinimalDocument(t *testing.T) {
	doc := `{"bpm":100,"geometry":{"stepsPerSequence":4,"sequenceCount":2,"channelCount":1},
		"live":[1],
		"sequences":[{"index":1,"channels":[{"index":0,"buffer":"a.wav","volume":1,"speed":1,
		"trim":{"start":0,"end":1},"steps":["3r",{"range":[0,1]}]}]}]}`
	p, err := Import([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, 100.0, p.BPM())
	assert.True(t, p.IsPopulated(1))
	assert.False(t, p.IsPopulated(0))

	st, err := p.Step(1, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, model.Step{Active: true, Reverse: true}, st)
	st, err = p.Step(1, 0, 2)
	require.NoError(t, err)
	assert.False(t, st.Active)
}

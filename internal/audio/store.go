package audio

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/schollz/audiomorph"

	"github.com/schollz/stepcollider/internal/types"
)

type entry struct {
	normal   *Buffer
	reversed *Buffer
}

// Store holds decoded buffers and their reversed twins. Decoding happens in
// Load/LoadDir, never in Resolve, so the schedule path only touches
// buffers that are already in memory.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	nextID  int
}

func NewStore() *Store {
	return &Store{entries: make(map[string]entry)}
}

// Add registers an already-decoded buffer under its Ref and builds the
// reversed twin.
func (s *Store) Add(b *Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[b.Ref]; ok {
		b.ID = old.normal.ID
	} else {
		b.ID = s.nextID
		s.nextID += 2
	}
	b.Reversed = false
	s.entries[b.Ref] = entry{normal: b, reversed: b.ReversedTwin()}
}

func (s *Store) Remove(ref string) {
	s.mu.Lock()
	delete(s.entries, ref)
	s.mu.Unlock()
}

// Resolve returns the buffer for ref in the requested direction
func (s *Store) Resolve(ref string, dir types.Direction) (*Buffer, error) {
	s.mu.RLock()
	e, ok := s.entries[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", ref, ErrNotLoaded)
	}
	if dir == types.Reverse {
		return e.reversed, nil
	}
	return e.normal, nil
}

// Refs lists loaded buffer references, sorted
func (s *Store) Refs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for ref := range s.entries {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}

// Supported lists the sample file extensions Load accepts. Anything but
// .wav goes through audiomorph.
var Supported = []string{".wav", ".aif", ".aiff", ".flac", ".mp3", ".ogg"}

func supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, s := range Supported {
		if ext == s {
			return true
		}
	}
	return false
}

// Load decodes a sample file and registers it under ref
func (s *Store) Load(ref, path string) (*Buffer, error) {
	var b *Buffer
	var err error
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		b, err = DecodeWav(ref, path)
	} else {
		b, err = DecodeFile(ref, path)
	}
	if err != nil {
		return nil, err
	}
	s.Add(b)
	log.Printf("Loaded buffer %q from %s: %d frames, %d ch, %.3fs", ref, path, b.Frames(), b.NumChannels(), b.Duration())
	return b, nil
}

// LoadDir loads every supported sample file in dir, keyed by file name. Files that fail
// to decode are logged and skipped.
func (s *Store) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !supported(e.Name()) {
			continue
		}
		if _, err := s.Load(e.Name(), filepath.Join(dir, e.Name())); err != nil {
			log.Printf("Skipping %s: %v", e.Name(), err)
			continue
		}
		n++
	}
	return n, nil
}

// DecodeWav reads a PCM WAV file into a Buffer
func DecodeWav(ref, path string) (*Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, fmt.Errorf("%s: %w", path, ErrInvalidWav)
	}
	pcm, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fromIntBuffer(ref, pcm, int(d.BitDepth))
}

// WavPath returns a WAV file for the sample at path, for backends that read
// the file themselves. Other formats are converted once into dir and the
// cached copy is reused.
func WavPath(path, dir string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		return path, nil
	}
	if !supported(path) {
		return "", fmt.Errorf("%s: %w: unsupported format", path, ErrInvalidWav)
	}
	out := filepath.Join(dir, filepath.Base(path)+".wav")
	if _, err := os.Stat(out); err == nil {
		return out, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	a, err := audiomorph.DecodeFile(path)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	if err := audiomorph.EncodeFile(a, out); err != nil {
		return "", fmt.Errorf("failed to convert %s: %w", path, err)
	}
	log.Printf("Converted %s to %s", path, out)
	return out, nil
}

// DecodeFile reads an aiff, flac, mp3 or ogg file into a Buffer
func DecodeFile(ref, path string) (*Buffer, error) {
	if !supported(path) {
		return nil, fmt.Errorf("%s: %w: unsupported format", path, ErrInvalidWav)
	}
	a, err := audiomorph.DecodeFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if a.NumChannels <= 0 || len(a.Data) == 0 {
		return nil, fmt.Errorf("%s: %w: %d channels", path, ErrInvalidWav, a.NumChannels)
	}
	frames := len(a.Data[0])
	pcm := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: a.NumChannels, SampleRate: a.SampleRate},
		Data:   make([]int, frames*a.NumChannels),
	}
	for c := 0; c < a.NumChannels && c < len(a.Data); c++ {
		for i := 0; i < frames && i < len(a.Data[c]); i++ {
			pcm.Data[i*a.NumChannels+c] = a.Data[c][i]
		}
	}
	return fromIntBuffer(ref, pcm, a.BitDepth)
}

func fromIntBuffer(ref string, pcm *goaudio.IntBuffer, bitDepth int) (*Buffer, error) {
	if pcm == nil || pcm.Format == nil {
		return nil, fmt.Errorf("%s: %w", ref, ErrInvalidWav)
	}
	numCh := pcm.Format.NumChannels
	if numCh <= 0 {
		return nil, fmt.Errorf("%s: %w: %d channels", ref, ErrInvalidWav, numCh)
	}
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float32(int64(1) << uint(bitDepth-1))
	frames := len(pcm.Data) / numCh
	samples := make([][]float32, numCh)
	for c := range samples {
		samples[c] = make([]float32, frames)
	}
	for i := 0; i < frames*numCh; i++ {
		samples[i%numCh][i/numCh] = float32(pcm.Data[i]) / scale
	}
	return NewBuffer(ref, pcm.Format.SampleRate, samples)
}

// Package storage persists projects as compacted JSON, either as a plain
// export document or gzipped in a project folder.
package storage

import (
	"compress/gzip"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/schollz/stepcollider/internal/model"
)

// DataFile is the project file inside a save folder
const DataFile = "data.json.gz"

// AutoSaveDelay is how long AutoSave waits for edits to settle
var AutoSaveDelay = 1 * time.Second

var (
	autoSaveMu    sync.Mutex
	autoSaveTimer *time.Timer
)

// Save writes p to folder/data.json.gz, creating the folder if needed
func Save(p *model.Project, folder string) error {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return fmt.Errorf("create save folder: %w", err)
	}
	data, err := json.Marshal(NewDocument(p))
	if err != nil {
		return fmt.Errorf("encode project: %w", err)
	}

	path := filepath.Join(folder, DataFile)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(f)
	if _, err := zw.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// DoSave saves and logs instead of returning the error
func DoSave(p *model.Project, folder string) {
	start := time.Now()
	if err := Save(p, folder); err != nil {
		log.Printf("Error saving project to %s: %v", folder, err)
		return
	}
	log.Printf("Saved project to %s in %v", folder, time.Since(start))
}

// LoadState replaces the contents of p with folder/data.json.gz
func LoadState(p *model.Project, folder string) error {
	f, err := os.Open(filepath.Join(folder, DataFile))
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("read %s: %w", DataFile, err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return fmt.Errorf("read %s: %w", DataFile, err)
	}
	if err := ImportInto(p, data); err != nil {
		return fmt.Errorf("load %s: %w", folder, err)
	}
	log.Printf("Loaded project from %s (%d live sequences)", folder, len(p.Live()))
	return nil
}

// AutoSave schedules a save after AutoSaveDelay. Calls arriving before the
// delay elapses restart it, so a burst of edits writes once.
func AutoSave(p *model.Project, folder string) {
	autoSaveMu.Lock()
	defer autoSaveMu.Unlock()
	if autoSaveTimer != nil {
		autoSaveTimer.Stop()
	}
	autoSaveTimer = time.AfterFunc(AutoSaveDelay, func() {
		DoSave(p, folder)
	})
}

// WriteExport writes the indented compacted document to path
func WriteExport(p *model.Project, path string) error {
	data, err := Export(p)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadExport loads a compacted document from path
func ReadExport(path string) (*model.Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Import(data)
}

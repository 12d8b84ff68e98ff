// Package manifest owns the per-input manifest document: the only mutable
// file in a working directory. Artifacts are immutable once written; the
// manifest records which stages produced them and under which fingerprint.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"bookalign/internal/canonjson"
)

// SchemaVersion identifies the manifest schema.
const SchemaVersion = "asr-manifest/v2"

// Filename is the manifest's name inside a working directory.
const Filename = "manifest.json"

// Stage status values.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Manifest is the root document.
type Manifest struct {
	Schema string                 `json:"schema"`
	Input  Input                  `json:"input"`
	Stages map[string]*StageEntry `json:"stages"`

	path string
}

// Input describes the top-level audio input the working directory belongs to.
type Input struct {
	Path        string  `json:"path"`
	SHA256      string  `json:"sha256"`
	DurationSec float64 `json:"durationSec"`
	SizeBytes   int64   `json:"sizeBytes"`
	MtimeUTC    string  `json:"mtimeUtc"`
}

// StageEntry records one stage's outcome.
type StageEntry struct {
	Status      StageStatus       `json:"status"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
	Fingerprint *Fingerprint      `json:"fingerprint,omitempty"`
}

// StageStatus is the lifecycle portion of a stage entry.
type StageStatus struct {
	Status   string `json:"status"`
	Started  string `json:"started,omitempty"`
	Ended    string `json:"ended,omitempty"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// New creates a manifest for the given input file. durationSec comes from the
// media probe; the caller supplies it so this package stays subprocess-free.
func New(workDir, inputPath, sha256Hex string, durationSec float64) (*Manifest, error) {
	st, err := os.Stat(inputPath)
	if err != nil {
		return nil, fmt.Errorf("stat input: %w", err)
	}
	return &Manifest{
		Schema: SchemaVersion,
		Input: Input{
			Path:        inputPath,
			SHA256:      sha256Hex,
			DurationSec: durationSec,
			SizeBytes:   st.Size(),
			MtimeUTC:    st.ModTime().UTC().Format(time.RFC3339),
		},
		Stages: map[string]*StageEntry{},
		path:   filepath.Join(workDir, Filename),
	}, nil
}

// Load reads the manifest from workDir. Returns os.ErrNotExist (wrapped) when
// the working directory has no manifest yet.
func Load(workDir string) (*Manifest, error) {
	path := filepath.Join(workDir, Filename)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := canonjson.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Schema != SchemaVersion {
		return nil, fmt.Errorf("manifest schema %q, want %q", m.Schema, SchemaVersion)
	}
	if m.Stages == nil {
		m.Stages = map[string]*StageEntry{}
	}
	m.path = path
	return &m, nil
}

// Save writes the manifest atomically (temp file + rename in the same dir).
func (m *Manifest) Save() error {
	if m.path == "" {
		return fmt.Errorf("manifest has no path")
	}
	data, err := canonjson.MarshalIndent(m)
	if err != nil {
		return err
	}
	return WriteFileAtomic(m.path, data)
}

// Entry returns the entry for a stage, creating it on first use.
func (m *Manifest) Entry(stage string) *StageEntry {
	e, ok := m.Stages[stage]
	if !ok {
		e = &StageEntry{Status: StageStatus{Status: StatusPending}}
		m.Stages[stage] = e
	}
	return e
}

// Invalidate clears the fingerprint for a stage so the next run recomputes it.
func (m *Manifest) Invalidate(stage string) {
	if e, ok := m.Stages[stage]; ok {
		e.Fingerprint = nil
		e.Status.Status = StatusPending
	}
}

// ArtifactPath resolves a logical artifact of a completed stage to an absolute
// path under workDir. The empty string is returned when unknown.
func (m *Manifest) ArtifactPath(workDir, stage, name string) string {
	e, ok := m.Stages[stage]
	if !ok || e.Artifacts == nil {
		return ""
	}
	rel, ok := e.Artifacts[name]
	if !ok {
		return ""
	}
	return filepath.Join(workDir, rel)
}

// WriteFileAtomic stages data in a temp file next to path and renames it into
// place. A crashed writer never leaves a partial artifact visible.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// Package registry persists per-title install records. The orchestrator is
// the only writer and mutates records exclusively through the state-transition
// calls below; the engines never touch the registry directly.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// GameState is the user-visible lifecycle state of an installed title.
type GameState string

const (
	StateNotInstalled     GameState = "not_installed"
	StateCheckingUpdate   GameState = "checking_update"
	StateUpdateAvailable  GameState = "update_available"
	StateUpdating         GameState = "updating"
	StateDownloadingDelta GameState = "downloading_delta"
	StateDownloadingFull  GameState = "downloading_full"
	StateApplyingPatch    GameState = "applying_patch"
	StateExtracting       GameState = "extracting"
	StateReady            GameState = "ready"
	StateNeedsUpdate      GameState = "needs_update"
	StateFailed           GameState = "failed"
)

// GameRecord is one title's persisted install record.
type GameRecord struct {
	ID          string    `json:"id"`
	Version     string    `json:"version"`
	InstallPath string    `json:"install_path"`
	Installed   bool      `json:"installed"`
	State       GameState `json:"state"`
}

// Registry is the game-record collaborator contract used by the orchestrator.
// GetGame resolves unknown titles to a nil record, not an error.
type Registry interface {
	GetGame(id string) (*GameRecord, error)
	UpdateState(id string, state GameState) error
	UpdateVersion(id, version string) error
	UpdateInstallPath(id, path string, installed bool) error
}

// FileRegistry stores records in a single JSON file guarded by a mutex. It is
// externally synchronized from the orchestrator's point of view.
type FileRegistry struct {
	mu   sync.Mutex
	path string
}

func NewFileRegistry(path string) *FileRegistry {
	return &FileRegistry{path: path}
}

func (r *FileRegistry) GetGame(id string) (*GameRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	records, err := r.load()
	if err != nil {
		return nil, err
	}
	rec, ok := records[id]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (r *FileRegistry) UpdateState(id string, state GameState) error {
	return r.mutate(id, func(rec *GameRecord) { rec.State = state })
}

func (r *FileRegistry) UpdateVersion(id, version string) error {
	return r.mutate(id, func(rec *GameRecord) { rec.Version = version })
}

func (r *FileRegistry) UpdateInstallPath(id, path string, installed bool) error {
	return r.mutate(id, func(rec *GameRecord) {
		rec.InstallPath = path
		rec.Installed = installed
	})
}

func (r *FileRegistry) mutate(id string, fn func(*GameRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	records, err := r.load()
	if err != nil {
		return err
	}
	rec, ok := records[id]
	if !ok {
		rec = GameRecord{ID: id, State: StateNotInstalled}
	}
	fn(&rec)
	records[id] = rec
	return r.store(records)
}

func (r *FileRegistry) load() (map[string]GameRecord, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return map[string]GameRecord{}, nil
	}
	if err != nil {
		return nil, err
	}
	var records map[string]GameRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = map[string]GameRecord{}
	}
	return records, nil
}

func (r *FileRegistry) store(records map[string]GameRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

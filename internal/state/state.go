package state

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// State tracks export and import progress between runs.
//
// Exports remember the highest exported UID per folder together with the
// folder's UIDVALIDITY; a different UIDVALIDITY means the UIDs were
// reassigned and the folder starts over.
type State struct {
	mu      sync.Mutex
	Folders map[string]FolderState `json:"folders"`
	// MboxProgress counts messages already appended from an mbox file,
	// keyed by MboxKey.
	MboxProgress map[string]int `json:"mbox_progress"`
}

type FolderState struct {
	UIDValidity string `json:"uid_validity"`
	MaxUID      uint32 `json:"max_uid"`
}

func New() *State {
	return &State{Folders: make(map[string]FolderState), MboxProgress: make(map[string]int)}
}

// Load reads the state file. A missing file or empty path gives a fresh state.
func Load(path string) (*State, error) {
	st := New()
	if path == "" {
		return st, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(b, st); err != nil {
		return nil, err
	}
	if st.Folders == nil {
		st.Folders = make(map[string]FolderState)
	}
	if st.MboxProgress == nil {
		st.MboxProgress = make(map[string]int)
	}
	return st, nil
}

// Save writes the state through a temporary file so a crash never leaves a
// truncated file behind.
func (s *State) Save(path string) error {
	if path == "" {
		return nil
	}
	s.mu.Lock()
	b, err := json.MarshalIndent(s, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".goimap-state-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// GetMaxUID returns the highest exported UID of folder, or 0 when nothing
// was exported under this uidValidity.
func (s *State) GetMaxUID(folder, uidValidity string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.Folders[folder]
	if !ok || fs.UIDValidity != uidValidity {
		return 0
	}
	return fs.MaxUID
}

// SetMaxUID raises the recorded UID. A new uidValidity replaces the entry.
func (s *State) SetMaxUID(folder, uidValidity string, uid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.Folders[folder]
	if !ok || fs.UIDValidity != uidValidity {
		s.Folders[folder] = FolderState{UIDValidity: uidValidity, MaxUID: uid}
		return
	}
	if uid > fs.MaxUID {
		fs.MaxUID = uid
		s.Folders[folder] = fs
	}
}

// Forget drops everything recorded for folder.
func (s *State) Forget(folder string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Folders, folder)
}

// MboxKey identifies an mbox import into a destination folder.
func MboxKey(mboxPath, folder string) string {
	if abs, err := filepath.Abs(mboxPath); err == nil {
		mboxPath = abs
	}
	return "mbox:" + mboxPath + "|dst:" + folder
}

func (s *State) GetMboxProgress(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.MboxProgress[key]
}

func (s *State) SetMboxProgress(key string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MboxProgress[key] = n
}

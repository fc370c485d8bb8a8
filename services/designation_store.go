package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/yeremiapane/replisync/utils"
)

const (
	SwitchInProgress = "in_progress"
	SwitchCompleted  = "completed"
	SwitchFailed     = "failed"
)

// SwitchRecord is one entry of the primary switch history.
type SwitchRecord struct {
	ID                   string             `json:"id"`
	From                 string             `json:"from"`
	To                   string             `json:"to"`
	Timestamp            time.Time          `json:"timestamp"`
	Reason               string             `json:"reason"`
	Operator             string             `json:"operator"`
	Force                bool               `json:"force"`
	SkipConsistencyCheck bool               `json:"skip_consistency_check"`
	ConsistencyReport    *ConsistencyReport `json:"consistency_report,omitempty"`
	Status               string             `json:"status"`
	Error                string             `json:"error,omitempty"`
	CompletedAt          *time.Time         `json:"completed_at,omitempty"`
}

type designationState struct {
	CurrentPrimary string         `json:"current_primary"`
	History        []SwitchRecord `json:"history"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// DesignationStore persists the primary designation and its history in a JSON file.
type DesignationStore struct {
	path  string
	limit int
	write func(path string, data []byte) error

	mu    sync.RWMutex
	state designationState
}

// OpenDesignationStore loads the state file. A missing file, or one naming a node
// that is no longer configured, starts from defaultPrimary.
func OpenDesignationStore(path, defaultPrimary string, limit int, known func(string) bool) (*DesignationStore, error) {
	s := &DesignationStore{
		path:  path,
		limit: limit,
		write: atomicWrite,
		state: designationState{CurrentPrimary: defaultPrimary},
	}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		utils.InfoLogger.Printf("Primary state file %s not found, starting with %s", path, defaultPrimary)
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read primary state: %w", err)
	}

	var st designationState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("parse primary state %s: %w", path, err)
	}
	if st.CurrentPrimary == "" || (known != nil && !known(st.CurrentPrimary)) {
		utils.InfoLogger.Warnf("Primary %q in %s is not configured, using %s", st.CurrentPrimary, path, defaultPrimary)
		st.CurrentPrimary = defaultPrimary
	}
	s.state = st
	s.trim()
	return s, nil
}

func (s *DesignationStore) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.CurrentPrimary
}

// SetCurrent persists a new primary. The in-memory value is reverted when the
// write fails.
func (s *DesignationStore) SetCurrent(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state.CurrentPrimary
	s.state.CurrentPrimary = name
	if err := s.persistLocked(); err != nil {
		s.state.CurrentPrimary = prev
		return err
	}
	return nil
}

func (s *DesignationStore) Append(rec SwitchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state.History
	s.state.History = append(append([]SwitchRecord(nil), prev...), rec)
	s.trim()
	if err := s.persistLocked(); err != nil {
		s.state.History = prev
		return err
	}
	return nil
}

// Update applies fn to the history entry with the given id and persists.
func (s *DesignationStore) Update(id string, fn func(*SwitchRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.History {
		if s.state.History[i].ID == id {
			fn(&s.state.History[i])
			return s.persistLocked()
		}
	}
	return fmt.Errorf("switch record %s not found", id)
}

// History returns up to limit entries, newest first. limit <= 0 returns all.
func (s *DesignationStore) History(limit int) []SwitchRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.state.History)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]SwitchRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.state.History[i])
	}
	return out
}

// LastCompleted returns the most recent completed switch.
func (s *DesignationStore) LastCompleted() (SwitchRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.state.History) - 1; i >= 0; i-- {
		if s.state.History[i].Status == SwitchCompleted {
			return s.state.History[i], true
		}
	}
	return SwitchRecord{}, false
}

func (s *DesignationStore) trim() {
	if s.limit > 0 && len(s.state.History) > s.limit {
		s.state.History = append([]SwitchRecord(nil), s.state.History[len(s.state.History)-s.limit:]...)
	}
}

func (s *DesignationStore) persistLocked() error {
	s.state.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode primary state: %w", err)
	}
	if err := s.write(s.path, data); err != nil {
		return fmt.Errorf("persist primary state: %w", err)
	}
	return nil
}

// atomicWrite replaces path through a temp file in the same directory.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".primary-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

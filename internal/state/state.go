package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AgentState is the process-wide trading switch. TradingEnabled=false set by
// a drawdown breach is sticky for the rest of the trading day; only day
// rollover re-enables it, and never past PermanentHalt.
type AgentState struct {
	Version        int64  `json:"version"`
	UpdatedAt      string `json:"updated_at"`
	TradingEnabled bool   `json:"trading_enabled"`
	HaltReason     string `json:"halt_reason,omitempty"`
	CurrentDay     string `json:"current_day"` // YYYY-MM-DD
	PermanentHalt  bool   `json:"permanent_halt"`
}

// Store persists AgentState so a restart resumes the correct halt state.
// All reads and writes are serialized through the store's lock.
type Store struct {
	mu       sync.RWMutex
	filePath string
	state    AgentState
}

func NewStore(filePath string) *Store {
	return &Store{
		filePath: filePath,
		state: AgentState{
			TradingEnabled: true,
			CurrentDay:     time.Now().UTC().Format("2006-01-02"),
		},
	}
}

// Load reads persisted state from disk; a missing file seeds defaults.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return s.saveUnsafe()
		}
		return fmt.Errorf("read agent state: %w", err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return fmt.Errorf("unmarshal agent state: %w", err)
	}
	return nil
}

// Get returns a copy of the current state.
func (s *Store) Get() AgentState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// TradingEnabled reports whether cycles may propose orders.
func (s *Store) TradingEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.TradingEnabled && !s.state.PermanentHalt
}

// Halt disables trading with a reason. Idempotent under repeated breaches.
func (s *Store) Halt(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.TradingEnabled && s.state.HaltReason == reason {
		return nil
	}
	s.state.TradingEnabled = false
	s.state.HaltReason = reason
	return s.saveUnsafe()
}

// PermanentlyHalt disables trading across day rollovers.
func (s *Store) PermanentlyHalt(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.TradingEnabled = false
	s.state.PermanentHalt = true
	s.state.HaltReason = reason
	return s.saveUnsafe()
}

// RolloverDay advances CurrentDay and re-enables trading unless permanently
// halted. Returns true if the day actually changed.
func (s *Store) RolloverDay(day string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.CurrentDay == day {
		return false, nil
	}
	s.state.CurrentDay = day
	if !s.state.PermanentHalt {
		s.state.TradingEnabled = true
		s.state.HaltReason = ""
	}
	return true, s.saveUnsafe()
}

// saveUnsafe atomically persists state (temp file + rename). Callers hold the lock.
func (s *Store) saveUnsafe() error {
	s.state.Version++
	s.state.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal agent state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tempPath := s.filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp agent state: %w", err)
	}
	if err := os.Rename(tempPath, s.filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename agent state: %w", err)
	}
	return nil
}

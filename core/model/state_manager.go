package model

import (
	"sync"

	scierrors "github.com/explainable-platform/shapserve/pkg/errors"
)

// StateManager tracks whether a decoded artifact is ready to serve, and its input width.
// It is safe for concurrent use.
type StateManager struct {
	mu        sync.RWMutex
	loaded    bool
	nFeatures int
}

// NewStateManager creates a new StateManager instance.
func NewStateManager() *StateManager {
	return &StateManager{}
}

// SetLoaded marks the artifact as decoded with the given input width.
func (s *StateManager) SetLoaded(nFeatures int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = true
	s.nFeatures = nFeatures
}

// IsLoaded reports whether SetLoaded has been called.
func (s *StateManager) IsLoaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// NFeatures returns the input width recorded at load time.
func (s *StateManager) NFeatures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nFeatures
}

// RequireLoaded returns a ModelError if the artifact has not been decoded.
func (s *StateManager) RequireLoaded(op, kind string) error {
	if !s.IsLoaded() {
		return scierrors.NewModelError(op, kind, scierrors.New("artifact has not been loaded"))
	}
	return nil
}

// CheckInput validates that X has the recorded number of columns.
func (s *StateManager) CheckInput(op string, X interface{ Dims() (int, int) }) error {
	rows, cols := X.Dims()
	if rows == 0 {
		return scierrors.ErrEmptyData
	}
	if want := s.NFeatures(); cols != want {
		return scierrors.NewDimensionError(op, want, cols, 1)
	}
	return nil
}

package engine

import (
	"fmt"
	"sync"

	"github.com/txtx/txtx/pkg/types"
)

// SigningCommandsState is the single logical store of signer states. A
// phase pops the state of its signer, owns it for the duration of the
// call, and pushes it back. Popping a state that is already held fails.
type SigningCommandsState struct {
	mu     sync.Mutex
	states map[types.ConstructDid]*types.ValueStore
	held   map[types.ConstructDid]bool
}

// NewSigningCommandsState creates an empty store.
func NewSigningCommandsState() *SigningCommandsState {
	return &SigningCommandsState{
		states: make(map[types.ConstructDid]*types.ValueStore),
		held:   make(map[types.ConstructDid]bool),
	}
}

// Pop removes and returns the state of a signer, creating an empty one on
// first use.
func (s *SigningCommandsState) Pop(did types.ConstructDid, name string) (*types.ValueStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held[did] {
		return nil, types.NewProtocolError(fmt.Sprintf("signer state %s is already held by another phase", did.Short()), nil).
			WithCode(types.ErrCodeInternal).
			WithConstruct(did)
	}
	state, ok := s.states[did]
	if !ok {
		state = types.NewValueStore(name)
	}
	delete(s.states, did)
	s.held[did] = true
	return state, nil
}

// Push returns a state to the store.
func (s *SigningCommandsState) Push(did types.ConstructDid, state *types.ValueStore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[did] = state
	delete(s.held, did)
}

// Get returns a copy of a state for reading.
func (s *SigningCommandsState) Get(did types.ConstructDid) (*types.ValueStore, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[did]
	if !ok {
		return nil, false
	}
	return state.Clone(), true
}

// IsHeld reports whether a phase currently owns the state.
func (s *SigningCommandsState) IsHeld(did types.ConstructDid) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held[did]
}

// Restore seeds states from persisted ones. States currently held are left
// untouched.
func (s *SigningCommandsState) Restore(states map[types.ConstructDid]*types.ValueStore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for did, state := range states {
		if s.held[did] {
			continue
		}
		s.states[did] = state
	}
}

// All returns a copy of every state that is not held.
func (s *SigningCommandsState) All() map[types.ConstructDid]*types.ValueStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[types.ConstructDid]*types.ValueStore, len(s.states))
	for did, state := range s.states {
		out[did] = state.Clone()
	}
	return out
}

// Package memory defines per-user conversation state and the repository
// that persists it for the chat relay.
package memory

import (
	"context"
	"sort"
)

// DefaultHistoryCap is the maximum number of turns retained per user.
const DefaultHistoryCap = 30

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Turn is one role-tagged message in a conversation history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// UserState is one user's bounded conversation history plus personalization text.
type UserState struct {
	History      []Turn `json:"history"`
	PersonalInfo string `json:"personal_info"`
}

// NewUserState returns the default state for a user with no stored memory.
func NewUserState() UserState {
	return UserState{History: []Turn{}}
}

// Append returns a copy of s with the given turns appended to its history.
// The receiver's backing array is never shared with the result.
func (s UserState) Append(turns ...Turn) UserState {
	history := make([]Turn, 0, len(s.History)+len(turns))
	history = append(history, s.History...)
	history = append(history, turns...)
	return UserState{History: history, PersonalInfo: s.PersonalInfo}
}

// Store is the full persisted mapping of user ID to state.
type Store map[string]UserState

// IDs returns the user IDs in s, sorted.
func (s Store) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Repository owns read and write access to the persisted Store.
type Repository interface {
	// Load returns the state for userID, or NewUserState if none is stored.
	// It never fails; decode problems degrade to the default.
	Load(ctx context.Context, userID string) UserState

	// Save replaces the stored state for userID, truncating its history.
	Save(ctx context.Context, userID string, state UserState) error

	// Update applies fn to the current stored state for userID inside the
	// store's write section and persists the result.
	Update(ctx context.Context, userID string, fn func(UserState) UserState) (UserState, error)

	// Clear resets the stored state for userID to NewUserState.
	Clear(ctx context.Context, userID string) error

	// List returns the IDs of all users with stored state, sorted.
	List(ctx context.Context) ([]string, error)
}

// Truncate keeps only the most recent max turns of state's history, in order.
// A non-positive max falls back to DefaultHistoryCap.
func Truncate(state UserState, max int) UserState {
	if max <= 0 {
		max = DefaultHistoryCap
	}
	if state.History == nil {
		state.History = []Turn{}
	}
	if len(state.History) > max {
		kept := make([]Turn, max)
		copy(kept, state.History[len(state.History)-max:])
		state.History = kept
	}
	return state
}

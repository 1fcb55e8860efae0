package memory

import (
	"context"
	"sync"
)

// InMemoryRepository keeps user state in process memory with the same
// truncation rules as FileRepository. Nothing survives a restart.
type InMemoryRepository struct {
	mu    sync.Mutex
	cap   int
	users Store
}

// NewInMemoryRepository creates an in-memory repository.
// historyCap <= 0 means DefaultHistoryCap.
func NewInMemoryRepository(historyCap int) *InMemoryRepository {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	return &InMemoryRepository{
		cap:   historyCap,
		users: make(Store),
	}
}

// Load returns a copy of the user's state, or the default.
func (r *InMemoryRepository) Load(_ context.Context, userID string) UserState {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.users[userID]
	if !ok {
		return NewUserState()
	}
	return cloneState(state)
}

// Save replaces the user's state after truncation.
func (r *InMemoryRepository) Save(ctx context.Context, userID string, state UserState) error {
	_, err := r.Update(ctx, userID, func(UserState) UserState { return state })
	return err
}

// Update applies fn to the current state and stores the truncated result.
func (r *InMemoryRepository) Update(ctx context.Context, userID string, fn func(UserState) UserState) (UserState, error) {
	if err := ctx.Err(); err != nil {
		return UserState{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.users[userID]
	if !ok {
		current = NewUserState()
	}
	next := Truncate(cloneState(fn(cloneState(current))), r.cap)
	r.users[userID] = next
	return cloneState(next), nil
}

// Clear resets the user to the default state.
func (r *InMemoryRepository) Clear(ctx context.Context, userID string) error {
	return r.Save(ctx, userID, NewUserState())
}

// List returns the known user ids in sorted order.
func (r *InMemoryRepository) List(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users.IDs(), nil
}

var _ Repository = (*InMemoryRepository)(nil)

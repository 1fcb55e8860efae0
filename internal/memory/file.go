package memory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Metrics receives store-level observations. telemetry.Metrics satisfies it.
type Metrics interface {
	ObserveStoreWrite(d time.Duration, err error)
	IncStoreCorrupt()
}

// settings are shared by the persistent repositories.
type settings struct {
	cap    int
	logger *slog.Logger
	stats  Metrics
}

func newSettings(opts []Option) settings {
	s := settings{cap: DefaultHistoryCap, logger: slog.Default()}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func (s settings) observeWrite(start time.Time, err error) {
	if s.stats != nil {
		s.stats.ObserveStoreWrite(time.Since(start), err)
	}
}

// Option configures a persistent repository.
type Option func(*settings)

// WithHistoryCap sets the number of turns retained per user.
func WithHistoryCap(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.cap = n
		}
	}
}

// WithLogger sets the logger used for recovered read failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the store metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *settings) { s.stats = m }
}

// FileRepository implements Repository on top of a single JSON document.
// Every write re-reads, modifies and rewrites the whole document while
// holding mu; reads take no lock and may be served from an in-flight read.
type FileRepository struct {
	settings
	path string

	mu    sync.Mutex
	reads singleflight.Group
}

// NewFileRepository creates a repository persisting to path. The file and its
// parent directory are created lazily on the first write.
func NewFileRepository(path string, opts ...Option) *FileRepository {
	return &FileRepository{
		settings: newSettings(opts),
		path:     path,
	}
}

// Path returns the location of the persisted document.
func (r *FileRepository) Path() string {
	return r.path
}

// Load returns the stored state for userID or the default state.
func (r *FileRepository) Load(ctx context.Context, userID string) UserState {
	v, _, _ := r.reads.Do(r.path, func() (interface{}, error) {
		store, err := r.readStore()
		if err != nil {
			r.logger.WarnContext(ctx, "memory store unreadable, using empty store",
				"path", r.path, "error", err)
		}
		return store, nil
	})

	store := v.(Store)
	state, ok := store[userID]
	if !ok {
		return NewUserState()
	}
	return cloneState(state)
}

// Save replaces the stored state for userID.
func (r *FileRepository) Save(ctx context.Context, userID string, state UserState) error {
	_, err := r.Update(ctx, userID, func(UserState) UserState { return state })
	return err
}

// Update applies fn to the current state for userID and persists the result.
// The read, fn and the write all happen inside the store's write section.
func (r *FileRepository) Update(ctx context.Context, userID string, fn func(UserState) UserState) (UserState, error) {
	if err := ctx.Err(); err != nil {
		return UserState{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	store, err := r.readStore()
	if err != nil {
		if !errors.Is(err, ErrStoreCorrupt) {
			r.observeWrite(start, err)
			return UserState{}, fmt.Errorf("read memory store: %w", err)
		}
		r.logger.WarnContext(ctx, "memory store corrupt, rewriting from empty store",
			"path", r.path, "error", err)
		r.quarantine(ctx)
	}

	current, ok := store[userID]
	if !ok {
		current = NewUserState()
	}
	next := Truncate(fn(cloneState(current)), r.cap)
	store[userID] = next

	err = r.writeStore(store)
	r.observeWrite(start, err)
	if err != nil {
		return UserState{}, err
	}
	return cloneState(next), nil
}

// Clear resets userID to the default state.
func (r *FileRepository) Clear(ctx context.Context, userID string) error {
	return r.Save(ctx, userID, NewUserState())
}

// List returns all stored user IDs in sorted order.
func (r *FileRepository) List(_ context.Context) ([]string, error) {
	store, err := r.readStore()
	if err != nil {
		return nil, err
	}
	return store.IDs(), nil
}

// readStore loads the whole document. A missing file is an empty store. A
// corrupt file yields an empty store and an error wrapping ErrStoreCorrupt.
func (r *FileRepository) readStore() (Store, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Store{}, nil
		}
		return Store{}, err
	}
	store, err := Decode(data)
	if err != nil && r.stats != nil {
		r.stats.IncStoreCorrupt()
	}
	return store, err
}

// writeStore replaces the document atomically: the new content goes to a
// temp file in the same directory which is synced and renamed over the target.
func (r *FileRepository) writeStore(store Store) error {
	data, err := Encode(store)
	if err != nil {
		return err
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create memory directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(r.path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp memory file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write memory store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync memory store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp memory file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod memory store: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("persist memory store: %w", err)
	}
	return nil
}

// quarantine keeps a copy of a corrupt document next to it before it is
// overwritten. Failures are only logged.
func (r *FileRepository) quarantine(ctx context.Context) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return
	}
	dst := r.path + ".corrupt"
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		r.logger.WarnContext(ctx, "could not keep copy of corrupt memory store", "path", dst, "error", err)
		return
	}
	r.logger.InfoContext(ctx, "kept copy of corrupt memory store", "path", dst)
}

func cloneState(s UserState) UserState {
	history := make([]Turn, len(s.History))
	copy(history, s.History)
	return UserState{History: history, PersonalInfo: s.PersonalInfo}
}

var _ Repository = (*FileRepository)(nil)

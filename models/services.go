// basement/models/services.go
package models

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"basement/utils"
)

// StorageService is the object store holding uploaded images.
type StorageService interface {
	// Put stores data under key and returns its public URL.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// Delete removes the objects behind the given URLs.
	Delete(ctx context.Context, urls ...string) error
}

// --- Rate Limiter ---

// Window is one identifier's fixed-window counter.
type Window struct {
	Count   int
	ResetAt time.Time
}

// WindowStore holds rate limit windows. Update must apply fn atomically per key:
// two concurrent updates to one key never observe the same prior window.
type WindowStore interface {
	Update(ctx context.Context, key string, fn func(w Window, ok bool) Window) (Window, error)
	Get(ctx context.Context, key string) (Window, bool, error)
	Delete(ctx context.Context, key string) error
	// Sweep drops windows that reset at or before now and reports how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// RateLimiter throttles writes per identifier with a fixed window plus burst.
type RateLimiter struct {
	store  WindowStore
	clock  utils.Clock
	logger *slog.Logger
}

// NewRateLimiter creates a limiter over store, falling back to an in-process store when nil.
func NewRateLimiter(store WindowStore, clock utils.Clock, logger *slog.Logger) *RateLimiter {
	if store == nil {
		store = NewMemoryWindowStore()
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &RateLimiter{store: store, clock: clock, logger: logger}
}

func rateKey(id string) string { return "post:" + id }

// Allow records a hit for id and reports whether it fits in the current window.
// A denied hit does not count against the window.
func (rl *RateLimiter) Allow(ctx context.Context, id string, window time.Duration, burst int) (bool, error) {
	now := rl.clock.Now()
	var allowed bool
	_, err := rl.store.Update(ctx, rateKey(id), func(w Window, ok bool) Window {
		if !ok || !now.Before(w.ResetAt) {
			allowed = true
			return Window{Count: 1, ResetAt: now.Add(window)}
		}
		if w.Count >= burst {
			allowed = false
			return w
		}
		allowed = true
		w.Count++
		return w
	})
	if err != nil {
		return false, err
	}
	return allowed, nil
}

// IsRateLimited is Allow inverted. Store failures let the request through.
func (rl *RateLimiter) IsRateLimited(ctx context.Context, id string, window time.Duration, burst int) bool {
	allowed, err := rl.Allow(ctx, id, window, burst)
	if err != nil {
		rl.logger.Error("Rate limit store failed, allowing request", "id", id, "error", err)
		return false
	}
	return !allowed
}

// SecondsUntilReset reports how long id must wait, rounded up. Zero when no window is active.
func (rl *RateLimiter) SecondsUntilReset(ctx context.Context, id string) int {
	w, ok, err := rl.store.Get(ctx, rateKey(id))
	if err != nil {
		rl.logger.Error("Rate limit store failed reading window", "id", id, "error", err)
		return 0
	}
	if !ok {
		return 0
	}
	remaining := w.ResetAt.Sub(rl.clock.Now())
	if remaining <= 0 {
		return 0
	}
	return int((remaining + time.Second - 1) / time.Second)
}

// Clear forgets id's window.
func (rl *RateLimiter) Clear(ctx context.Context, id string) error {
	return rl.store.Delete(ctx, rateKey(id))
}

// Sweep removes expired windows.
func (rl *RateLimiter) Sweep(ctx context.Context) (int, error) {
	return rl.store.Sweep(ctx, rl.clock.Now())
}

// --- In-memory Window Store ---

type windowEntry struct {
	mu     sync.Mutex
	window Window
	set    bool
	dead   bool
}

// MemoryWindowStore keeps windows in process memory with a lock per key.
type MemoryWindowStore struct {
	mu      sync.RWMutex
	entries map[string]*windowEntry
}

func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{entries: make(map[string]*windowEntry)}
}

func (s *MemoryWindowStore) entry(key string) *windowEntry {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[key]; !ok {
		e = &windowEntry{}
		s.entries[key] = e
	}
	return e
}

func (s *MemoryWindowStore) Update(ctx context.Context, key string, fn func(w Window, ok bool) Window) (Window, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Window{}, err
		}
		e := s.entry(key)
		e.mu.Lock()
		if e.dead {
			// Swept between lookup and lock.
			e.mu.Unlock()
			continue
		}
		e.window = fn(e.window, e.set)
		e.set = true
		w := e.window
		e.mu.Unlock()
		return w, nil
	}
}

func (s *MemoryWindowStore) Get(_ context.Context, key string) (Window, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return Window{}, false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead || !e.set {
		return Window{}, false, nil
	}
	return e.window, true, nil
}

func (s *MemoryWindowStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.mu.Lock()
		e.dead = true
		e.mu.Unlock()
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryWindowStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, e := range s.entries {
		e.mu.Lock()
		if !e.set || !now.Before(e.window.ResetAt) {
			e.dead = true
			delete(s.entries, key)
			removed++
		}
		e.mu.Unlock()
	}
	return removed, nil
}

// Len reports how many windows are held.
func (s *MemoryWindowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

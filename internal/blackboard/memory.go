package blackboard

import (
	"context"
	"path"
	"sync"
	"sync/atomic"
	"time"
)

type entry struct {
	value   any
	version int64
	expires time.Time
}

type watcher struct {
	pattern string
	mu      sync.Mutex
	ch      chan Update
	closed  bool
}

// send never blocks. It reports false when the buffer was full.
func (w *watcher) send(upd Update) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return true
	}
	select {
	case w.ch <- upd:
		return true
	default:
		return false
	}
}

func (w *watcher) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
}

// MemoryStore is an in-process Store. Watch uses path.Match globs.
// Like Redis pub/sub, a watcher that falls behind loses updates instead of
// stalling writers.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]entry
	watchers map[*watcher]struct{}
	now      func() time.Time
	dropped  atomic.Int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]entry),
		watchers: make(map[*watcher]struct{}),
		now:      time.Now,
	}
}

func (s *MemoryStore) live(key string) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if !e.expires.IsZero() && !s.now().Before(e.expires) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}

func (s *MemoryStore) set(key string, value any, ttl time.Duration) Update {
	e, _ := s.live(key)
	e.value = value
	e.version++
	e.expires = time.Time{}
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	s.entries[key] = e
	return Update{Key: key, Value: value, Version: e.version}
}

// Put stores value and returns its new version.
func (s *MemoryStore) Put(ctx context.Context, key string, value any, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	upd := s.set(key, value, ttl)
	ws := s.matching(key)
	s.mu.Unlock()
	s.broadcast(ws, upd)
	return upd.Version, nil
}

// Get returns the value and version for key, or nil, 0 when absent.
func (s *MemoryStore) Get(ctx context.Context, key string) (any, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return nil, 0, nil
	}
	return e.value, e.version, nil
}

// Txn applies all puts under one lock.
func (s *MemoryStore) Txn(ctx context.Context, values map[string]any, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	type pending struct {
		ws  []*watcher
		upd Update
	}
	var out []pending
	s.mu.Lock()
	for k, v := range values {
		upd := s.set(k, v, ttl)
		out = append(out, pending{ws: s.matching(k), upd: upd})
	}
	s.mu.Unlock()
	for _, p := range out {
		s.broadcast(p.ws, p.upd)
	}
	return nil
}

// Delete removes key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Watch delivers updates for keys matching pattern until ctx is done, then
// closes the channel.
func (s *MemoryStore) Watch(ctx context.Context, pattern string) (<-chan Update, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, err
	}
	w := &watcher{pattern: pattern, ch: make(chan Update, 16)}
	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()
	context.AfterFunc(ctx, func() {
		s.mu.Lock()
		delete(s.watchers, w)
		s.mu.Unlock()
		w.close()
	})
	return w.ch, nil
}

func (s *MemoryStore) matching(key string) []*watcher {
	var ws []*watcher
	for w := range s.watchers {
		if ok, _ := path.Match(w.pattern, key); ok {
			ws = append(ws, w)
		}
	}
	return ws
}

func (s *MemoryStore) broadcast(ws []*watcher, upd Update) {
	for _, w := range ws {
		if !w.send(upd) {
			s.dropped.Add(1)
		}
	}
}

// Dropped returns how many updates were discarded because a watcher's
// buffer was full.
func (s *MemoryStore) Dropped() int64 { return s.dropped.Load() }

// Close drops all entries and closes every watch channel.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	ws := s.watchers
	s.entries = make(map[string]entry)
	s.watchers = make(map[*watcher]struct{})
	s.mu.Unlock()
	for w := range ws {
		w.close()
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)

// Package guard provides an in-memory counter store for tests and local runs.
package guard

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// InMemoryStore implements CounterStore in process. Expiry is evaluated
// lazily against an injectable clock so tests can advance time.
type InMemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	values  map[string]*memValue
	sets    map[string]*memSet
	lists   map[string][]string
	healthy atomic.Bool
}

type memValue struct {
	value     string
	counter   int64
	isCounter bool
	expiresAt time.Time
}

type memSet struct {
	members   map[string]bool
	expiresAt time.Time
}

// NewInMemoryStore constructs an in-memory store.
func NewInMemoryStore(now func() time.Time) *InMemoryStore {
	if now == nil {
		now = time.Now
	}
	store := &InMemoryStore{
		now:    now,
		values: make(map[string]*memValue),
		sets:   make(map[string]*memSet),
		lists:  make(map[string][]string),
	}
	store.healthy.Store(true)
	return store
}

// SetHealthy toggles simulated store availability.
func (s *InMemoryStore) SetHealthy(v bool) {
	if s == nil {
		return
	}
	s.healthy.Store(v)
}

func (s *InMemoryStore) check() error {
	if s == nil {
		return errors.New("store is nil")
	}
	if !s.healthy.Load() {
		return ErrStoreUnavailable
	}
	return nil
}

func (s *InMemoryStore) expiredLocked(v *memValue) bool {
	return !v.expiresAt.IsZero() && !s.now().Before(v.expiresAt)
}

// IncrWindow atomically increments key and starts the window on creation.
func (s *InMemoryStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	if window <= 0 {
		window = time.Second
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.values[key]
	if v == nil || s.expiredLocked(v) {
		v = &memValue{isCounter: true, expiresAt: s.now().Add(window)}
		s.values[key] = v
	}
	v.counter++
	return v.counter, nil
}

// Get fetches a value if present and unexpired.
func (s *InMemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := s.check(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.values[key]
	if v == nil || s.expiredLocked(v) {
		delete(s.values, key)
		return "", false, nil
	}
	if v.isCounter {
		return strconv.FormatInt(v.counter, 10), true, nil
	}
	return v.value, true, nil
}

// SetWithTTL writes a value. A non-positive TTL stores without expiry.
func (s *InMemoryStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v := &memValue{value: value}
	if ttl > 0 {
		v.expiresAt = s.now().Add(ttl)
	}
	s.values[key] = v
	return nil
}

// Delete removes a key.
func (s *InMemoryStore) Delete(ctx context.Context, key string) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	delete(s.sets, key)
	delete(s.lists, key)
	return nil
}

// Expire refreshes a key TTL.
func (s *InMemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v := s.values[key]; v != nil && !s.expiredLocked(v) {
		if ttl > 0 {
			v.expiresAt = s.now().Add(ttl)
		} else {
			v.expiresAt = time.Time{}
		}
	}
	if set := s.sets[key]; set != nil && ttl > 0 {
		set.expiresAt = s.now().Add(ttl)
	}
	return nil
}

// Keys lists unexpired keys under a prefix, sorted for determinism.
func (s *InMemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key, v := range s.values {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if s.expiredLocked(v) {
			delete(s.values, key)
			continue
		}
		keys = append(keys, key)
	}
	for key, set := range s.sets {
		if strings.HasPrefix(key, prefix) && !s.setExpiredLocked(set) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *InMemoryStore) setExpiredLocked(set *memSet) bool {
	return !set.expiresAt.IsZero() && !s.now().Before(set.expiresAt)
}

// SetAdd adds a member and refreshes the set TTL.
func (s *InMemoryStore) SetAdd(ctx context.Context, key, member string, ttl time.Duration) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	if set == nil || s.setExpiredLocked(set) {
		set = &memSet{members: make(map[string]bool)}
		s.sets[key] = set
	}
	set.members[member] = true
	if ttl > 0 {
		set.expiresAt = s.now().Add(ttl)
	}
	return nil
}

// SetRemove removes a member, deleting the set when emptied.
func (s *InMemoryStore) SetRemove(ctx context.Context, key, member string) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	if set == nil || s.setExpiredLocked(set) {
		delete(s.sets, key)
		return 0, nil
	}
	delete(set.members, member)
	remaining := int64(len(set.members))
	if remaining == 0 {
		delete(s.sets, key)
	}
	return remaining, nil
}

// SetMembers lists set members, sorted for determinism.
func (s *InMemoryStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	if set == nil || s.setExpiredLocked(set) {
		delete(s.sets, key)
		return nil, nil
	}
	members := make([]string, 0, len(set.members))
	for member := range set.members {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

// ListPush prepends a value and trims to maxLen entries.
func (s *InMemoryStore) ListPush(ctx context.Context, key, value string, maxLen int64) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append([]string{value}, s.lists[key]...)
	if maxLen > 0 && int64(len(list)) > maxLen {
		list = list[:maxLen]
	}
	s.lists[key] = list
	return nil
}

// ListRange reads a slice of the list, newest first.
func (s *InMemoryStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[key]
	length := int64(len(list))
	if start < 0 {
		start = length + start
	}
	if stop < 0 {
		stop = length + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	if length == 0 || start > stop || start >= length {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

// Ping reports simulated availability.
func (s *InMemoryStore) Ping(ctx context.Context) error {
	return s.check()
}

// Close is a no-op.
func (s *InMemoryStore) Close() error {
	return nil
}

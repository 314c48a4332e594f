package admission

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"
)

// memStore is an in-memory Store used by guard and listener tests. It
// mirrors the semantics the Redis client provides, including TTL
// bookkeeping, and can inject failures per operation name.
type memStore struct {
	mu       sync.Mutex
	values   map[string]string
	deadline map[string]time.Time
	sets     map[string]map[string]struct{}
	fail     map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		values:   make(map[string]string),
		deadline: make(map[string]time.Time),
		sets:     make(map[string]map[string]struct{}),
		fail:     make(map[string]error),
	}
}

func (m *memStore) failOn(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[op] = fmt.Errorf("injected %s failure", op)
}

func (m *memStore) check(op string) error {
	if err := m.fail[op]; err != nil {
		return err
	}
	return nil
}

// expireLocked drops value keys whose deadline has passed.
func (m *memStore) expireLocked(key string) {
	if dl, ok := m.deadline[key]; ok && time.Now().After(dl) {
		delete(m.values, key)
		delete(m.deadline, key)
	}
}

func (m *memStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("SetWithTTL"); err != nil {
		return err
	}
	m.values[key] = value
	m.deadline[key] = time.Now().Add(ttl)
	return nil
}

func (m *memStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("Exists"); err != nil {
		return false, err
	}
	m.expireLocked(key)
	_, ok := m.values[key]
	return ok, nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("Delete"); err != nil {
		return err
	}
	delete(m.values, key)
	delete(m.deadline, key)
	return nil
}

func (m *memStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("Get"); err != nil {
		return "", err
	}
	m.expireLocked(key)
	return m.values[key], nil
}

func (m *memStore) TTLSeconds(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("TTLSeconds"); err != nil {
		return 0, err
	}
	m.expireLocked(key)
	dl, ok := m.deadline[key]
	if !ok {
		return 0, nil
	}
	remaining := time.Until(dl)
	if remaining < 0 {
		return 0, nil
	}
	return int64(remaining / time.Second), nil
}

func (m *memStore) SetAdd(ctx context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("SetAdd"); err != nil {
		return err
	}
	if m.sets[key] == nil {
		m.sets[key] = make(map[string]struct{})
	}
	m.sets[key][member] = struct{}{}
	return nil
}

func (m *memStore) SetRemove(ctx context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("SetRemove"); err != nil {
		return err
	}
	delete(m.sets[key], member)
	return nil
}

func (m *memStore) SetCardinality(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("SetCardinality"); err != nil {
		return 0, err
	}
	return int64(len(m.sets[key])), nil
}

func (m *memStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("SetMembers"); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		out = append(out, member)
	}
	return out, nil
}

func (m *memStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("ScanKeys"); err != nil {
		return nil, err
	}
	var out []string
	for key := range m.sets {
		if ok, _ := path.Match(pattern, key); ok {
			out = append(out, key)
		}
	}
	return out, nil
}

func (m *memStore) ReserveSlot(ctx context.Context, setKey string, limit int, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("ReserveSlot"); err != nil {
		return false, err
	}
	if len(m.sets[setKey]) >= limit {
		return false, nil
	}
	if m.sets[setKey] == nil {
		m.sets[setKey] = make(map[string]struct{})
	}
	m.sets[setKey][member] = struct{}{}
	return true, nil
}

// helpers

func (m *memStore) hasMember(setKey, member string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sets[setKey][member]
	return ok
}

func (m *memStore) cardinality(setKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sets[setKey])
}

func (m *memStore) value(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	v, ok := m.values[key]
	return v, ok
}

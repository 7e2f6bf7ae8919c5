package alert

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const lockStripes = 64

// MemoryStore keeps alerts in process. Writes for one fingerprint serialize
// on a striped lock; the map itself is guarded separately so reads never
// wait on an in-progress upsert of another alert.
type MemoryStore struct {
	stripes [lockStripes]sync.Mutex

	mu     sync.RWMutex
	alerts map[string]*Alert

	now func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts: make(map[string]*Alert),
		now:    time.Now,
	}
}

func (s *MemoryStore) lockFor(fingerprint string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fingerprint))
	return &s.stripes[h.Sum32()%lockStripes]
}

func (s *MemoryStore) load(fingerprint string) (*Alert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[fingerprint]
	return a, ok
}

func (s *MemoryStore) store(a Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[a.Fingerprint] = &a
}

// Upsert inserts or updates the alert for in.Fingerprint.
func (s *MemoryStore) Upsert(ctx context.Context, in UpsertInput) (UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return UpsertResult{}, &StoreError{Op: "upsert", Err: err}
	}
	if in.At.IsZero() {
		in.At = s.now()
	}

	l := s.lockFor(in.Fingerprint)
	l.Lock()
	defer l.Unlock()

	existing, _ := s.load(in.Fingerprint)
	res := merge(existing, in)
	s.store(res.Alert)
	res.Alert = res.Alert.clone()
	return res, nil
}

// Get returns a copy of the alert.
func (s *MemoryStore) Get(_ context.Context, fingerprint string) (Alert, error) {
	a, ok := s.load(fingerprint)
	if !ok {
		return Alert{}, ErrNotFound
	}
	return a.clone(), nil
}

// List returns alerts most recently updated first.
func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]Alert, error) {
	s.mu.RLock()
	matched := make([]Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.Category != "" && a.Category != filter.Category {
			continue
		}
		matched = append(matched, a.clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
		}
		return matched[i].Fingerprint < matched[j].Fingerprint
	})

	if filter.Offset >= len(matched) {
		return []Alert{}, nil
	}
	matched = matched[max(filter.Offset, 0):]
	if limit := filter.limit(); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Transition moves an alert to a new status, optionally assigning it.
func (s *MemoryStore) Transition(_ context.Context, fingerprint string, to Status, assignee *string) (Alert, error) {
	return s.update(fingerprint, func(a *Alert) error {
		return transition(a, to, assignee, s.now())
	})
}

// AppendAction records a sink outcome on the alert.
func (s *MemoryStore) AppendAction(_ context.Context, fingerprint string, rec ActionRecord) (Alert, error) {
	return s.update(fingerprint, func(a *Alert) error {
		a.ActionHistory = append(a.ActionHistory, rec)
		a.UpdatedAt = s.now()
		return nil
	})
}

func (s *MemoryStore) update(fingerprint string, fn func(*Alert) error) (Alert, error) {
	l := s.lockFor(fingerprint)
	l.Lock()
	defer l.Unlock()

	existing, ok := s.load(fingerprint)
	if !ok {
		return Alert{}, ErrNotFound
	}
	a := existing.clone()
	if err := fn(&a); err != nil {
		return Alert{}, err
	}
	s.store(a)
	return a.clone(), nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

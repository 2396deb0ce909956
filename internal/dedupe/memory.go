package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type record struct {
	eventID   string
	seenAt    time.Time
	expiresAt time.Time
}

// MemoryStore keeps records in a map plus a list in insertion order. Capacity
// eviction pops the oldest record from the front. Expiry eviction also works
// from the front and stops at the first live record; a record that expires
// out of order is still dropped when its ID is next checked.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]*list.Element
	order    *list.List
	capacity int
	now      Clock

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

type MemoryOption func(*MemoryStore)

func WithClock(clock Clock) MemoryOption {
	return func(s *MemoryStore) {
		s.now = clock
	}
}

// NewMemoryStore returns an empty store holding at most capacity records. A
// capacity below 1 means unbounded.
func NewMemoryStore(capacity int, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		records:  make(map[string]*list.Element),
		order:    list.New(),
		capacity: capacity,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) MarkIfAbsent(_ context.Context, eventID string, ttl time.Duration) (bool, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpiredLocked(now)

	if el, ok := s.records[eventID]; ok {
		if now.Before(el.Value.(*record).expiresAt) {
			return false, nil
		}
		s.removeLocked(el)
	}

	for s.capacity > 0 && s.order.Len() >= s.capacity {
		s.removeLocked(s.order.Front())
	}

	el := s.order.PushBack(&record{eventID: eventID, seenAt: now, expiresAt: now.Add(ttl)})
	s.records[eventID] = el
	return true, nil
}

func (s *MemoryStore) Forget(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.records[eventID]; ok {
		s.removeLocked(el)
	}
	return nil
}

func (s *MemoryStore) Size(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len(), nil
}

// Sweep drops every expired record and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictExpiredLocked(now)
}

// StartSweeper runs Sweep every interval until Close.
func (s *MemoryStore) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

// Close stops the sweeper and drops all records.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()

	s.mu.Lock()
	s.records = make(map[string]*list.Element)
	s.order.Init()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) evictExpiredLocked(now time.Time) int {
	removed := 0
	for el := s.order.Front(); el != nil; el = s.order.Front() {
		if now.Before(el.Value.(*record).expiresAt) {
			break
		}
		s.removeLocked(el)
		removed++
	}
	return removed
}

func (s *MemoryStore) removeLocked(el *list.Element) {
	rec := s.order.Remove(el).(*record)
	delete(s.records, rec.eventID)
}

package ranking

import (
	"cmp"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pledgeboard/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	DefaultCapacity       = 500
	DefaultCoalesceWindow = 1 * time.Second

	firstID int64 = 1
)

// Store holds pledges keyed by id and a lazily recomputed ranked view.
// Not safe for concurrent use: the owning service serializes every call.
type Store struct {
	clock          clockwork.Clock
	capacity       int
	coalesceWindow time.Duration

	pledges map[int64]*domain.Pledge
	nextID  int64

	ranked     []domain.Pledge
	dirty      bool
	computedAt time.Time
}

func NewStore(clock clockwork.Clock, capacity int, coalesceWindow time.Duration) *Store {
	return &Store{
		clock:          clock,
		capacity:       capacity,
		coalesceWindow: coalesceWindow,
		pledges:        make(map[int64]*domain.Pledge),
		nextID:         firstID,
		dirty:          true,
	}
}

// Capacity returns the maximum number of distinct identities.
func (s *Store) Capacity() int {
	return s.capacity
}

// Full reports whether inserting a new identity would exceed capacity.
func (s *Store) Full() bool {
	return len(s.pledges) >= s.capacity
}

func (s *Store) Len() int {
	return len(s.pledges)
}

// Insert assigns the next id to a new pledge and stores it.
func (s *Store) Insert(organization, name string, target decimal.Decimal, timestamp int64) domain.Pledge {
	p := &domain.Pledge{
		ID:           s.nextID,
		Organization: organization,
		Name:         name,
		Target:       target,
		Timestamp:    timestamp,
	}
	s.nextID++
	s.pledges[p.ID] = p
	s.invalidate()
	return *p
}

// Update overwrites target and timestamp of an existing pledge.
// Returns the previous target and false if id is unknown.
func (s *Store) Update(id int64, target decimal.Decimal, timestamp int64) (domain.Pledge, decimal.Decimal, bool) {
	p, ok := s.pledges[id]
	if !ok {
		return domain.Pledge{}, decimal.Zero, false
	}
	old := p.Target
	p.Target = target
	p.Timestamp = timestamp
	s.invalidate()
	return *p, old, true
}

func (s *Store) Get(id int64) (domain.Pledge, bool) {
	p, ok := s.pledges[id]
	if !ok {
		return domain.Pledge{}, false
	}
	return *p, true
}

// FindByIdentity returns the pledge with exactly this organization and name.
func (s *Store) FindByIdentity(organization, name string) (domain.Pledge, bool) {
	for _, p := range s.pledges {
		if p.Organization == organization && p.Name == name {
			return *p, true
		}
	}
	return domain.Pledge{}, false
}

// RemoveAll drops every pledge and resets the id counter and the last
// computation time. Returns the number removed.
func (s *Store) RemoveAll() int {
	n := len(s.pledges)
	s.pledges = make(map[int64]*domain.Pledge)
	s.nextID = firstID
	s.ranked = nil
	s.computedAt = time.Time{}
	s.invalidate()
	return n
}

// RankedView returns pledges ordered by target descending, then timestamp
// ascending. The cached order is reused until a mutation invalidates it or it
// is older than the coalescing window. Callers must not modify the result.
func (s *Store) RankedView() []domain.Pledge {
	now := s.clock.Now()
	if !s.dirty && now.Sub(s.computedAt) < s.coalesceWindow {
		return s.ranked
	}

	ranked := make([]domain.Pledge, 0, len(s.pledges))
	for _, p := range s.pledges {
		ranked = append(ranked, *p)
	}
	slices.SortFunc(ranked, compare)

	s.ranked = ranked
	s.dirty = false
	s.computedAt = now
	return s.ranked
}

// LastComputed returns when the ranked view was last rebuilt (zero if never).
func (s *Store) LastComputed() time.Time {
	return s.computedAt
}

func (s *Store) invalidate() {
	s.dirty = true
}

// compare orders by target desc, timestamp asc, id asc.
func compare(a, b domain.Pledge) int {
	if c := b.Target.Cmp(a.Target); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Timestamp, b.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

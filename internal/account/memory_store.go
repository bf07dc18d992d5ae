package account

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/trustgate/internal/clock"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store for tests and single-node demo mode.
// A single lock makes every method, Commit and AppendIfUnder included, atomic.
type MemoryStore struct {
	mu       sync.RWMutex
	clock    clock.Clock
	accounts map[string]*Account
	events   map[string][]*Event // accountID -> events in append order
	ids      map[string]struct{}
	seq      int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clock:    clock.System(),
		accounts: make(map[string]*Account),
		events:   make(map[string][]*Event),
		ids:      make(map[string]struct{}),
	}
}

// WithClock overrides the clock used for created/updated/recorded timestamps.
func (m *MemoryStore) WithClock(c clock.Clock) *MemoryStore {
	m.clock = c
	return m
}

func (m *MemoryStore) GetAccount(_ context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) EnsureAccount(_ context.Context, acct *Account) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *m.ensureLocked(acct)
	return &cp, nil
}

func (m *MemoryStore) ensureLocked(acct *Account) *Account {
	if a, ok := m.accounts[acct.ID]; ok {
		return a
	}
	now := m.clock.Now()
	a := *acct
	a.TrustScore = ClampTrust(a.TrustScore)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	m.accounts[a.ID] = &a
	return &a
}

func (m *MemoryStore) UpdateAccount(_ context.Context, id string, upd Update) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	a.apply(&upd)
	a.UpdatedAt = m.clock.Now()
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListAccounts(_ context.Context, q AccountQuery) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		if q.State != "" && a.State != q.State {
			continue
		}
		if c := q.Cursor; c != nil {
			if a.CreatedAt.After(c.CreatedAt) || (a.CreatedAt.Equal(c.CreatedAt) && a.ID >= c.ID) {
				continue
			}
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.ids[ev.ID]; dup {
		return ErrDuplicateEvent
	}
	m.appendLocked(ev)
	return nil
}

func (m *MemoryStore) appendLocked(ev *Event) {
	m.seq++
	ev.Seq = m.seq
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = m.clock.Now()
	}
	cp := *ev
	cp.Payload = maps.Clone(ev.Payload)
	m.events[ev.AccountID] = append(m.events[ev.AccountID], &cp)
	m.ids[ev.ID] = struct{}{}
}

func (m *MemoryStore) FindLatestEvent(_ context.Context, accountID string, f EventFilter) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Event
	for _, ev := range m.events[accountID] {
		if !f.matches(ev) {
			continue
		}
		// Append order is ascending, so !Before lets later appends win ties.
		if latest == nil || !ev.OccurredAt.Before(latest.OccurredAt) {
			latest = ev
		}
	}
	if latest == nil {
		return nil, nil
	}
	return copyEvent(latest), nil
}

func (m *MemoryStore) CountEvents(_ context.Context, accountID string, f EventFilter, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countLocked(accountID, f, since), nil
}

func (m *MemoryStore) countLocked(accountID string, f EventFilter, since time.Time) int {
	n := 0
	for _, ev := range m.events[accountID] {
		if !ev.OccurredAt.Before(since) && f.matches(ev) {
			n++
		}
	}
	return n
}

func (m *MemoryStore) ListEvents(_ context.Context, q EventQuery) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	if q.AccountID != "" {
		for _, ev := range m.events[q.AccountID] {
			out = append(out, copyEvent(ev))
		}
	} else {
		for _, evs := range m.events {
			for _, ev := range evs {
				out = append(out, copyEvent(ev))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.After(out[j].OccurredAt)
		}
		return out[i].Seq > out[j].Seq
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Mutate(_ context.Context, id string, mutate Mutation) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	next := *a
	upd, err := mutate(next)
	if err != nil {
		return nil, err
	}
	if !upd.Empty() {
		next.apply(upd)
		next.UpdatedAt = m.clock.Now()
		m.accounts[id] = &next
	}
	cp := next
	return &cp, nil
}

func (m *MemoryStore) Commit(_ context.Context, ev *Event, provision *Account, mutate Mutation) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.ids[ev.ID]; dup {
		return nil, ErrDuplicateEvent
	}

	a, ok := m.accounts[ev.AccountID]
	if !ok && provision == nil {
		return nil, ErrAccountNotFound
	}

	// Work on a copy so an aborted mutation leaves nothing behind.
	var next Account
	if ok {
		next = *a
	} else {
		p := *provision
		p.ID = ev.AccountID
		now := m.clock.Now()
		p.TrustScore = ClampTrust(p.TrustScore)
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		next = p
	}

	var upd *Update
	if mutate != nil {
		var err error
		if upd, err = mutate(next); err != nil {
			return nil, err
		}
	}
	if !upd.Empty() {
		next.apply(upd)
		next.UpdatedAt = m.clock.Now()
	}

	m.accounts[next.ID] = &next
	m.appendLocked(ev)

	cp := next
	return &cp, nil
}

func (m *MemoryStore) AppendIfUnder(_ context.Context, ev *Event, f EventFilter, since time.Time, max int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.countLocked(ev.AccountID, f, since)
	if n >= max {
		return n, false, nil
	}
	if _, dup := m.ids[ev.ID]; dup {
		return n, false, ErrDuplicateEvent
	}
	m.appendLocked(ev)
	return n, true, nil
}

func copyEvent(ev *Event) *Event {
	cp := *ev
	cp.Payload = maps.Clone(ev.Payload)
	return &cp
}

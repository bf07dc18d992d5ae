package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustgate/internal/pagination"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newEvent(id, accountID string, typ EventType, at time.Time, payload map[string]any) *Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Event{
		ID:         id,
		AccountID:  accountID,
		Type:       typ,
		Severity:   SeverityInfo,
		Source:     SourceAutomationWorker,
		OccurredAt: at,
		Payload:    payload,
	}
}

func seedAccount(t *testing.T, s Store, id string, score int, state State) {
	t.Helper()
	_, err := s.EnsureAccount(context.Background(), &Account{ID: id, TrustScore: score, State: state})
	require.NoError(t, err)
}

func ptr[T any](v T) *T { return &v }

// runStoreSuite exercises the Store contract against any implementation.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("GetMissingAccount", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetAccount(ctx, "nobody")
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("EnsureAccountKeepsExisting", func(t *testing.T) {
		s := newStore(t)
		a, err := s.EnsureAccount(ctx, &Account{ID: "a1", Username: "alice", TrustScore: 100, State: StateActive})
		require.NoError(t, err)
		assert.Equal(t, 100, a.TrustScore)

		a, err = s.EnsureAccount(ctx, &Account{ID: "a1", Username: "other", TrustScore: 5, State: StateFrozen})
		require.NoError(t, err)
		assert.Equal(t, "alice", a.Username)
		assert.Equal(t, 100, a.TrustScore)
		assert.Equal(t, StateActive, a.State)
	})

	t.Run("UpdateAccountPartialAndClamped", func(t *testing.T) {
		s := newStore(t)
		seedAccount(t, s, "a1", 80, StateActive)

		a, err := s.UpdateAccount(ctx, "a1", Update{TrustScore: ptr(150)})
		require.NoError(t, err)
		assert.Equal(t, 100, a.TrustScore)
		assert.Equal(t, StateActive, a.State)

		a, err = s.UpdateAccount(ctx, "a1", Update{State: ptr(StatePaused)})
		require.NoError(t, err)
		assert.Equal(t, 100, a.TrustScore)
		assert.Equal(t, StatePaused, a.State)

		_, err = s.UpdateAccount(ctx, "ghost", Update{State: ptr(StatePaused)})
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("DuplicateEventRejected", func(t *testing.T) {
		s := newStore(t)
		seedAccount(t, s, "a1", 100, StateActive)
		require.NoError(t, s.AppendEvent(ctx, newEvent("e1", "a1", EventLoginSuccess, t0, nil)))
		err := s.AppendEvent(ctx, newEvent("e1", "a1", EventLoginFailed, t0, nil))
		assert.ErrorIs(t, err, ErrDuplicateEvent)

		evs, err := s.ListEvents(ctx, EventQuery{AccountID: "a1"})
		require.NoError(t, err)
		require.Len(t, evs, 1)
		assert.Equal(t, EventLoginSuccess, evs[0].Type)
	})

	t.Run("FindLatestEventTieGoesToLaterAppend", func(t *testing.T) {
		s := newStore(t)
		seedAccount(t, s, "a1", 100, StateActive)
		require.NoError(t, s.AppendEvent(ctx, newEvent("e1", "a1", EventTempRestriction, t0, nil)))
		require.NoError(t, s.AppendEvent(ctx, newEvent("e2", "a1", EventRateLimitWarning, t0, nil)))
		require.NoError(t, s.AppendEvent(ctx, newEvent("e3", "a1", EventLoginSuccess, t0.Add(time.Hour), nil)))

		ev, err := s.FindLatestEvent(ctx, "a1", EventFilter{
			Types: []EventType{EventTempRestriction, EventRateLimitWarning},
		})
		require.NoError(t, err)
		require.NotNil(t, ev)
		assert.Equal(t, "e2", ev.ID)

		ev, err = s.FindLatestEvent(ctx, "a1", EventFilter{Types: []EventType{EventChallengeRequired}})
		require.NoError(t, err)
		assert.Nil(t, ev)
	})

	t.Run("FindLatestEventByPayload", func(t *testing.T) {
		s := newStore(t)
		seedAccount(t, s, "a1", 100, StateActive)
		require.NoError(t, s.AppendEvent(ctx, newEvent("m1", "a1", EventCooldownRecovered, t0,
			map[string]any{"qualifyingEventId": "q1"})))

		ev, err := s.FindLatestEvent(ctx, "a1", EventFilter{
			Types:   []EventType{EventCooldownRecovered},
			Payload: map[string]string{"qualifyingEventId": "q1"},
		})
		require.NoError(t, err)
		require.NotNil(t, ev)
		assert.Equal(t, "m1", ev.ID)
		assert.Equal(t, "q1", ev.Payload["qualifyingEventId"])

		ev, err = s.FindLatestEvent(ctx, "a1", EventFilter{
			Types:   []EventType{EventCooldownRecovered},
			Payload: map[string]string{"qualifyingEventId": "q2"},
		})
		require.NoError(t, err)
		assert.Nil(t, ev)
	})

	t.Run("CountEventsWindowIsInclusive", func(t *testing.T) {
		s := newStore(t)
		seedAccount(t, s, "a1", 100, StateActive)
		for i, at := range []time.Time{t0.Add(-2 * time.Hour), t0.Add(-time.Hour), t0.Add(-time.Minute)} {
			require.NoError(t, s.AppendEvent(ctx, newEvent(fmt.Sprintf("c%d", i), "a1", EventActionAttempted, at,
				map[string]any{"action": "COMMENT"})))
		}
		require.NoError(t, s.AppendEvent(ctx, newEvent("p1", "a1", EventActionAttempted, t0,
			map[string]any{"action": "POST"})))

		f := EventFilter{Types: []EventType{EventActionAttempted}, Payload: map[string]string{"action": "COMMENT"}}
		n, err := s.CountEvents(ctx, "a1", f, t0.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = s.CountEvents(ctx, "a1", EventFilter{}, t0.Add(-3*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 4, n)
	})

	t.Run("ListEventsNewestFirst", func(t *testing.T) {
		s := newStore(t)
		seedAccount(t, s, "a1", 100, StateActive)
		seedAccount(t, s, "a2", 100, StateActive)
		require.NoError(t, s.AppendEvent(ctx, newEvent("e1", "a1", EventSessionStarted, t0, nil)))
		require.NoError(t, s.AppendEvent(ctx, newEvent("e2", "a2", EventSessionStarted, t0.Add(time.Minute), nil)))
		require.NoError(t, s.AppendEvent(ctx, newEvent("e3", "a1", EventSessionEnded, t0.Add(2*time.Minute), nil)))

		evs, err := s.ListEvents(ctx, EventQuery{Limit: 2})
		require.NoError(t, err)
		require.Len(t, evs, 2)
		assert.Equal(t, "e3", evs[0].ID)
		assert.Equal(t, "e2", evs[1].ID)

		evs, err = s.ListEvents(ctx, EventQuery{AccountID: "a1"})
		require.NoError(t, err)
		require.Len(t, evs, 2)
		assert.Equal(t, "e3", evs[0].ID)
	})

	t.Run("ListAccountsFilterAndCursor", func(t *testing.T) {
		s := newStore(t)
		seedAccount(t, s, "a1", 100, StateActive)
		seedAccount(t, s, "a2", 40, StatePaused)
		seedAccount(t, s, "a3", 45, StatePaused)

		paused, err := s.ListAccounts(ctx, AccountQuery{State: StatePaused})
		require.NoError(t, err)
		assert.Len(t, paused, 2)

		page, err := s.ListAccounts(ctx, AccountQuery{Limit: 2})
		require.NoError(t, err)
		require.Len(t, page, 2)
		last := page[len(page)-1]

		rest, err := s.ListAccounts(ctx, AccountQuery{Cursor: &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}})
		require.NoError(t, err)
		require.Len(t, rest, 1)
		for _, a := range page {
			assert.NotEqual(t, a.ID, rest[0].ID)
		}
	})

	t.Run("CommitProvisionsAndApplies", func(t *testing.T) {
		s := newStore(t)
		ev := newEvent("e1", "new", EventLoginFailed, t0, nil)
		a, err := s.Commit(ctx, ev, &Account{Username: "nina", TrustScore: 100, State: StateActive},
			func(cur Account) (*Update, error) {
				return &Update{TrustScore: ptr(cur.TrustScore - 5)}, nil
			})
		require.NoError(t, err)
		assert.Equal(t, "new", a.ID)
		assert.Equal(t, 95, a.TrustScore)
		assert.Equal(t, "nina", a.Username)

		got, err := s.GetAccount(ctx, "new")
		require.NoError(t, err)
		assert.Equal(t, 95, got.TrustScore)

		evs, err := s.ListEvents(ctx, EventQuery{AccountID: "new"})
		require.NoError(t, err)
		assert.Len(t, evs, 1)
	})

	t.Run("CommitWithoutProvisionRequiresAccount", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Commit(ctx, newEvent("e1", "ghost", EventManualOverride, t0, nil), nil, nil)
		assert.ErrorIs(t, err, ErrAccountNotFound)

		evs, err := s.ListEvents(ctx, EventQuery{})
		require.NoError(t, err)
		assert.Empty(t, evs)
	})

	t.Run("CommitAbortedByMutation", func(t *testing.T) {
		s := newStore(t)
		seedAccount(t, s, "a1", 50, StatePaused)
		errSkip := errors.New("skip")

		_, err := s.Commit(ctx, newEvent("e1", "a1", EventCooldownRecovered, t0, nil), nil,
			func(Account) (*Update, error) { return nil, errSkip })
		assert.ErrorIs(t, err, errSkip)

		evs, err := s.ListEvents(ctx, EventQuery{AccountID: "a1"})
		require.NoError(t, err)
		assert.Empty(t, evs)
		a, err := s.GetAccount(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, 50, a.TrustScore)
	})

	t.Run("CommitDuplicateChangesNothing", func(t *testing.T) {
		s := newStore(t)
		seedAccount(t, s, "a1", 100, StateActive)
		minus := func(cur Account) (*Update, error) { return &Update{TrustScore: ptr(cur.TrustScore - 10)}, nil }

		_, err := s.Commit(ctx, newEvent("e1", "a1", EventRateLimitWarning, t0, nil), nil, minus)
		require.NoError(t, err)
		_, err = s.Commit(ctx, newEvent("e1", "a1", EventRateLimitWarning, t0, nil), nil, minus)
		assert.ErrorIs(t, err, ErrDuplicateEvent)

		a, err := s.GetAccount(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, 90, a.TrustScore)
	})

	t.Run("CommitSerializesPerAccount", func(t *testing.T) {
		s := newStore(t)
		seedAccount(t, s, "a1", 100, StateActive)
		minusOne := func(cur Account) (*Update, error) { return &Update{TrustScore: ptr(cur.TrustScore - 1)}, nil }

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Commit(ctx, newEvent(fmt.Sprintf("e%d", i), "a1", EventActionFailed, t0, nil), nil, minusOne)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		a, err := s.GetAccount(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, 80, a.TrustScore)
	})

	t.Run("MutateSerializesPerAccount", func(t *testing.T) {
		s := newStore(t)
		seedAccount(t, s, "a1", 40, StatePaused)
		plusOne := func(cur Account) (*Update, error) { return &Update{TrustScore: ptr(cur.TrustScore + 1)}, nil }

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Mutate(ctx, "a1", plusOne)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		a, err := s.GetAccount(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, 60, a.TrustScore)

		evs, err := s.ListEvents(ctx, EventQuery{AccountID: "a1"})
		require.NoError(t, err)
		assert.Empty(t, evs)
	})

	t.Run("MutateEdgeCases", func(t *testing.T) {
		s := newStore(t)
		seedAccount(t, s, "a1", 50, StatePaused)

		_, err := s.Mutate(ctx, "ghost", func(Account) (*Update, error) { return &Update{TrustScore: ptr(1)}, nil })
		assert.ErrorIs(t, err, ErrAccountNotFound)

		a, err := s.Mutate(ctx, "a1", func(Account) (*Update, error) { return nil, nil })
		require.NoError(t, err)
		assert.Equal(t, 50, a.TrustScore)
		assert.Equal(t, StatePaused, a.State)

		errSkip := errors.New("skip")
		_, err = s.Mutate(ctx, "a1", func(Account) (*Update, error) { return &Update{TrustScore: ptr(99)}, errSkip })
		assert.ErrorIs(t, err, errSkip)

		a, err = s.Mutate(ctx, "a1", func(Account) (*Update, error) { return &Update{TrustScore: ptr(140), State: ptr(StateActive)}, nil })
		require.NoError(t, err)
		assert.Equal(t, 100, a.TrustScore)
		assert.Equal(t, StateActive, a.State)
	})

	t.Run("AppendIfUnderNeverOvershoots", func(t *testing.T) {
		s := newStore(t)
		seedAccount(t, s, "a1", 100, StateActive)
		f := EventFilter{Types: []EventType{EventActionAttempted}, Payload: map[string]string{"action": "POST"}}

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			admitted int
		)
		for i := 0; i < 12; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ev := newEvent(fmt.Sprintf("att%d", i), "a1", EventActionAttempted, t0, map[string]any{"action": "POST"})
				_, ok, err := s.AppendIfUnder(ctx, ev, f, t0.Add(-time.Hour), 5)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 5, admitted)
		n, err := s.CountEvents(ctx, "a1", f, t0.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 5, n)
	})
}

package cooldown

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustgate/internal/account"
	"github.com/mbd888/trustgate/internal/clock"
	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/policy"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	t       *testing.T
	store   *account.MemoryStore
	clock   *clock.Fake
	sweeper *Sweeper
	seq     int
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	fc := clock.NewFake(t0)
	store := account.NewMemoryStore().WithClock(fc)
	opts = append([]Option{WithClock(fc), WithLogger(logging.Discard())}, opts...)
	return &fixture{
		t:       t,
		store:   store,
		clock:   fc,
		sweeper: NewSweeper(store, policy.Default(), opts...),
	}
}

func (f *fixture) account(id string, score int, state account.State) {
	f.t.Helper()
	_, err := f.store.EnsureAccount(context.Background(), &account.Account{ID: id, TrustScore: score, State: state})
	require.NoError(f.t, err)
}

func (f *fixture) event(accountID string, typ account.EventType, at time.Time) *account.Event {
	f.t.Helper()
	f.seq++
	ev := &account.Event{
		ID:         fmt.Sprintf("ev-%d", f.seq),
		AccountID:  accountID,
		Type:       typ,
		Severity:   account.SeverityWarning,
		Source:     account.SourceAutomationWorker,
		OccurredAt: at,
		Payload:    map[string]any{},
	}
	require.NoError(f.t, f.store.AppendEvent(context.Background(), ev))
	return ev
}

func (f *fixture) run() *Result {
	f.t.Helper()
	res, err := f.sweeper.Run(context.Background())
	require.NoError(f.t, err)
	return res
}

func (f *fixture) get(id string) *account.Account {
	f.t.Helper()
	a, err := f.store.GetAccount(context.Background(), id)
	require.NoError(f.t, err)
	return a
}

func TestRun_RecoversAfterCooldown(t *testing.T) {
	f := newFixture(t)
	f.account("acct", 40, account.StatePaused)
	q := f.event("acct", account.EventRateLimitWarning, t0)

	f.clock.Advance(29 * time.Minute)
	res := f.run()
	assert.Equal(t, 1, res.Scanned)
	assert.Equal(t, 0, res.Recovered)
	assert.Equal(t, account.StatePaused, f.get("acct").State)

	f.clock.Advance(time.Minute)
	res = f.run()
	assert.Equal(t, 1, res.Recovered)

	a := f.get("acct")
	assert.Equal(t, account.StateActive, a.State)
	assert.Equal(t, 45, a.TrustScore)

	marker, err := f.store.FindLatestEvent(context.Background(), "acct", account.EventFilter{
		Types: []account.EventType{account.EventCooldownRecovered},
	})
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, MarkerID(q.ID), marker.ID)
	assert.Equal(t, q.ID, marker.Payload["qualifyingEventId"])
	assert.Equal(t, account.SourceSystem, marker.Source)
}

func TestRun_NeverRecoversWithoutQualifyingEvent(t *testing.T) {
	f := newFixture(t)
	f.account("acct", 30, account.StatePaused)
	f.event("acct", account.EventLoginFailed, t0)
	f.event("acct", account.EventWarningReceived, t0)

	f.clock.Advance(30 * 24 * time.Hour)
	res := f.run()
	assert.Equal(t, 0, res.Recovered)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, account.StatePaused, f.get("acct").State)
}

func TestRun_RecoveryAppliedOncePerQualifyingEvent(t *testing.T) {
	f := newFixture(t)
	f.account("acct", 40, account.StatePaused)
	f.event("acct", account.EventRateLimitWarning, t0)
	f.clock.Advance(time.Hour)

	require.Equal(t, 1, f.run().Recovered)

	// Paused again by something that is not a qualifying event.
	paused := account.StatePaused
	_, err := f.store.UpdateAccount(context.Background(), "acct", account.Update{State: &paused})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Hour)
		res := f.run()
		assert.Equal(t, 0, res.Recovered)
	}
	a := f.get("acct")
	assert.Equal(t, account.StatePaused, a.State)
	assert.Equal(t, 45, a.TrustScore)

	// A new qualifying event starts a new episode.
	f.event("acct", account.EventRateLimitWarning, f.clock.Now())
	f.clock.Advance(31 * time.Minute)
	assert.Equal(t, 1, f.run().Recovered)
	assert.Equal(t, 50, f.get("acct").TrustScore)
}

func TestRun_MostRecentQualifyingEventGoverns(t *testing.T) {
	f := newFixture(t)
	f.account("acct", 30, account.StatePaused)
	// 120m cooldown, +10 on recovery.
	f.event("acct", account.EventTempRestriction, t0)
	// 30m cooldown, +5 on recovery.
	f.event("acct", account.EventRateLimitWarning, t0.Add(10*time.Minute))

	f.clock.Set(t0.Add(41 * time.Minute))
	assert.Equal(t, 1, f.run().Recovered)
	assert.Equal(t, 35, f.get("acct").TrustScore)
}

func TestRun_LaterAppendWinsTies(t *testing.T) {
	f := newFixture(t)
	f.account("acct", 30, account.StatePaused)
	f.event("acct", account.EventRateLimitWarning, t0)
	// Same instant, appended last, 360m cooldown.
	f.event("acct", account.EventChallengeRequired, t0)

	f.clock.Set(t0.Add(time.Hour))
	res := f.run()
	assert.Equal(t, 0, res.Recovered)
}

func TestRun_RecoveredTrustIsCapped(t *testing.T) {
	f := newFixture(t)
	f.account("acct", 95, account.StatePaused)
	f.event("acct", account.EventChallengeRequired, t0)

	f.clock.Advance(6 * time.Hour)
	f.run()
	a := f.get("acct")
	assert.Equal(t, account.MaxTrust, a.TrustScore)
	assert.Equal(t, account.StateActive, a.State)
}

func TestRun_OnlyPausedAccountsAreTouched(t *testing.T) {
	f := newFixture(t)
	f.account("frozen", 10, account.StateFrozen)
	f.account("active", 80, account.StateActive)
	f.event("frozen", account.EventRateLimitWarning, t0)
	f.event("active", account.EventRateLimitWarning, t0)

	f.clock.Advance(24 * time.Hour)
	res := f.run()
	assert.Equal(t, 0, res.Scanned)
	assert.Equal(t, account.StateFrozen, f.get("frozen").State)
	assert.Equal(t, 80, f.get("active").TrustScore)
}

func TestRun_PagesThroughAllPausedAccounts(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	f := newFixture(t, WithPageSize(2), OnRecover(func(_ context.Context, marker *account.Event, acct *account.Account) {
		mu.Lock()
		seen = append(seen, acct.ID)
		mu.Unlock()
	}))
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("acct-%d", i)
		f.account(id, 40, account.StatePaused)
		f.event(id, account.EventRateLimitWarning, t0)
		f.clock.Advance(time.Second)
	}

	f.clock.Advance(time.Hour)
	res := f.run()
	assert.Equal(t, 5, res.Scanned)
	assert.Equal(t, 5, res.Recovered)
	assert.Len(t, seen, 5)
}

func TestRun_InterruptedBetweenAccounts(t *testing.T) {
	f := newFixture(t)
	f.account("acct", 40, account.StatePaused)
	f.event("acct", account.EventRateLimitWarning, t0)
	f.clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.sweeper.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.True(t, res.Interrupted)
	assert.Equal(t, 0, res.Scanned)
	assert.Equal(t, account.StatePaused, f.get("acct").State)
}

// blockingStore parks ListAccounts until released.
type blockingStore struct {
	account.Store
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) ListAccounts(ctx context.Context, q account.AccountQuery) ([]*account.Account, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.Store.ListAccounts(ctx, q)
}

func TestRun_SingleFlight(t *testing.T) {
	bs := &blockingStore{
		Store:   account.NewMemoryStore(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	s := NewSweeper(bs, policy.Default(), WithLogger(logging.Discard()))

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background())
		done <- err
	}()
	<-bs.entered
	assert.True(t, s.Running())

	_, err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrSweepInProgress)

	close(bs.release)
	require.NoError(t, <-done)
	assert.False(t, s.Running())
}

func TestTimer_SweepsPeriodically(t *testing.T) {
	store := account.NewMemoryStore()
	ctx := context.Background()
	_, err := store.EnsureAccount(ctx, &account.Account{ID: "acct", TrustScore: 40, State: account.StatePaused})
	require.NoError(t, err)
	require.NoError(t, store.AppendEvent(ctx, &account.Event{
		ID:         "q1",
		AccountID:  "acct",
		Type:       account.EventRateLimitWarning,
		Severity:   account.SeverityWarning,
		Source:     account.SourceSystem,
		OccurredAt: time.Now().Add(-time.Hour),
		Payload:    map[string]any{},
	}))

	timer := NewTimer(NewSweeper(store, policy.Default(), WithLogger(logging.Discard())), 10*time.Millisecond, logging.Discard())
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go timer.Start(runCtx)

	require.Eventually(t, func() bool {
		a, err := store.GetAccount(ctx, "acct")
		return err == nil && a.State == account.StateActive
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return !timer.Running() }, time.Second, 5*time.Millisecond)
}

package scheduler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pliu/msgsync/internal/api"
	"github.com/pliu/msgsync/internal/cache"
	"github.com/pliu/msgsync/internal/models"
)

var (
	me  = models.User{ID: "u1", Username: "alice"}
	bob = models.User{ID: "u2", Username: "bob"}
	cat = models.User{ID: "u3", Username: "cat"}
	t0  = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type fakeRemote struct {
	mu       sync.Mutex
	convs    []models.ConversationSummary
	msgs     map[string][]models.Message
	err      error
	convHits atomic.Int32
	msgHits  atomic.Int32
}

func (r *fakeRemote) ListConversations(context.Context) ([]models.ConversationSummary, error) {
	r.convHits.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.convs, r.err
}

func (r *fakeRemote) Messages(_ context.Context, username string) ([]models.Message, error) {
	r.msgHits.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msgs[username], r.err
}

func (r *fakeRemote) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func newScheduler(t *testing.T, remote Remote, store Store, interval time.Duration) *Scheduler {
	return New(Config{Remote: remote, Store: store, Log: zaptest.NewLogger(t), Interval: interval})
}

func TestRunTicksImmediately(t *testing.T) {
	remote := &fakeRemote{
		convs: []models.ConversationSummary{{Peer: bob, UnreadCount: 1}},
		msgs:  map[string][]models.Message{"bob": {{ID: "m1", SenderID: bob.ID, RecipientID: me.ID, Content: "hi", Timestamp: t0}}},
	}
	store := cache.New(me.ID)
	s := newScheduler(t, remote, store, time.Hour)
	s.SetActive(bob)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(store.Summaries()) == 1 && len(store.Messages(bob.ID)) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRunSwallowsFailures(t *testing.T) {
	remote := &fakeRemote{err: errors.New("connection refused")}
	store := cache.New(me.ID)
	store.UpsertConversations([]models.ConversationSummary{{Peer: cat}})
	s := newScheduler(t, remote, store, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// polling keeps going and the cache is untouched
	require.Eventually(t, func() bool { return remote.convHits.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Len(t, store.Summaries(), 1)

	// and resumes once the server recovers
	remote.mu.Lock()
	remote.convs = []models.ConversationSummary{{Peer: bob}}
	remote.mu.Unlock()
	remote.setErr(nil)
	require.Eventually(t, func() bool { return len(store.Summaries()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRunStopsOnAuthFailure(t *testing.T) {
	remote := &fakeRemote{err: &api.StatusError{Method: http.MethodGet, Path: "/conversations", Code: http.StatusUnauthorized}}
	s := newScheduler(t, remote, cache.New(me.ID), 5*time.Millisecond)

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, api.IsAuth(err))

	hits := remote.convHits.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, hits, remote.convHits.Load(), "no retry after an auth failure")
}

func TestSkipsWithoutCredential(t *testing.T) {
	remote := &fakeRemote{err: api.ErrNotAuthenticated}
	s := newScheduler(t, remote, cache.New(me.ID), time.Hour)
	assert.NoError(t, s.RefreshConversations(context.Background()))
	assert.NoError(t, s.RefreshMessages(context.Background(), bob))
}

// blockingRemote holds the first conversation fetch until released.
type blockingRemote struct {
	fakeRemote
	first   chan struct{}
	release chan struct{}
	calls   atomic.Int32
	stale   []models.ConversationSummary
}

func (r *blockingRemote) ListConversations(ctx context.Context) ([]models.ConversationSummary, error) {
	if r.calls.Add(1) == 1 {
		close(r.first)
		<-r.release
		return r.stale, nil
	}
	return r.fakeRemote.ListConversations(ctx)
}

func TestStaleResponseIsDiscarded(t *testing.T) {
	remote := &blockingRemote{
		fakeRemote: fakeRemote{convs: []models.ConversationSummary{{Peer: bob, UnreadCount: 0}}},
		first:      make(chan struct{}),
		release:    make(chan struct{}),
		stale:      []models.ConversationSummary{{Peer: bob, UnreadCount: 5}},
	}
	store := cache.New(me.ID)
	s := newScheduler(t, remote, store, time.Hour)

	slow := make(chan error, 1)
	go func() { slow <- s.RefreshConversations(context.Background()) }()
	<-remote.first

	require.NoError(t, s.RefreshConversations(context.Background()))
	close(remote.release)
	require.NoError(t, <-slow)

	assert.Equal(t, 0, store.UnreadByPeer()[bob.ID], "older response must not overwrite newer state")
}

func TestResultsAfterTeardownAreDropped(t *testing.T) {
	remote := &blockingRemote{
		fakeRemote: fakeRemote{},
		first:      make(chan struct{}),
		release:    make(chan struct{}),
		stale:      []models.ConversationSummary{{Peer: bob}},
	}
	store := cache.New(me.ID)
	s := newScheduler(t, remote, store, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	<-remote.first
	cancel()

	// Run waits for the in-flight fetch, which completes after teardown
	time.Sleep(10 * time.Millisecond)
	close(remote.release)
	require.NoError(t, <-done)
	assert.Empty(t, store.Summaries())
}

func TestNudgeTriggersEarlyTick(t *testing.T) {
	remote := &fakeRemote{}
	s := newScheduler(t, remote, cache.New(me.ID), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return remote.convHits.Load() == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, s.Nudge())
	require.Eventually(t, func() bool { return remote.convHits.Load() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestNudgeIsRateLimited(t *testing.T) {
	s := New(Config{Remote: &fakeRemote{}, Store: cache.New(me.ID), Interval: time.Hour, NudgeBurst: 2})
	assert.True(t, s.Nudge())
	assert.True(t, s.Nudge())
	assert.False(t, s.Nudge())
}

func TestActive(t *testing.T) {
	s := newScheduler(t, &fakeRemote{}, cache.New(me.ID), time.Hour)
	_, ok := s.Active()
	assert.False(t, ok)

	s.SetActive(bob)
	p, ok := s.Active()
	require.True(t, ok)
	assert.Equal(t, bob.ID, p.ID)

	s.ClearActive()
	_, ok = s.Active()
	assert.False(t, ok)
}

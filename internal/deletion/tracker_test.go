package deletion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/msgsync/internal/cache"
	"github.com/pliu/msgsync/internal/events"
	"github.com/pliu/msgsync/internal/markers"
	"github.com/pliu/msgsync/internal/markers/memkv"
	"github.com/pliu/msgsync/internal/models"
)

type fakeRemote struct {
	err   error
	calls []string
}

func (r *fakeRemote) DeleteConversation(_ context.Context, username string) error {
	r.calls = append(r.calls, username)
	return r.err
}

// failingKV rejects every write.
type failingKV struct {
	markers.KV
}

func (f failingKV) Put(ctx context.Context, key string, value []byte) error {
	return errors.New("disk full")
}

var (
	me  = models.User{ID: "u1", Username: "alice"}
	bob = models.User{ID: "u2", Username: "bob"}

	t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func newTracker(t *testing.T, remote Remote, kv markers.KV) (*Tracker, *cache.Store, *markers.Registry) {
	t.Helper()
	reg := markers.NewRegistry(kv, nil)
	store := cache.New(me.ID)
	tr := New(Config{UserID: me.ID, Remote: remote, Cache: store, Markers: reg})
	store.SetFilter(tr)
	tr.now = func() time.Time { return t0 }
	return tr, store, reg
}

func seed(store *cache.Store) {
	last := models.Message{ID: "m1", SenderID: bob.ID, RecipientID: me.ID, Content: "hi", Timestamp: t0.Add(-time.Hour)}
	store.UpsertConversations([]models.ConversationSummary{{Peer: bob, LastMessage: &last, UnreadCount: 1}})
	store.UpsertMessages(bob.ID, []models.Message{last})
}

func TestDeleteHidesConversation(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{}
	tr, store, reg := newTracker(t, remote, memkv.New())
	seed(store)
	assert.Equal(t, Active, tr.State(bob.ID))

	require.NoError(t, tr.Delete(ctx, bob))
	assert.Equal(t, Deleted, tr.State(bob.ID))
	assert.Equal(t, []string{"bob"}, remote.calls)
	assert.Empty(t, store.Summaries())
	assert.Empty(t, store.Messages(bob.ID))

	m, ok, err := reg.Get(ctx, me.ID, bob.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, m.DeletedAt.Equal(t0))

	// a later poll still carrying bob does not bring him back
	seed(store)
	assert.Empty(t, store.Summaries())
}

func TestDeleteSurvivesRemoteFailure(t *testing.T) {
	ctx := context.Background()
	tr, store, reg := newTracker(t, &fakeRemote{err: errors.New("503")}, memkv.New())
	seed(store)

	require.NoError(t, tr.Delete(ctx, bob))
	assert.Equal(t, Deleted, tr.State(bob.ID))

	_, ok, err := reg.Get(ctx, me.ID, bob.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteReportsMarkerFailure(t *testing.T) {
	tr, store, _ := newTracker(t, &fakeRemote{}, failingKV{memkv.New()})
	seed(store)

	err := tr.Delete(context.Background(), bob)
	require.Error(t, err)
	// the deletion still holds for this session
	assert.Equal(t, Deleted, tr.State(bob.ID))
	assert.Empty(t, store.Summaries())
}

func TestLoadRestoresAcrossSessions(t *testing.T) {
	ctx := context.Background()
	kv := memkv.New()
	first, _, _ := newTracker(t, nil, kv)
	require.NoError(t, first.Delete(ctx, bob))

	second, store, _ := newTracker(t, nil, kv)
	require.NoError(t, second.Load(ctx))
	assert.Equal(t, Deleted, second.State(bob.ID))
	seed(store)
	assert.Empty(t, store.Summaries())
}

func TestLoadMigratesLegacyMarkers(t *testing.T) {
	ctx := context.Background()
	kv := memkv.New()
	require.NoError(t, kv.Put(ctx, "deletedConversation_"+bob.ID, []byte("true")))

	tr, _, _ := newTracker(t, nil, kv)
	require.NoError(t, tr.Load(ctx))
	assert.Equal(t, Deleted, tr.State(bob.ID))

	_, err := kv.Get(ctx, markers.Key(me.ID, bob.ID))
	assert.NoError(t, err)
}

func TestDeletePublishesEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := events.NewHub()
	go hub.Run(ctx)
	sub := hub.Subscribe(4)

	tr, _, _ := newTracker(t, nil, memkv.New())
	tr.hub = hub
	require.NoError(t, tr.Delete(ctx, bob))

	select {
	case e := <-sub.C:
		assert.Equal(t, events.ConversationDeleted, e.Kind)
		assert.Equal(t, bob.ID, e.PeerID)
	case <-time.After(time.Second):
		t.Fatal("no deletion event")
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	tr, _, reg := newTracker(t, nil, memkv.New())
	require.NoError(t, tr.Delete(ctx, bob))
	require.NoError(t, tr.Clear(ctx, bob.ID))

	assert.Equal(t, Active, tr.State(bob.ID))
	_, ok, err := reg.Get(ctx, me.ID, bob.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteRequiresPeerID(t *testing.T) {
	tr, _, _ := newTracker(t, nil, memkv.New())
	assert.Error(t, tr.Delete(context.Background(), models.User{Username: "bob"}))
}

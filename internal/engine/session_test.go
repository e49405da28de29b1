package engine

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pliu/msgsync/internal/api"
	"github.com/pliu/msgsync/internal/auth"
	"github.com/pliu/msgsync/internal/config"
	"github.com/pliu/msgsync/internal/deletion"
	"github.com/pliu/msgsync/internal/handlers"
	"github.com/pliu/msgsync/internal/markers/memkv"
	"github.com/pliu/msgsync/internal/models"
	"github.com/pliu/msgsync/internal/store"
	"github.com/pliu/msgsync/internal/store/sqlstore"
	"github.com/pliu/msgsync/internal/ws"
)

const waitFor = 3 * time.Second

type backend struct {
	srv    *httptest.Server
	users  map[string]models.User
	tokens map[string]string
}

func newBackend(t *testing.T, usernames ...string) *backend {
	t.Helper()
	st, err := sqlstore.New("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := ws.NewHub(nil)
	go hub.Run(ctx)

	issuer := auth.NewIssuer("integration-secret", time.Hour)
	b := &backend{users: make(map[string]models.User), tokens: make(map[string]string)}
	for _, name := range usernames {
		acct := &store.Account{Password: "hash"}
		acct.Username = name
		require.NoError(t, st.CreateUser(acct))
		b.users[name] = acct.User
		b.tokens[name], err = issuer.Sign(acct.ID, name)
		require.NoError(t, err)
	}
	b.srv = httptest.NewServer(handlers.NewRouter(st, hub, issuer, nil))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) client(name string) *api.Client {
	return api.NewClient(b.srv.URL+handlers.MessagesPrefix, api.StaticToken(b.tokens[name]), time.Second, nil)
}

func (b *backend) config(name string) *config.Config {
	u := b.users[name]
	return &config.Config{
		BaseURL:            b.srv.URL + handlers.MessagesPrefix,
		Token:              b.tokens[name],
		UserID:             u.ID,
		Username:           u.Username,
		PollInterval:       20 * time.Millisecond,
		SettleDelay:        10 * time.Millisecond,
		ReconcileTolerance: 30 * time.Second,
		RequestTimeout:     time.Second,
		NudgeBurst:         1,
	}
}

func openSession(t *testing.T, cfg *config.Config, kv *memkv.Store) *Session {
	t.Helper()
	s, err := Open(context.Background(), Options{
		Config:     cfg,
		KV:         kv,
		Log:        zaptest.NewLogger(t),
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return s
}

func hasPeer(list []models.ConversationSummary, peerID string) bool {
	for _, c := range list {
		if c.Peer.ID == peerID {
			return true
		}
	}
	return false
}

func TestSessionEndToEnd(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, "alice", "bob")
	bob := b.users["bob"]
	bobClient := b.client("bob")
	kv := memkv.New()

	s := openSession(t, b.config("alice"), kv)

	for _, text := range []string{"one", "two", "three"} {
		_, err := bobClient.SendMessage(ctx, "alice", text)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return s.UnreadTotal() == 3 }, waitFor, 10*time.Millisecond)

	// opening the conversation clears the badge
	peer, err := s.OpenConversation(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, bob.ID, peer.ID)
	require.Eventually(t, func() bool { return s.UnreadTotal() == 0 }, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(s.Messages(bob.ID)) == 3 }, waitFor, 10*time.Millisecond)

	// whitespace is ignored, real text shows up before the server answers
	_, ok := s.Send(ctx, peer, "   ")
	assert.False(t, ok)
	local, ok := s.Send(ctx, peer, "hi bob")
	require.True(t, ok)
	assert.True(t, models.IsTempID(local.ID))

	require.Eventually(t, func() bool {
		msgs := s.Messages(bob.ID)
		if len(msgs) != 4 {
			return false
		}
		last := msgs[3]
		return last.Content == "hi bob" && !last.Local && !models.IsTempID(last.ID)
	}, waitFor, 10*time.Millisecond)
	require.NoError(t, s.Flush(ctx))
	assert.False(t, s.Pending(bob.ID, local.ID))

	// deleting is immediate and sticks across polls and new messages
	require.NoError(t, s.DeleteConversation(ctx, peer))
	assert.Equal(t, deletion.Deleted, s.State(bob.ID))
	assert.False(t, hasPeer(s.Conversations(), bob.ID))

	_, err = bobClient.SendMessage(ctx, "alice", "are you there?")
	require.NoError(t, err)
	require.NoError(t, s.RefreshConversations(ctx))
	time.Sleep(100 * time.Millisecond)
	assert.False(t, hasPeer(s.Conversations(), bob.ID))

	require.NoError(t, s.Close(ctx))
	assert.NoError(t, s.Err())
	// the server counts the message sent after the deletion
	assert.Equal(t, 1, s.UnreadTotal())

	// a new session with the same marker store still hides the conversation
	again := openSession(t, b.config("alice"), kv)
	defer again.Close(ctx)
	require.NoError(t, again.RefreshConversations(ctx))
	assert.Equal(t, deletion.Deleted, again.State(bob.ID))
	assert.False(t, hasPeer(again.Conversations(), bob.ID))
}

func TestSessionStopsOnAuthFailure(t *testing.T) {
	b := newBackend(t, "alice")
	cfg := b.config("alice")
	cfg.Token = "expired"

	s := openSession(t, cfg, memkv.New())
	defer s.Close(context.Background())

	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("polling did not stop")
	}
	assert.True(t, api.IsAuth(s.Err()))
}

func TestSessionWithoutToken(t *testing.T) {
	b := newBackend(t, "alice")
	cfg := b.config("alice")
	cfg.Token = ""

	s := openSession(t, cfg, memkv.New())
	time.Sleep(60 * time.Millisecond)

	select {
	case <-s.Done():
		t.Fatal("a missing credential must not stop polling")
	default:
	}
	assert.Empty(t, s.Conversations())
	require.NoError(t, s.Close(context.Background()))
}

func TestSessionNudgedByHints(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, "alice", "bob")
	cfg := b.config("alice")
	cfg.PollInterval = time.Hour
	cfg.NudgeURL = "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws"

	s := openSession(t, cfg, memkv.New())
	defer s.Close(ctx)

	bob := b.users["bob"]
	// keep sending until the hint connection is registered and a nudge lands
	require.Eventually(t, func() bool {
		if hasPeer(s.Conversations(), bob.ID) {
			return true
		}
		b.client("bob").SendMessage(ctx, "alice", "ping")
		return false
	}, waitFor, 100*time.Millisecond)
}

func TestOpenRequiresUser(t *testing.T) {
	_, err := Open(context.Background(), Options{Config: &config.Config{}})
	assert.Error(t, err)
}

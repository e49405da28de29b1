package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/msgsync/internal/api"
	"github.com/pliu/msgsync/internal/auth"
	"github.com/pliu/msgsync/internal/config"
	"github.com/pliu/msgsync/internal/engine"
	"github.com/pliu/msgsync/internal/handlers"
	"github.com/pliu/msgsync/internal/markers"
	"github.com/pliu/msgsync/internal/models"
	"github.com/pliu/msgsync/internal/store"
	"github.com/pliu/msgsync/internal/store/sqlstore"
	"github.com/pliu/msgsync/internal/ws"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "none.env")}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSaveSessionMergesEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("MSGSYNC_POLL_INTERVAL=5s\nMSGSYNC_TOKEN=old\n"), 0o600))

	sess := &api.Session{Token: "new", User: models.User{ID: "u1", Username: "alice"}}
	require.NoError(t, saveSession(path, sess))

	env, err := godotenv.Read(path)
	require.NoError(t, err)
	assert.Equal(t, "5s", env["MSGSYNC_POLL_INTERVAL"])
	assert.Equal(t, "new", env["MSGSYNC_TOKEN"])
	assert.Equal(t, "u1", env["MSGSYNC_USER_ID"])
	assert.Equal(t, "alice", env["MSGSYNC_USERNAME"])
}

func TestSaveSessionCreatesEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.env")
	require.NoError(t, saveSession(path, &api.Session{Token: "tok", User: models.User{ID: "u1"}}))
	env, err := godotenv.Read(path)
	require.NoError(t, err)
	assert.Equal(t, "tok", env["MSGSYNC_TOKEN"])
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc…", truncate("abcdefgh", 4))
}

func TestMarkersCommands(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "markers.db")
	t.Setenv("MSGSYNC_USER_ID", "u1")
	t.Setenv("MSGSYNC_MARKERS_DRIVER", "sqlite")
	t.Setenv("MSGSYNC_MARKERS_DSN", dsn)

	kv, err := engine.OpenMarkers(config.Markers{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	r := markers.NewRegistry(kv, nil)
	require.NoError(t, r.Mark(context.Background(), markers.Marker{
		UserID: "u1", PeerID: "u2", PeerUsername: "bob", Deleted: true, DeletedAt: time.Now(),
	}))
	require.NoError(t, r.Close())

	out, err := run(t, "markers", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "bob")

	_, err = run(t, "markers", "clear")
	assert.Error(t, err, "needs a peer id or --all")

	out, err = run(t, "markers", "clear", "u2")
	require.NoError(t, err)
	assert.Contains(t, out, "Cleared u2")

	out, err = run(t, "markers", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "bob")
}

func TestSendCommand(t *testing.T) {
	st, err := sqlstore.New("sqlite3", ":memory:")
	require.NoError(t, err)
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := ws.NewHub(nil)
	go hub.Run(ctx)

	issuer := auth.NewIssuer("cli-test-secret-value", time.Hour)
	var alice, bob store.Account
	alice.Username, bob.Username = "alice", "bob"
	alice.Password, bob.Password = "x", "x"
	require.NoError(t, st.CreateUser(&alice))
	require.NoError(t, st.CreateUser(&bob))
	token, err := issuer.Sign(alice.ID, alice.Username)
	require.NoError(t, err)

	srv := httptest.NewServer(handlers.NewRouter(st, hub, issuer, nil))
	defer srv.Close()

	t.Setenv("MSGSYNC_BASE_URL", srv.URL+handlers.MessagesPrefix)
	t.Setenv("MSGSYNC_TOKEN", token)
	t.Setenv("MSGSYNC_USER_ID", alice.ID)
	t.Setenv("MSGSYNC_USERNAME", alice.Username)
	t.Setenv("MSGSYNC_MARKERS_DRIVER", "memory")
	t.Setenv("MSGSYNC_SETTLE_DELAY", "10ms")

	out, err := run(t, "send", "bob", "hello", "there")
	require.NoError(t, err)
	assert.Contains(t, out, "Sent to bob")

	msgs, err := st.GetConversation(bob.ID, alice.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello there", msgs[0].Content)

	_, err = run(t, "send", "nobody", "hi")
	assert.Error(t, err)
}

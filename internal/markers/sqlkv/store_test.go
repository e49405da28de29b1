package sqlkv

import (
	"context"
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pliu/msgsync/internal/markers/kvtest"
)

func TestSQLiteStore(t *testing.T) {
	store, err := New("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	defer store.Close()

	kvtest.Run(t, store)
}

func TestSQLiteStorePersists(t *testing.T) {
	path := t.TempDir() + "/markers.db"
	store, err := New("sqlite3", path)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	if err := store.Put(context.Background(), "deleted:u1:p1", []byte("true")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	store.Close()

	reopened, err := New("sqlite3", path)
	if err != nil {
		t.Fatalf("Failed to reopen test database: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Get(context.Background(), "deleted:u1:p1")
	if err != nil || string(got) != "true" {
		t.Errorf("Get() = %q, %v after reopen", got, err)
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("MSGSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MSGSYNC_TEST_POSTGRES_DSN not set")
	}
	store, err := New("postgres", dsn)
	if err != nil {
		t.Fatalf("Failed to open postgres: %v", err)
	}
	defer store.Close()
	if _, err := store.db.Exec("DELETE FROM kv"); err != nil {
		t.Fatal(err)
	}

	kvtest.Run(t, store)
}

package sqlstore

import (
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pliu/msgsync/internal/store"
)

var testStore *SQLStore

func SetupTestDB(t *testing.T) {
	var err error
	testStore, err = New("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
}

func TeardownTestDB() {
	testStore.db.Close()
}

func mustCreate(t *testing.T, username string) *store.Account {
	t.Helper()
	acct := &store.Account{Password: "hash"}
	acct.Username = username
	if err := testStore.CreateUser(acct); err != nil {
		t.Fatalf("Failed to create user %s: %v", username, err)
	}
	return acct
}

func TestRebind(t *testing.T) {
	s := &SQLStore{driverName: "postgres"}
	got := s.rebind("SELECT 1 WHERE a = ? AND b = ?")
	if got != "SELECT 1 WHERE a = $1 AND b = $2" {
		t.Errorf("unexpected rebind result: %s", got)
	}

	s.driverName = "sqlite3"
	if got := s.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite query should be unchanged, got %s", got)
	}
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("MSGSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MSGSYNC_TEST_POSTGRES_DSN not set")
	}
	s, err := New("postgres", dsn)
	if err != nil {
		t.Fatalf("Failed to open postgres: %v", err)
	}
	defer s.Close()

	a := &store.Account{Password: "hash"}
	a.Username = "pg-" + t.Name()
	b := &store.Account{Password: "hash"}
	b.Username = "pg-peer-" + t.Name()
	if err := s.CreateUser(a); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateUser(b); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveMessage(b.ID, a.ID, "hello"); err != nil {
		t.Fatal(err)
	}
	n, err := s.UnreadCount(a.ID)
	if err != nil || n != 1 {
		t.Errorf("Expected 1 unread, got %d (%v)", n, err)
	}
}

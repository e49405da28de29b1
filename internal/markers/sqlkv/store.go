package sqlkv

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pkg/errors"

	"github.com/pliu/msgsync/internal/markers"
)

type SQLStore struct {
	db         *sql.DB
	driverName string
}

var _ markers.KV = (*SQLStore)(nil)

// New opens the marker table on driverName ("sqlite3" or "postgres").
func New(driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, errors.Wrap(err, "open marker db")
	}
	if driverName == "sqlite3" {
		// every :memory: connection is a separate database
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping marker db")
	}

	s := &SQLStore{db: db, driverName: driverName}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS kv (
		mkey TEXT PRIMARY KEY,
		mvalue TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return errors.Wrap(err, "create kv table")
	}
	return nil
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		// Replace ? with $1, $2, etc.
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

func (s *SQLStore) Put(ctx context.Context, key string, value []byte) error {
	query := s.rebind(`
		INSERT INTO kv (mkey, mvalue, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (mkey) DO UPDATE SET mvalue = excluded.mvalue, updated_at = excluded.updated_at
	`)
	_, err := s.db.ExecContext(ctx, query, key, string(value), time.Now().UnixNano())
	return err
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value string
	query := s.rebind("SELECT mvalue FROM kv WHERE mkey = ?")
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, markers.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	query := s.rebind("DELETE FROM kv WHERE mkey = ?")
	_, err := s.db.ExecContext(ctx, query, key)
	return err
}

func (s *SQLStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	// substr instead of LIKE: legacy prefixes contain '_' which LIKE treats as a wildcard.
	// substr counts characters, not bytes.
	query := s.rebind("SELECT mkey FROM kv WHERE substr(mkey, 1, ?) = ? ORDER BY mkey")
	rows, err := s.db.QueryContext(ctx, query, utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

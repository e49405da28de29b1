package valkeykv

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/valkey-io/valkey-go"

	"github.com/pliu/msgsync/internal/markers"
)

const DefaultNamespace = "msgsync:"

// Store keeps markers in Valkey so several clients of one user can share them.
type Store struct {
	client    valkey.Client
	namespace string
}

var _ markers.KV = (*Store)(nil)

func New(addr, password, namespace string) (*Store, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
		Password:    password,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "connect valkey %s", addr)
	}
	return NewWithClient(client, namespace), nil
}

func NewWithClient(client valkey.Client, namespace string) *Store {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Store{client: client, namespace: namespace}
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	cmd := s.client.B().Set().Key(s.namespace + key).Value(string(value)).Build()
	return s.client.Do(ctx, cmd).Error()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	cmd := s.client.B().Get().Key(s.namespace + key).Build()
	data, err := s.client.Do(ctx, cmd).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, markers.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	cmd := s.client.B().Del().Key(s.namespace + key).Build()
	return s.client.Do(ctx, cmd).Error()
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := globEscape(s.namespace+prefix) + "*"
	var (
		keys   []string
		cursor uint64
	)
	for {
		cmd := s.client.B().Scan().Cursor(cursor).Match(pattern).Count(200).Build()
		entry, err := s.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return nil, errors.Wrap(err, "scan keys")
		}
		for _, k := range entry.Elements {
			keys = append(keys, strings.TrimPrefix(k, s.namespace))
		}
		if entry.Cursor == 0 {
			return keys, nil
		}
		cursor = entry.Cursor
	}
}

func (s *Store) Close() error {
	s.client.Close()
	return nil
}

func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Package markers persists conversation deletion markers in a durable client-local
// key-value store. A marker outlives the in-memory cache and any single session and is
// only cleared through the maintenance commands.
package markers

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("markers: key not found")

// KV is the durable store underneath the registry. Implementations live in the sqlkv,
// pebblekv, valkeykv and memkv packages.
type KV interface {
	Put(ctx context.Context, key string, value []byte) error
	// Get returns ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// Keys lists every key starting with prefix; an empty prefix lists everything.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

const canonicalPrefix = "deleted:"

// Historical key formats written by older clients.
var legacyPrefixes = []string{
	"deletedConversation_",
	"deleted_conversation_",
	"chat_deleted_",
}

type Marker struct {
	UserID       string    `json:"user_id"`
	PeerID       string    `json:"peer_id"`
	PeerUsername string    `json:"peer_username,omitempty"`
	Deleted      bool      `json:"deleted"`
	DeletedAt    time.Time `json:"deleted_at"`
}

// Key is the single canonical key for a (user, peer) pair.
func Key(userID, peerID string) string {
	return canonicalPrefix + userID + ":" + peerID
}

func userPrefix(userID string) string {
	return canonicalPrefix + userID + ":"
}

type Registry struct {
	kv  KV
	log *zap.Logger
}

func NewRegistry(kv KV, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{kv: kv, log: log}
}

func (r *Registry) Close() error {
	return r.kv.Close()
}

func (r *Registry) Mark(ctx context.Context, m Marker) error {
	m.Deleted = true
	if m.DeletedAt.IsZero() {
		m.DeletedAt = time.Now()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "marshal marker")
	}
	if err := r.kv.Put(ctx, Key(m.UserID, m.PeerID), data); err != nil {
		return errors.Wrapf(err, "write marker %s/%s", m.UserID, m.PeerID)
	}
	return nil
}

// Get returns the marker for the pair; ok is false when no marker is set.
func (r *Registry) Get(ctx context.Context, userID, peerID string) (Marker, bool, error) {
	data, err := r.kv.Get(ctx, Key(userID, peerID))
	if errors.Is(err, ErrNotFound) {
		return Marker{}, false, nil
	}
	if err != nil {
		return Marker{}, false, errors.Wrap(err, "read marker")
	}
	m, err := decode(data)
	if err != nil {
		return Marker{}, false, err
	}
	return m, m.Deleted, nil
}

// List returns the markers for userID, or every marker when userID is empty.
func (r *Registry) List(ctx context.Context, userID string) ([]Marker, error) {
	prefix := canonicalPrefix
	if userID != "" {
		prefix = userPrefix(userID)
	}
	keys, err := r.kv.Keys(ctx, prefix)
	if err != nil {
		return nil, errors.Wrap(err, "list marker keys")
	}
	sort.Strings(keys)

	out := make([]Marker, 0, len(keys))
	for _, k := range keys {
		data, err := r.kv.Get(ctx, k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", k)
		}
		m, err := decode(data)
		if err != nil {
			r.log.Warn("marker_decode_failed", zap.String("key", k), zap.Error(err))
			continue
		}
		if m.Deleted {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *Registry) Clear(ctx context.Context, userID, peerID string) error {
	if err := r.kv.Delete(ctx, Key(userID, peerID)); err != nil {
		return errors.Wrapf(err, "clear marker %s/%s", userID, peerID)
	}
	return nil
}

// ClearAll removes every canonical marker of userID (all users when empty) and returns how
// many were removed.
func (r *Registry) ClearAll(ctx context.Context, userID string) (int, error) {
	prefix := canonicalPrefix
	if userID != "" {
		prefix = userPrefix(userID)
	}
	keys, err := r.kv.Keys(ctx, prefix)
	if err != nil {
		return 0, errors.Wrap(err, "list marker keys")
	}
	for _, k := range keys {
		if err := r.kv.Delete(ctx, k); err != nil {
			return 0, errors.Wrapf(err, "delete %s", k)
		}
	}
	return len(keys), nil
}

// PurgePeer removes the non-canonical keys of userID that name the peer by id or username.
// Older clients cached conversation data under several ad hoc keys. Legacy deletion keys
// owned by another user are never touched.
func (r *Registry) PurgePeer(ctx context.Context, userID, peerID, peerUsername string) (int, error) {
	keys, err := r.kv.Keys(ctx, "")
	if err != nil {
		return 0, errors.Wrap(err, "list keys")
	}
	n := 0
	for _, k := range keys {
		if strings.HasPrefix(k, canonicalPrefix) {
			continue
		}
		if prefix, ok := legacyPrefix(k); ok {
			owner, peer := parseLegacy(prefix, strings.TrimPrefix(k, prefix))
			if owner != "" && owner != userID {
				continue
			}
			if peer != peerID && (peerUsername == "" || peer != peerUsername) {
				continue
			}
		} else if !keyNames(k, peerID) && !keyNames(k, peerUsername) {
			continue
		}
		if err := r.kv.Delete(ctx, k); err != nil {
			return n, errors.Wrapf(err, "delete %s", k)
		}
		n++
	}
	return n, nil
}

func legacyPrefix(key string) (string, bool) {
	for _, p := range legacyPrefixes {
		if strings.HasPrefix(key, p) {
			return p, true
		}
	}
	return "", false
}

// Migrate rewrites legacy deletion keys of userID into canonical markers. Legacy keys that
// do not carry a user id are attributed to userID. It is safe to run repeatedly.
func (r *Registry) Migrate(ctx context.Context, userID string) (int, error) {
	migrated := 0
	for _, prefix := range legacyPrefixes {
		keys, err := r.kv.Keys(ctx, prefix)
		if err != nil {
			return migrated, errors.Wrap(err, "list legacy keys")
		}
		for _, k := range keys {
			owner, peer := parseLegacy(prefix, strings.TrimPrefix(k, prefix))
			if owner == "" {
				owner = userID
			}
			if owner != userID || peer == "" {
				continue
			}
			data, err := r.kv.Get(ctx, k)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return migrated, errors.Wrapf(err, "read legacy %s", k)
			}
			// an undecodable value still means the key was written on deletion
			legacy, derr := decode(data)
			deleted := derr != nil || legacy.Deleted
			if deleted {
				m := Marker{UserID: owner, PeerID: peer, DeletedAt: legacy.DeletedAt}
				if err := r.Mark(ctx, m); err != nil {
					return migrated, err
				}
			}
			if err := r.kv.Delete(ctx, k); err != nil {
				return migrated, errors.Wrapf(err, "delete legacy %s", k)
			}
			if !deleted {
				r.log.Info("legacy_marker_dropped", zap.String("legacy_key", k), zap.String("peer_id", peer))
				continue
			}
			r.log.Info("marker_migrated", zap.String("legacy_key", k), zap.String("peer_id", peer))
			migrated++
		}
	}
	return migrated, nil
}

// parseLegacy splits the remainder of a legacy key into (owner, peer). Keys of the
// "deletedConversation_<peer>" form have no owner.
func parseLegacy(prefix, rest string) (string, string) {
	if prefix == "deletedConversation_" {
		return "", rest
	}
	i := strings.Index(rest, "_")
	if i < 0 {
		return "", rest
	}
	return rest[:i], rest[i+1:]
}

func keyNames(key, ident string) bool {
	if ident == "" {
		return false
	}
	for _, part := range strings.FieldsFunc(key, func(r rune) bool { return r == '_' || r == ':' || r == '/' }) {
		if part == ident {
			return true
		}
	}
	return false
}

// decode accepts both JSON markers and the bare boolean values older clients stored.
func decode(data []byte) (Marker, error) {
	var m Marker
	switch strings.TrimSpace(string(data)) {
	case "true", "1":
		m.Deleted = true
		return m, nil
	case "false", "0":
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, errors.Wrap(err, "decode marker")
	}
	return m, nil
}

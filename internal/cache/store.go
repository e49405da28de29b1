// Package cache holds the client-side source of truth for conversations and messages
// shown to the UI. Every mutation is serialized by one mutex and applied synchronously;
// reads return copies and never wait on I/O.
package cache

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pliu/msgsync/internal/models"
)

const DefaultTolerance = 30 * time.Second

// DeletionFilter reports whether the local user deleted the conversation with a peer.
type DeletionFilter interface {
	DeletedAt(peerID string) (time.Time, bool)
}

// UpsertHook receives the unread count of every visible conversation after a
// conversation list merge.
type UpsertHook func(unread map[string]int)

type entry struct {
	summary    models.ConversationSummary
	hasSummary bool
	messages   []models.Message
}

type Store struct {
	mu        sync.RWMutex
	self      string
	tolerance time.Duration
	filter    DeletionFilter
	entries   map[string]*entry
	peers     map[string]models.User
	hooks     []UpsertHook
	closed    bool
}

type Option func(*Store)

// WithTolerance sets the window within which a server message may reconcile a local one.
func WithTolerance(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.tolerance = d
		}
	}
}

func WithFilter(f DeletionFilter) Option {
	return func(s *Store) { s.filter = f }
}

// New creates an empty store for the local user selfID.
func New(selfID string, opts ...Option) *Store {
	s := &Store{
		self:      selfID,
		tolerance: DefaultTolerance,
		entries:   make(map[string]*entry),
		peers:     make(map[string]models.User),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Self() string { return s.self }

func (s *Store) SetFilter(f DeletionFilter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = f
}

func (s *Store) OnUpsert(h UpsertHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

// Close turns every later mutation into a no-op. Fetches completing after view
// teardown land here.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *Store) deletedAt(peerID string) (time.Time, bool) {
	if s.filter == nil {
		return time.Time{}, false
	}
	return s.filter.DeletedAt(peerID)
}

func (s *Store) entry(peerID string) *entry {
	e, ok := s.entries[peerID]
	if !ok {
		e = &entry{}
		s.entries[peerID] = e
	}
	return e
}

// UpsertConversations merges a freshly fetched summary list. Summaries of deleted peers
// are dropped; any other summary replaces the cached one wholesale. Peers absent from
// list are kept.
func (s *Store) UpsertConversations(list []models.ConversationSummary) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	for _, c := range list {
		id := c.Peer.ID
		if id == "" {
			continue
		}
		if _, deleted := s.deletedAt(id); deleted {
			continue
		}
		e := s.entry(id)
		e.summary = copySummary(c)
		e.hasSummary = true
		s.peers[id] = c.Peer
	}
	for id, e := range s.entries {
		if cutoff, deleted := s.deletedAt(id); deleted {
			e.hasSummary = false
			e.summary = models.ConversationSummary{}
			e.messages = after(e.messages, cutoff)
		}
	}
	unread := s.unreadLocked()
	hooks := append([]UpsertHook(nil), s.hooks...)
	s.mu.Unlock()

	for _, h := range hooks {
		h(unread)
	}
}

// UpsertMessages merges a fetched message list for one conversation. Messages are keyed
// by id; a local message is dropped once its server copy is present. Calling it twice
// with the same list leaves the same state as calling it once.
func (s *Store) UpsertMessages(peerID string, list []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	cutoff, deleted := s.deletedAt(peerID)
	e := s.entry(peerID)

	merged := make([]models.Message, 0, len(e.messages)+len(list))
	byID := make(map[string]int)
	var locals []models.Message
	for _, m := range e.messages {
		if m.Local {
			locals = append(locals, m)
			continue
		}
		byID[m.ID] = len(merged)
		merged = append(merged, m)
	}

	// server messages seen for the first time may reconcile a local message
	var fresh []int
	for _, m := range list {
		if m.ID == "" || (deleted && !m.Timestamp.After(cutoff)) {
			continue
		}
		m.Local = false
		if i, ok := byID[m.ID]; ok {
			merged[i] = m
			continue
		}
		byID[m.ID] = len(merged)
		fresh = append(fresh, len(merged))
		merged = append(merged, m)
	}

	claimed := make(map[int]bool)
	for _, l := range locals {
		if _, ok := byID[l.ID]; ok {
			continue
		}
		if i := s.match(l, merged, fresh, claimed); i >= 0 {
			claimed[i] = true
			continue
		}
		merged = append(merged, l)
	}

	sortMessages(merged)
	e.messages = merged
	s.refreshLast(e)
}

// match returns the index of the closest unclaimed fresh server message that carries the
// same exchange and content as local within the tolerance window, or -1.
func (s *Store) match(local models.Message, merged []models.Message, fresh []int, claimed map[int]bool) int {
	best, bestDelta := -1, time.Duration(math.MaxInt64)
	for _, i := range fresh {
		if claimed[i] {
			continue
		}
		m := merged[i]
		if m.SenderID != local.SenderID || m.RecipientID != local.RecipientID || m.Content != local.Content {
			continue
		}
		d := m.Timestamp.Sub(local.Timestamp)
		if d < 0 {
			d = -d
		}
		if d <= s.tolerance && d < bestDelta {
			best, bestDelta = i, d
		}
	}
	return best
}

// AppendLocal inserts an optimistic message at the tail of the conversation.
func (s *Store) AppendLocal(peerID string, msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	msg.Local = true
	e := s.entry(peerID)
	e.messages = append(e.messages, msg)

	if !e.hasSummary {
		peer, known := s.peers[peerID]
		if _, deleted := s.deletedAt(peerID); known && !deleted {
			e.summary = models.ConversationSummary{Peer: peer}
			e.hasSummary = true
		}
	}
	s.refreshLast(e)
}

// ConfirmLocal replaces the local message tempID with its server copy. A copy without a
// server-assigned id is ignored.
func (s *Store) ConfirmLocal(peerID, tempID string, msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || msg.ID == "" || models.IsTempID(msg.ID) {
		return
	}
	e, ok := s.entries[peerID]
	if !ok {
		return
	}
	msg.Local = false

	out := e.messages[:0:0]
	seen := false
	for _, m := range e.messages {
		if m.ID == msg.ID {
			seen = true
		}
	}
	replaced := false
	for _, m := range e.messages {
		switch {
		case m.ID == tempID && m.Local:
			if !seen {
				out = append(out, msg)
				seen = true
			}
			replaced = true
		case m.ID == msg.ID:
			out = append(out, msg)
		default:
			out = append(out, m)
		}
	}
	if !replaced && !seen {
		// the poll reconciled the local copy first, and the server copy is still unknown
		out = append(out, msg)
	}
	sortMessages(out)
	e.messages = out
	s.refreshLast(e)
}

// Forget drops everything cached for the peer.
func (s *Store) Forget(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, peerID)
}

// RememberPeer records a peer resolved outside the conversation list (deep link).
func (s *Store) RememberPeer(u models.User) {
	if u.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[u.ID] = u
}

// SetUnread overwrites the peer's unread count and returns the previous value.
func (s *Store) SetUnread(peerID string, n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[peerID]
	if !ok || !e.hasSummary {
		return 0
	}
	prev := e.summary.UnreadCount
	e.summary.UnreadCount = n
	return prev
}

func (s *Store) UnreadByPeer() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unreadLocked()
}

func (s *Store) unreadLocked() map[string]int {
	out := make(map[string]int)
	for id, e := range s.entries {
		if e.hasSummary {
			out[id] = e.summary.UnreadCount
		}
	}
	return out
}

// Summaries returns the visible conversation list, most recent first.
func (s *Store) Summaries() []models.ConversationSummary {
	s.mu.RLock()
	out := make([]models.ConversationSummary, 0, len(s.entries))
	for _, e := range s.entries {
		if e.hasSummary {
			out = append(out, copySummary(e.summary))
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastMessage, out[j].LastMessage
		switch {
		case a != nil && b != nil && !a.Timestamp.Equal(b.Timestamp):
			return a.Timestamp.After(b.Timestamp)
		case (a == nil) != (b == nil):
			return a != nil
		}
		return out[i].Peer.Username < out[j].Peer.Username
	})
	return out
}

func (s *Store) Conversation(peerID string) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[peerID]
	if !ok {
		return models.Conversation{}, false
	}
	peer := e.summary.Peer
	if !e.hasSummary {
		peer = s.peers[peerID]
	}
	c := models.Conversation{
		Peer:     peer,
		Messages: append([]models.Message(nil), e.messages...),
		Unread:   e.summary.UnreadCount,
	}
	if e.summary.LastMessage != nil {
		last := *e.summary.LastMessage
		c.LastMessage = &last
	}
	return c, true
}

func (s *Store) Messages(peerID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[peerID]
	if !ok {
		return nil
	}
	return append([]models.Message(nil), e.messages...)
}

// PeerByUsername looks the username up among cached peers.
func (s *Store) PeerByUsername(username string) (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.peers {
		if u.Username == username {
			return u, true
		}
	}
	return models.User{}, false
}

// refreshLast points the summary's last message at the conversation tail when newer.
func (s *Store) refreshLast(e *entry) {
	if !e.hasSummary || len(e.messages) == 0 {
		return
	}
	tail := e.messages[len(e.messages)-1]
	if cur := e.summary.LastMessage; cur == nil || !tail.Timestamp.Before(cur.Timestamp) {
		e.summary.LastMessage = &tail
	}
}

func copySummary(c models.ConversationSummary) models.ConversationSummary {
	if c.LastMessage != nil {
		last := *c.LastMessage
		c.LastMessage = &last
	}
	return c
}

func sortMessages(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

func after(msgs []models.Message, cutoff time.Time) []models.Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.Timestamp.After(cutoff) {
			out = append(out, m)
		}
	}
	return out
}

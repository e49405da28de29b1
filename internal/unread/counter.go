// Package unread exposes the single aggregate unread count shown by global UI chrome.
package unread

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pliu/msgsync/internal/events"
	"github.com/pliu/msgsync/internal/metrics"
	"github.com/pliu/msgsync/internal/models"
)

type Remote interface {
	MarkRead(ctx context.Context, username string) error
	UnreadTotal(ctx context.Context) (int, error)
}

// Store is the cached per-conversation unread count.
type Store interface {
	SetUnread(peerID string, n int) int
}

type Counter struct {
	remote  Remote
	store   Store
	hub     *events.Hub
	metrics *metrics.Metrics
	log     *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	perPeer map[string]int
	total   int
	// peers with a mark-read request in flight; the server may still report them unread
	pending map[string]int

	wg sync.WaitGroup
}

type Config struct {
	Remote  Remote
	Store   Store
	Hub     *events.Hub
	Metrics *metrics.Metrics
	Log     *zap.Logger
	// Timeout bounds the asynchronous mark-read request.
	Timeout time.Duration
}

func New(cfg Config) *Counter {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Counter{
		remote:  cfg.Remote,
		store:   cfg.Store,
		hub:     cfg.Hub,
		metrics: cfg.Metrics,
		log:     cfg.Log,
		timeout: cfg.Timeout,
		perPeer: make(map[string]int),
		pending: make(map[string]int),
	}
}

// Recompute replaces the per-peer counts and sets the total to their sum. It is
// registered as a cache upsert hook.
func (c *Counter) Recompute(unread map[string]int) {
	c.mu.Lock()
	c.perPeer = make(map[string]int, len(unread))
	total := 0
	for id, n := range unread {
		if c.pending[id] > 0 {
			n = 0
		}
		c.perPeer[id] = n
		total += n
	}
	changed := total != c.total
	c.total = total
	c.mu.Unlock()

	c.metrics.SetUnread(total)
	if changed {
		c.hub.Publish(events.Event{Kind: events.UnreadChanged, Total: total})
	}
}

func (c *Counter) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *Counter) Peer(peerID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perPeer[peerID]
}

// ResetForPeer zeroes the peer's unread count right away and sends the mark-read request
// in the background. It returns how many unread messages were cleared.
func (c *Counter) ResetForPeer(ctx context.Context, peer models.User) int {
	async := c.remote != nil && peer.Username != ""

	c.mu.Lock()
	cleared := c.perPeer[peer.ID]
	c.perPeer[peer.ID] = 0
	c.total -= cleared
	if c.total < 0 {
		c.total = 0
	}
	total := c.total
	if async {
		c.pending[peer.ID]++
	}
	c.mu.Unlock()

	if c.store != nil {
		c.store.SetUnread(peer.ID, 0)
	}
	c.metrics.SetUnread(total)
	c.hub.Publish(events.Event{Kind: events.UnreadChanged, PeerID: peer.ID, Total: total})

	if async {
		// the request outlives view teardown; RefreshGlobal corrects any failure
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer cancel()
			if err := c.remote.MarkRead(rctx, peer.Username); err != nil {
				c.log.Warn("mark_read_failed", zap.String("peer_id", peer.ID), zap.Error(err))
			}
			c.mu.Lock()
			if c.pending[peer.ID]--; c.pending[peer.ID] <= 0 {
				delete(c.pending, peer.ID)
			}
			c.mu.Unlock()
		}()
	}
	return cleared
}

// RefreshGlobal overwrites the total with the server's authoritative value.
func (c *Counter) RefreshGlobal(ctx context.Context) error {
	if c.remote == nil {
		return nil
	}
	n, err := c.remote.UnreadTotal(ctx)
	if err != nil {
		return errors.Wrap(err, "refresh unread total")
	}
	c.mu.Lock()
	changed := n != c.total
	c.total = n
	c.mu.Unlock()

	c.metrics.SetUnread(n)
	if changed {
		c.hub.Publish(events.Event{Kind: events.UnreadChanged, Total: n})
	}
	return nil
}

// Wait blocks until outstanding mark-read requests finish.
func (c *Counter) Wait() {
	c.wg.Wait()
}

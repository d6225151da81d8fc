// Package coordinator owns the lifecycle of chat threads: message intake,
// profanity screening, swearing-score accounting, and automatic closure
// once a thread crosses the score threshold. All mutations to one thread
// are serialized behind a per-thread lock so concurrent senders cannot
// lose score increments.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"parley/api/internal/fabric"
	"parley/api/internal/registry"
	"parley/api/internal/store"
)

// CloseReason is the message broadcast and persisted when a thread is
// closed for crossing the score threshold.
const CloseReason = "Thread closed due to excessive profanity"

type ThreadStore interface {
	GetThread(ctx context.Context, threadID int64) (store.Thread, error)
	UpdateThread(ctx context.Context, thread store.Thread) error
	AddMessage(ctx context.Context, message store.Message) (store.Message, error)
	GetRecentMessages(ctx context.Context, threadID int64, limit int) ([]store.Message, error)
}

type Fabric interface {
	Subscribe(connectionID, group string) error
	Unsubscribe(connectionID, group string) error
	Publish(ctx context.Context, group string, event fabric.Event) error
	PublishToCaller(ctx context.Context, connectionID string, event fabric.Event) error
}

// Gateway screens message text. A non-nil error means the verdict is
// unusable and the original text is delivered as-is.
type Gateway interface {
	Filter(ctx context.Context, text string) (moderated string, wasModified bool, err error)
}

// Indexer, Archiver and Notifier are optional collaborators. A nil value
// disables the concern; failures are logged and never block delivery.
type Indexer interface {
	IndexMessage(message store.Message) error
	IndexThread(thread store.Thread) error
}

type Archiver interface {
	ArchiveThread(ctx context.Context, thread store.Thread, messages []store.Message) error
}

type Notifier interface {
	SendThreadClosedNotice(thread store.Thread, reason string) error
}

// ScoreFunc maps a moderation verdict to a score delta. The default adds
// one point per modified message and nothing otherwise.
type ScoreFunc func(wasModified bool) int

func defaultScore(wasModified bool) int {
	if wasModified {
		return 1
	}
	return 0
}

type Options struct {
	Gateway        Gateway
	Indexer        Indexer
	Archiver       Archiver
	Notifier       Notifier
	Score          ScoreFunc
	CloseThreshold int
	RecentLimit    int
	GatewayTimeout time.Duration
}

type Coordinator struct {
	threads  ThreadStore
	bus      Fabric
	conns    *registry.Registry
	gateway  Gateway
	indexer  Indexer
	archiver Archiver
	notifier Notifier

	score          ScoreFunc
	closeThreshold int
	recentLimit    int
	gatewayTimeout time.Duration

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func New(threads ThreadStore, bus Fabric, conns *registry.Registry, opts Options) *Coordinator {
	c := &Coordinator{
		threads:        threads,
		bus:            bus,
		conns:          conns,
		gateway:        opts.Gateway,
		indexer:        opts.Indexer,
		archiver:       opts.Archiver,
		notifier:       opts.Notifier,
		score:          opts.Score,
		closeThreshold: opts.CloseThreshold,
		recentLimit:    opts.RecentLimit,
		gatewayTimeout: opts.GatewayTimeout,
		locks:          make(map[int64]*sync.Mutex),
	}
	if c.score == nil {
		c.score = defaultScore
	}
	if c.closeThreshold <= 0 {
		c.closeThreshold = 5
	}
	if c.recentLimit <= 0 {
		c.recentLimit = 20
	}
	if c.gatewayTimeout <= 0 {
		c.gatewayTimeout = 2 * time.Second
	}
	return c
}

// threadLock returns the mutex serializing mutations of one thread.
// Locks are never reclaimed; the map grows with the number of distinct
// threads touched by this process, which is bounded by the active set.
func (c *Coordinator) threadLock(threadID int64) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	mu, ok := c.locks[threadID]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[threadID] = mu
	}
	return mu
}

func (c *Coordinator) publish(ctx context.Context, group string, event fabric.Event) {
	if err := c.bus.Publish(ctx, group, event); err != nil {
		log.Printf("coordinator: publish %s to %s: %v", event.Name, group, err)
	}
}

// Join subscribes a connection to a thread's broadcast group and sends it
// a snapshot of the thread state. A connection bound to another thread is
// moved: last join wins.
func (c *Coordinator) Join(ctx context.Context, connectionID string, userID, threadID int64) error {
	thread, err := c.threads.GetThread(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrThreadNotFound
	}
	if err != nil {
		return fmt.Errorf("fetch thread %d: %w", threadID, err)
	}

	prev, had := c.conns.Bind(connectionID, userID, threadID)
	if had && prev.ThreadID != 0 && prev.ThreadID != threadID {
		if err := c.bus.Unsubscribe(connectionID, fabric.GroupKey(prev.ThreadID)); err != nil {
			log.Printf("coordinator: leave previous thread %d for %s: %v", prev.ThreadID, connectionID, err)
		}
	}
	if err := c.bus.Subscribe(connectionID, fabric.GroupKey(threadID)); err != nil {
		c.conns.Unbind(connectionID)
		return fmt.Errorf("subscribe %s to thread %d: %w", connectionID, threadID, err)
	}

	if err := c.bus.PublishToCaller(ctx, connectionID, fabric.ThreadInfoUpdated(threadInfo(thread))); err != nil {
		log.Printf("coordinator: send join snapshot to %s: %v", connectionID, err)
	}
	c.RefreshView(ctx, threadID)
	return nil
}

// Leave unsubscribes a connection from a thread. Leaving a thread the
// connection never joined is a no-op.
func (c *Coordinator) Leave(connectionID string, threadID int64) {
	if err := c.bus.Unsubscribe(connectionID, fabric.GroupKey(threadID)); err != nil {
		log.Printf("coordinator: unsubscribe %s from thread %d: %v", connectionID, threadID, err)
	}
	c.conns.Unbind(connectionID)
}

// OnDisconnect releases everything held for a dropped connection.
func (c *Coordinator) OnDisconnect(connectionID string) {
	binding, had := c.conns.Unbind(connectionID)
	if had && binding.ThreadID != 0 {
		if err := c.bus.Unsubscribe(connectionID, fabric.GroupKey(binding.ThreadID)); err != nil {
			log.Printf("coordinator: unsubscribe on disconnect %s: %v", connectionID, err)
		}
	}
}

// SendMessage runs the full intake pipeline: load the thread, screen the
// text, persist the message, bump the score when the text was rewritten,
// broadcast the message, and apply the closure policy. A gateway failure
// is not an intake failure; the raw text is delivered unmodified.
func (c *Coordinator) SendMessage(ctx context.Context, threadID, userID int64, username, text string) error {
	mu := c.threadLock(threadID)
	mu.Lock()
	defer mu.Unlock()

	thread, err := c.threads.GetThread(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrThreadNotFound
	}
	if err != nil {
		return fmt.Errorf("fetch thread %d: %w", threadID, err)
	}
	if thread.IsClosed {
		return ErrThreadClosed
	}

	moderated, modified := text, false
	if thread.ModerationEnabled && c.gateway != nil {
		fctx, cancel := context.WithTimeout(ctx, c.gatewayTimeout)
		m, wasModified, err := c.gateway.Filter(fctx, text)
		cancel()
		if err != nil {
			log.Printf("coordinator: moderation unavailable for thread %d, passing through: %v", threadID, err)
		} else {
			moderated, modified = m, wasModified
		}
	}

	saved, err := c.threads.AddMessage(ctx, store.Message{
		ThreadID:      threadID,
		UserID:        userID,
		Username:      username,
		OriginalText:  text,
		ModeratedText: moderated,
		WasModified:   modified,
	})
	if err != nil {
		return fmt.Errorf("persist message: %w", err)
	}

	prevScore := thread.SwearingScore
	thread.SwearingScore += c.score(modified)
	thread.LastMessageAt = saved.CreatedAt
	if err := c.threads.UpdateThread(ctx, thread); err != nil {
		// The message is already durable. Broadcast the intended state
		// anyway; the next successful write converges the stored score.
		log.Printf("coordinator: persist score for thread %d: %v", threadID, err)
	}

	c.publish(ctx, fabric.GroupKey(threadID), fabric.ReceiveMessage(fabric.ReceiveMessagePayload{
		Username:        saved.Username,
		Message:         saved.ModeratedText,
		UserID:          saved.UserID,
		Timestamp:       saved.CreatedAt,
		ThreadID:        saved.ThreadID,
		OriginalMessage: saved.OriginalText,
		WasModified:     saved.WasModified,
		SwearingScore:   thread.SwearingScore,
	}))

	if c.indexer != nil {
		if err := c.indexer.IndexMessage(saved); err != nil {
			log.Printf("coordinator: index message %d: %v", saved.ID, err)
		}
	}

	if thread.SwearingScore != prevScore {
		c.applyScorePolicy(ctx, thread, prevScore)
	} else {
		c.refreshViewLocked(ctx, threadID)
	}
	return nil
}

// UpdateScore overrides a thread's score, typically from an administrative
// surface. An unknown thread is logged and ignored rather than failed:
// the caller has nothing to act on.
func (c *Coordinator) UpdateScore(ctx context.Context, threadID int64, newScore int) error {
	mu := c.threadLock(threadID)
	mu.Lock()
	defer mu.Unlock()

	thread, err := c.threads.GetThread(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("coordinator: score update for unknown thread %d ignored", threadID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch thread %d: %w", threadID, err)
	}

	prevScore := thread.SwearingScore
	thread.SwearingScore = newScore
	if err := c.threads.UpdateThread(ctx, thread); err != nil {
		log.Printf("coordinator: persist score for thread %d: %v", threadID, err)
	}
	c.applyScorePolicy(ctx, thread, prevScore)
	return nil
}

// CloseThread closes a thread from an administrative surface.
func (c *Coordinator) CloseThread(ctx context.Context, threadID int64, reason string) error {
	mu := c.threadLock(threadID)
	mu.Lock()
	defer mu.Unlock()

	thread, err := c.threads.GetThread(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrThreadNotFound
	}
	if err != nil {
		return fmt.Errorf("fetch thread %d: %w", threadID, err)
	}
	c.closeLocked(ctx, thread, reason)
	return nil
}

// RefreshView re-broadcasts the current thread state and its newest
// message. Clients use it to self-heal after missed events.
func (c *Coordinator) RefreshView(ctx context.Context, threadID int64) {
	mu := c.threadLock(threadID)
	mu.Lock()
	defer mu.Unlock()
	c.refreshViewLocked(ctx, threadID)
}

// applyScorePolicy broadcasts the new score and either closes the thread
// when the threshold is reached or refreshes the group's view. Caller
// holds the thread lock.
func (c *Coordinator) applyScorePolicy(ctx context.Context, thread store.Thread, prevScore int) {
	c.publish(ctx, fabric.GroupKey(thread.ID), fabric.SwearingScoreUpdated(thread.ID, thread.SwearingScore))

	if thread.SwearingScore >= c.closeThreshold {
		c.closeLocked(ctx, thread, CloseReason)
		return
	}
	if thread.SwearingScore != prevScore {
		c.refreshViewLocked(ctx, thread.ID)
	}
}

// closeLocked marks the thread closed, records a system message with the
// reason, and broadcasts the closure. Closing an already-closed thread is
// a no-op. Caller holds the thread lock.
func (c *Coordinator) closeLocked(ctx context.Context, thread store.Thread, reason string) {
	if thread.IsClosed {
		log.Printf("coordinator: thread %d already closed", thread.ID)
		return
	}

	thread.IsClosed = true
	thread.LastMessageAt = time.Now().UTC()
	if err := c.threads.UpdateThread(ctx, thread); err != nil {
		log.Printf("coordinator: persist closure of thread %d: %v", thread.ID, err)
	}

	group := fabric.GroupKey(thread.ID)
	c.publish(ctx, group, fabric.ThreadClosed(thread.ID, reason))

	notice, err := c.threads.AddMessage(ctx, store.Message{
		ThreadID:      thread.ID,
		UserID:        store.SystemUserID,
		Username:      "system",
		OriginalText:  reason,
		ModeratedText: reason,
	})
	if err != nil {
		log.Printf("coordinator: persist closure notice for thread %d: %v", thread.ID, err)
	} else if c.indexer != nil {
		if err := c.indexer.IndexMessage(notice); err != nil {
			log.Printf("coordinator: index closure notice %d: %v", notice.ID, err)
		}
	}

	c.publish(ctx, group, fabric.ThreadInfoUpdated(threadInfo(thread)))
	c.refreshViewLocked(ctx, thread.ID)

	if c.indexer != nil {
		if err := c.indexer.IndexThread(thread); err != nil {
			log.Printf("coordinator: index closed thread %d: %v", thread.ID, err)
		}
	}
	if c.archiver != nil {
		messages, err := c.threads.GetRecentMessages(ctx, thread.ID, c.recentLimit)
		if err != nil {
			log.Printf("coordinator: load transcript for thread %d: %v", thread.ID, err)
		} else if err := c.archiver.ArchiveThread(ctx, thread, messages); err != nil {
			log.Printf("coordinator: archive thread %d: %v", thread.ID, err)
		}
	}
	if c.notifier != nil {
		if err := c.notifier.SendThreadClosedNotice(thread, reason); err != nil {
			log.Printf("coordinator: notify closure of thread %d: %v", thread.ID, err)
		}
	}
}

// refreshViewLocked reloads the thread and re-broadcasts its info plus the
// newest message so every group member converges on the same view. Caller
// holds the thread lock.
func (c *Coordinator) refreshViewLocked(ctx context.Context, threadID int64) {
	thread, err := c.threads.GetThread(ctx, threadID)
	if err != nil {
		log.Printf("coordinator: refresh thread %d: %v", threadID, err)
		return
	}

	group := fabric.GroupKey(threadID)
	c.publish(ctx, group, fabric.ThreadInfoUpdated(threadInfo(thread)))

	messages, err := c.threads.GetRecentMessages(ctx, threadID, c.recentLimit)
	if err != nil {
		log.Printf("coordinator: load recent messages for thread %d: %v", threadID, err)
		return
	}
	if len(messages) == 0 {
		return
	}
	newest := messages[0]
	c.publish(ctx, group, fabric.ReceiveMessage(fabric.ReceiveMessagePayload{
		Username:        newest.Username,
		Message:         newest.ModeratedText,
		UserID:          newest.UserID,
		Timestamp:       newest.CreatedAt,
		ThreadID:        newest.ThreadID,
		OriginalMessage: newest.OriginalText,
		WasModified:     newest.WasModified,
		SwearingScore:   thread.SwearingScore,
	}))
}

func threadInfo(t store.Thread) fabric.ThreadInfoUpdatedPayload {
	return fabric.ThreadInfoUpdatedPayload{
		ThreadID:      t.ID,
		IsClosed:      t.IsClosed,
		SwearingScore: t.SwearingScore,
		LastMessageAt: t.LastMessageAt,
	}
}

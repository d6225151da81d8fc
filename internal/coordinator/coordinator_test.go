package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"parley/api/internal/fabric"
	"parley/api/internal/registry"
	"parley/api/internal/store"
)

// memStore is an in-memory ThreadStore safe for concurrent use.
type memStore struct {
	mu               sync.Mutex
	threads          map[int64]store.Thread
	messages         []store.Message
	nextMessageID    int64
	failUpdateThread bool
}

func newMemStore(threads ...store.Thread) *memStore {
	s := &memStore{threads: make(map[int64]store.Thread)}
	for _, t := range threads {
		s.threads[t.ID] = t
	}
	return s
}

func (s *memStore) GetThread(_ context.Context, threadID int64) (store.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return store.Thread{}, store.ErrNotFound
	}
	return t, nil
}

func (s *memStore) UpdateThread(_ context.Context, thread store.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdateThread {
		return errors.New("update failed")
	}
	if _, ok := s.threads[thread.ID]; !ok {
		return store.ErrNotFound
	}
	s.threads[thread.ID] = thread
	return nil
}

func (s *memStore) AddMessage(_ context.Context, message store.Message) (store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMessageID++
	message.ID = s.nextMessageID
	message.CreatedAt = time.Now().UTC()
	s.messages = append(s.messages, message)
	return message, nil
}

func (s *memStore) GetRecentMessages(_ context.Context, threadID int64, limit int) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Message
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if s.messages[i].ThreadID == threadID {
			out = append(out, s.messages[i])
		}
	}
	return out, nil
}

func (s *memStore) threadByID(t *testing.T, threadID int64) store.Thread {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[threadID]
	if !ok {
		t.Fatalf("thread %d not in store", threadID)
	}
	return thread
}

func (s *memStore) messagesFor(threadID int64) []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Message
	for _, m := range s.messages {
		if m.ThreadID == threadID {
			out = append(out, m)
		}
	}
	return out
}

type published struct {
	Group string
	Event fabric.Event
}

// recordingBus captures everything published and tracks subscriptions.
type recordingBus struct {
	mu     sync.Mutex
	events []published
	caller map[string][]fabric.Event
	subs   map[string]map[string]bool // connection id -> groups
}

func newRecordingBus() *recordingBus {
	return &recordingBus{
		caller: make(map[string][]fabric.Event),
		subs:   make(map[string]map[string]bool),
	}
}

func (b *recordingBus) Subscribe(connectionID, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[connectionID] == nil {
		b.subs[connectionID] = make(map[string]bool)
	}
	b.subs[connectionID][group] = true
	return nil
}

func (b *recordingBus) Unsubscribe(connectionID, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[connectionID], group)
	return nil
}

func (b *recordingBus) Publish(_ context.Context, group string, event fabric.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, published{Group: group, Event: event})
	return nil
}

func (b *recordingBus) PublishToCaller(_ context.Context, connectionID string, event fabric.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.caller[connectionID] = append(b.caller[connectionID], event)
	return nil
}

func (b *recordingBus) named(name string) []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []published
	for _, p := range b.events {
		if p.Event.Name == name {
			out = append(out, p)
		}
	}
	return out
}

func (b *recordingBus) groupsOf(connectionID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for g := range b.subs[connectionID] {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

type gatewayFunc func(ctx context.Context, text string) (string, bool, error)

func (f gatewayFunc) Filter(ctx context.Context, text string) (string, bool, error) {
	return f(ctx, text)
}

// maskGateway rewrites any text containing "dang" and leaves the rest.
var maskGateway = gatewayFunc(func(_ context.Context, text string) (string, bool, error) {
	if strings.Contains(text, "dang") {
		return strings.ReplaceAll(text, "dang", "****"), true, nil
	}
	return text, false, nil
})

func newTestCoordinator(t *testing.T, threads *memStore, opts Options) (*Coordinator, *recordingBus) {
	t.Helper()
	bus := newRecordingBus()
	return New(threads, bus, registry.New(), opts), bus
}

func openThread(id int64, score int) store.Thread {
	return store.Thread{
		ID:                id,
		Title:             "general",
		IsActive:          true,
		SwearingScore:     score,
		ModerationEnabled: true,
		CreatedAt:         time.Now().UTC(),
	}
}

func decodePayload[T any](t *testing.T, ev fabric.Event) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(ev.Payload, &out); err != nil {
		t.Fatalf("decode %s payload: %v", ev.Name, err)
	}
	return out
}

func TestSendMessageCleanText(t *testing.T) {
	threads := newMemStore(openThread(1, 2))
	c, bus := newTestCoordinator(t, threads, Options{Gateway: maskGateway})

	if err := c.SendMessage(context.Background(), 1, 7, "pat", "hello there"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if got := threads.threadByID(t, 1).SwearingScore; got != 2 {
		t.Errorf("score changed on clean message: got %d want 2", got)
	}
	if scored := bus.named(fabric.EventSwearingScoreUpdated); len(scored) != 0 {
		t.Errorf("unexpected score events for clean message: %d", len(scored))
	}

	received := bus.named(fabric.EventReceiveMessage)
	if len(received) == 0 {
		t.Fatal("expected a broadcast message")
	}
	payload := decodePayload[fabric.ReceiveMessagePayload](t, received[0].Event)
	if payload.Message != "hello there" || payload.WasModified {
		t.Errorf("unexpected delivery: %+v", payload)
	}
	if received[0].Group != fabric.GroupKey(1) {
		t.Errorf("delivered to group %q", received[0].Group)
	}
	if infos := bus.named(fabric.EventThreadInfoUpdated); len(infos) == 0 {
		t.Error("expected a view refresh after delivery")
	}
}

func TestSendMessageModifiedIncrementsScore(t *testing.T) {
	threads := newMemStore(openThread(1, 0))
	c, bus := newTestCoordinator(t, threads, Options{Gateway: maskGateway})

	if err := c.SendMessage(context.Background(), 1, 7, "pat", "dang it"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if got := threads.threadByID(t, 1).SwearingScore; got != 1 {
		t.Errorf("score: got %d want 1", got)
	}

	messages := threads.messagesFor(1)
	if len(messages) != 1 {
		t.Fatalf("expected one stored message, got %d", len(messages))
	}
	if messages[0].OriginalText != "dang it" || messages[0].ModeratedText != "**** it" || !messages[0].WasModified {
		t.Errorf("stored message wrong: %+v", messages[0])
	}

	scored := bus.named(fabric.EventSwearingScoreUpdated)
	if len(scored) != 1 {
		t.Fatalf("expected one score event, got %d", len(scored))
	}
	payload := decodePayload[fabric.SwearingScoreUpdatedPayload](t, scored[0].Event)
	if payload.ThreadID != 1 || payload.SwearingScore != 1 {
		t.Errorf("score event wrong: %+v", payload)
	}
}

func TestSendMessageGatewayFailurePassesThrough(t *testing.T) {
	threads := newMemStore(openThread(1, 3))
	broken := gatewayFunc(func(context.Context, string) (string, bool, error) {
		return "", false, errors.New("gateway down")
	})
	c, bus := newTestCoordinator(t, threads, Options{Gateway: broken})

	if err := c.SendMessage(context.Background(), 1, 7, "pat", "dang it"); err != nil {
		t.Fatalf("gateway failure must not fail intake: %v", err)
	}

	if got := threads.threadByID(t, 1).SwearingScore; got != 3 {
		t.Errorf("score changed on pass-through: got %d want 3", got)
	}
	received := bus.named(fabric.EventReceiveMessage)
	if len(received) == 0 {
		t.Fatal("expected delivery despite gateway failure")
	}
	payload := decodePayload[fabric.ReceiveMessagePayload](t, received[0].Event)
	if payload.Message != "dang it" || payload.WasModified {
		t.Errorf("expected original text through, got %+v", payload)
	}
}

func TestSendMessageModerationDisabledSkipsGateway(t *testing.T) {
	thread := openThread(1, 0)
	thread.ModerationEnabled = false
	threads := newMemStore(thread)

	called := false
	spy := gatewayFunc(func(ctx context.Context, text string) (string, bool, error) {
		called = true
		return maskGateway(ctx, text)
	})
	c, _ := newTestCoordinator(t, threads, Options{Gateway: spy})

	if err := c.SendMessage(context.Background(), 1, 7, "pat", "dang it"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if called {
		t.Error("gateway called although moderation is disabled")
	}
	if got := threads.threadByID(t, 1).SwearingScore; got != 0 {
		t.Errorf("score: got %d want 0", got)
	}
}

func TestSendMessageRejections(t *testing.T) {
	closed := openThread(2, 0)
	closed.IsClosed = true
	threads := newMemStore(closed)
	c, _ := newTestCoordinator(t, threads, Options{Gateway: maskGateway})

	if err := c.SendMessage(context.Background(), 99, 7, "pat", "hi"); !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("unknown thread: got %v want ErrThreadNotFound", err)
	}
	if err := c.SendMessage(context.Background(), 2, 7, "pat", "hi"); !errors.Is(err, ErrThreadClosed) {
		t.Errorf("closed thread: got %v want ErrThreadClosed", err)
	}
	if got := len(threads.messagesFor(2)); got != 0 {
		t.Errorf("rejected message was persisted: %d", got)
	}
}

func TestAutoCloseAtThreshold(t *testing.T) {
	threads := newMemStore(openThread(1, 4))
	c, bus := newTestCoordinator(t, threads, Options{Gateway: maskGateway, CloseThreshold: 5})

	if err := c.SendMessage(context.Background(), 1, 7, "pat", "dang it all"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	thread := threads.threadByID(t, 1)
	if !thread.IsClosed {
		t.Fatal("thread should be closed at threshold")
	}
	if thread.SwearingScore != 5 {
		t.Errorf("score: got %d want 5", thread.SwearingScore)
	}

	closedEvents := bus.named(fabric.EventThreadClosed)
	if len(closedEvents) != 1 {
		t.Fatalf("expected one ThreadClosed event, got %d", len(closedEvents))
	}
	payload := decodePayload[fabric.ThreadClosedPayload](t, closedEvents[0].Event)
	if payload.Reason != "Thread closed due to excessive profanity" {
		t.Errorf("closure reason %q", payload.Reason)
	}

	messages := threads.messagesFor(1)
	last := messages[len(messages)-1]
	if last.UserID != store.SystemUserID || last.ModeratedText != CloseReason {
		t.Errorf("expected system closure notice, got %+v", last)
	}

	// Later senders are turned away.
	if err := c.SendMessage(context.Background(), 1, 8, "sam", "hello"); !errors.Is(err, ErrThreadClosed) {
		t.Errorf("send after close: got %v want ErrThreadClosed", err)
	}
}

func TestCloseThreadIdempotent(t *testing.T) {
	threads := newMemStore(openThread(1, 0))
	c, bus := newTestCoordinator(t, threads, Options{})

	if err := c.CloseThread(context.Background(), 1, "spam"); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if err := c.CloseThread(context.Background(), 1, "spam"); err != nil {
		t.Fatalf("second close failed: %v", err)
	}

	if got := len(bus.named(fabric.EventThreadClosed)); got != 1 {
		t.Errorf("expected one ThreadClosed event, got %d", got)
	}
	if got := len(threads.messagesFor(1)); got != 1 {
		t.Errorf("expected one closure notice, got %d", got)
	}
}

func TestConcurrentModifiedSendsLoseNoIncrements(t *testing.T) {
	const senders = 32
	threads := newMemStore(openThread(1, 0))
	// High threshold keeps the thread open for the whole run.
	c, _ := newTestCoordinator(t, threads, Options{Gateway: maskGateway, CloseThreshold: senders + 1})

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := c.SendMessage(context.Background(), 1, int64(n+1), "pat", fmt.Sprintf("dang %d", n))
			if err != nil {
				t.Errorf("send %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	if got := threads.threadByID(t, 1).SwearingScore; got != senders {
		t.Errorf("score: got %d want %d", got, senders)
	}
}

func TestUpdateScoreUnknownThreadIgnored(t *testing.T) {
	threads := newMemStore()
	c, bus := newTestCoordinator(t, threads, Options{})

	if err := c.UpdateScore(context.Background(), 42, 3); err != nil {
		t.Fatalf("expected nil for unknown thread, got %v", err)
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.events) != 0 {
		t.Errorf("unexpected events: %d", len(bus.events))
	}
}

func TestUpdateScoreBroadcastsDespitePersistFailure(t *testing.T) {
	threads := newMemStore(openThread(1, 1))
	threads.failUpdateThread = true
	c, bus := newTestCoordinator(t, threads, Options{CloseThreshold: 5})

	if err := c.UpdateScore(context.Background(), 1, 3); err != nil {
		t.Fatalf("UpdateScore failed: %v", err)
	}

	scored := bus.named(fabric.EventSwearingScoreUpdated)
	if len(scored) != 1 {
		t.Fatalf("expected one score event, got %d", len(scored))
	}
	payload := decodePayload[fabric.SwearingScoreUpdatedPayload](t, scored[0].Event)
	if payload.SwearingScore != 3 {
		t.Errorf("broadcast score %d, want the intended 3", payload.SwearingScore)
	}
}

func TestUpdateScoreCanCloseThread(t *testing.T) {
	threads := newMemStore(openThread(1, 0))
	c, bus := newTestCoordinator(t, threads, Options{CloseThreshold: 5})

	if err := c.UpdateScore(context.Background(), 1, 9); err != nil {
		t.Fatalf("UpdateScore failed: %v", err)
	}
	if !threads.threadByID(t, 1).IsClosed {
		t.Error("thread should close when override reaches threshold")
	}
	if got := len(bus.named(fabric.EventThreadClosed)); got != 1 {
		t.Errorf("expected one ThreadClosed event, got %d", got)
	}
}

func TestJoinSubscribesAndSnapshots(t *testing.T) {
	threads := newMemStore(openThread(1, 2))
	c, bus := newTestCoordinator(t, threads, Options{})

	if err := c.Join(context.Background(), "conn-a", 7, 1); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	if groups := bus.groupsOf("conn-a"); len(groups) != 1 || groups[0] != fabric.GroupKey(1) {
		t.Errorf("subscriptions: %v", groups)
	}

	bus.mu.Lock()
	snapshots := bus.caller["conn-a"]
	bus.mu.Unlock()
	if len(snapshots) == 0 {
		t.Fatal("expected a snapshot for the joiner")
	}
	payload := decodePayload[fabric.ThreadInfoUpdatedPayload](t, snapshots[0])
	if payload.ThreadID != 1 || payload.SwearingScore != 2 {
		t.Errorf("snapshot: %+v", payload)
	}
}

func TestJoinUnknownThread(t *testing.T) {
	threads := newMemStore()
	c, bus := newTestCoordinator(t, threads, Options{})

	if err := c.Join(context.Background(), "conn-a", 7, 99); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("got %v want ErrThreadNotFound", err)
	}
	if groups := bus.groupsOf("conn-a"); len(groups) != 0 {
		t.Errorf("failed join left subscriptions: %v", groups)
	}
}

func TestJoinMovesConnectionBetweenThreads(t *testing.T) {
	threads := newMemStore(openThread(1, 0), openThread(2, 0))
	c, bus := newTestCoordinator(t, threads, Options{})

	if err := c.Join(context.Background(), "conn-a", 7, 1); err != nil {
		t.Fatalf("join thread 1: %v", err)
	}
	if err := c.Join(context.Background(), "conn-a", 7, 2); err != nil {
		t.Fatalf("join thread 2: %v", err)
	}

	groups := bus.groupsOf("conn-a")
	if len(groups) != 1 || groups[0] != fabric.GroupKey(2) {
		t.Errorf("expected membership in thread 2 only, got %v", groups)
	}
}

func TestLeaveAndDisconnectCleanUp(t *testing.T) {
	threads := newMemStore(openThread(1, 0))
	bus := newRecordingBus()
	conns := registry.New()
	c := New(threads, bus, conns, Options{})

	if err := c.Join(context.Background(), "conn-a", 7, 1); err != nil {
		t.Fatalf("join: %v", err)
	}
	c.Leave("conn-a", 1)
	if groups := bus.groupsOf("conn-a"); len(groups) != 0 {
		t.Errorf("leave kept subscriptions: %v", groups)
	}
	if _, ok := conns.Lookup("conn-a"); ok {
		t.Error("leave kept the binding")
	}

	if err := c.Join(context.Background(), "conn-b", 8, 1); err != nil {
		t.Fatalf("join: %v", err)
	}
	c.OnDisconnect("conn-b")
	if groups := bus.groupsOf("conn-b"); len(groups) != 0 {
		t.Errorf("disconnect kept subscriptions: %v", groups)
	}
	if conns.Len() != 0 {
		t.Errorf("registry not empty after disconnect: %d", conns.Len())
	}
}

func TestRefreshViewRebroadcastsNewestMessage(t *testing.T) {
	threads := newMemStore(openThread(1, 1))
	c, bus := newTestCoordinator(t, threads, Options{Gateway: maskGateway, RecentLimit: 20})

	if err := c.SendMessage(context.Background(), 1, 7, "pat", "first"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.SendMessage(context.Background(), 1, 8, "sam", "second"); err != nil {
		t.Fatalf("send: %v", err)
	}

	bus.mu.Lock()
	bus.events = nil
	bus.mu.Unlock()

	c.RefreshView(context.Background(), 1)

	infos := bus.named(fabric.EventThreadInfoUpdated)
	if len(infos) != 1 {
		t.Fatalf("expected one info event, got %d", len(infos))
	}
	received := bus.named(fabric.EventReceiveMessage)
	if len(received) != 1 {
		t.Fatalf("expected the newest message re-broadcast, got %d", len(received))
	}
	payload := decodePayload[fabric.ReceiveMessagePayload](t, received[0].Event)
	if payload.Message != "second" || payload.Username != "sam" {
		t.Errorf("re-broadcast the wrong message: %+v", payload)
	}
}

func TestScoreFuncOverride(t *testing.T) {
	threads := newMemStore(openThread(1, 0))
	double := func(wasModified bool) int {
		if wasModified {
			return 2
		}
		return 0
	}
	c, _ := newTestCoordinator(t, threads, Options{Gateway: maskGateway, Score: double, CloseThreshold: 100})

	if err := c.SendMessage(context.Background(), 1, 7, "pat", "dang"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := threads.threadByID(t, 1).SwearingScore; got != 2 {
		t.Errorf("score: got %d want 2", got)
	}
}

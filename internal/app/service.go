// Package app exposes the REST surface: thread management, message
// intake, score overrides, search, and the internal dispatch endpoint
// the realtime transport forwards envelopes through.
package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"parley/api/internal/search"
	"parley/api/internal/store"
)

// Store is the persistence surface the REST layer reads from. Writes that
// touch live threads go through the coordinator instead.
type Store interface {
	Ping(ctx context.Context) error
	ListThreads(ctx context.Context) ([]store.Thread, error)
	CreateThread(ctx context.Context, thread store.Thread) (store.Thread, error)
	GetThread(ctx context.Context, threadID int64) (store.Thread, error)
	GetRecentMessages(ctx context.Context, threadID int64, limit int) ([]store.Message, error)
}

// Coordinator is the subset of thread operations reachable over REST.
type Coordinator interface {
	SendMessage(ctx context.Context, threadID, userID int64, username, text string) error
	UpdateScore(ctx context.Context, threadID int64, score int) error
	CloseThread(ctx context.Context, threadID int64, reason string) error
}

// Dispatcher handles envelopes forwarded by the realtime transport.
type Dispatcher interface {
	Handle(ctx context.Context, connectionID string, raw []byte) error
	Disconnect(connectionID string)
}

type Service struct {
	store       Store
	coord       Coordinator
	searcher    search.Searcher // nil when search is not configured
	recentLimit int
	syncToken   string
}

func NewService(st Store, coord Coordinator, searcher search.Searcher, recentLimit int, syncToken string) *Service {
	if recentLimit <= 0 {
		recentLimit = 20
	}
	return &Service{
		store:       st,
		coord:       coord,
		searcher:    searcher,
		recentLimit: recentLimit,
		syncToken:   syncToken,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SyncToken() string {
	return s.syncToken
}

func (s *Service) SearchHealthy() bool {
	return s.searcher != nil && s.searcher.Healthy()
}

// ThreadPayload is the wire form of a thread.
type ThreadPayload struct {
	ID                int64     `json:"id"`
	Title             string    `json:"title"`
	IsActive          bool      `json:"isActive"`
	IsClosed          bool      `json:"isClosed"`
	SwearingScore     int       `json:"swearingScore"`
	ModerationEnabled bool      `json:"moderationEnabled"`
	LastMessageAt     time.Time `json:"lastMessageAt"`
	CreatedAt         time.Time `json:"createdAt"`
}

// MessagePayload is the wire form of a message. Only the moderated text
// travels; the original stays in the store.
type MessagePayload struct {
	ID          int64     `json:"id"`
	ThreadID    int64     `json:"threadId"`
	UserID      int64     `json:"userId"`
	Username    string    `json:"username"`
	Text        string    `json:"text"`
	WasModified bool      `json:"wasModified"`
	CreatedAt   time.Time `json:"createdAt"`
}

func threadPayload(t store.Thread) ThreadPayload {
	return ThreadPayload{
		ID:                t.ID,
		Title:             t.Title,
		IsActive:          t.IsActive,
		IsClosed:          t.IsClosed,
		SwearingScore:     t.SwearingScore,
		ModerationEnabled: t.ModerationEnabled,
		LastMessageAt:     t.LastMessageAt,
		CreatedAt:         t.CreatedAt,
	}
}

func messagePayload(m store.Message) MessagePayload {
	return MessagePayload{
		ID:          m.ID,
		ThreadID:    m.ThreadID,
		UserID:      m.UserID,
		Username:    m.Username,
		Text:        m.ModeratedText,
		WasModified: m.WasModified,
		CreatedAt:   m.CreatedAt,
	}
}

func (s *Service) ListThreads(ctx context.Context) ([]ThreadPayload, error) {
	threads, err := s.store.ListThreads(ctx)
	if err != nil {
		return nil, err
	}
	payload := make([]ThreadPayload, 0, len(threads))
	for _, t := range threads {
		payload = append(payload, threadPayload(t))
	}
	return payload, nil
}

func (s *Service) CreateThread(ctx context.Context, title string, moderationEnabled bool) (ThreadPayload, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return ThreadPayload{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	created, err := s.store.CreateThread(ctx, store.Thread{
		Title:             title,
		IsActive:          true,
		ModerationEnabled: moderationEnabled,
	})
	if err != nil {
		return ThreadPayload{}, err
	}
	return threadPayload(created), nil
}

// GetThread returns a thread plus its recent messages, newest first.
func (s *Service) GetThread(ctx context.Context, threadID int64) (ThreadPayload, []MessagePayload, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return ThreadPayload{}, nil, err
	}
	messages, err := s.store.GetRecentMessages(ctx, threadID, s.recentLimit)
	if err != nil {
		return ThreadPayload{}, nil, err
	}
	payload := make([]MessagePayload, 0, len(messages))
	for _, m := range messages {
		payload = append(payload, messagePayload(m))
	}
	return threadPayload(thread), payload, nil
}

// ListMessages returns up to limit recent messages, newest first. Limit 0
// falls back to the configured default.
func (s *Service) ListMessages(ctx context.Context, threadID int64, limit int) ([]MessagePayload, error) {
	if _, err := s.store.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = s.recentLimit
	}
	messages, err := s.store.GetRecentMessages(ctx, threadID, limit)
	if err != nil {
		return nil, err
	}
	payload := make([]MessagePayload, 0, len(messages))
	for _, m := range messages {
		payload = append(payload, messagePayload(m))
	}
	return payload, nil
}

func (s *Service) PostMessage(ctx context.Context, threadID, userID int64, username, text string) error {
	if strings.TrimSpace(text) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "text is required", nil)
	}
	if strings.TrimSpace(username) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "username is required", nil)
	}
	return s.coord.SendMessage(ctx, threadID, userID, username, text)
}

func (s *Service) OverrideScore(ctx context.Context, threadID int64, score int) error {
	if score < 0 {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "score must not be negative", nil)
	}
	return s.coord.UpdateScore(ctx, threadID, score)
}

func (s *Service) CloseThread(ctx context.Context, threadID int64, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "Thread closed by a moderator"
	}
	return s.coord.CloseThread(ctx, threadID, reason)
}

func (s *Service) Search(q search.Query) (search.Response, error) {
	if s.searcher == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	results, total, err := s.searcher.Search(q)
	if err != nil {
		return search.Response{}, err
	}
	if results == nil {
		results = []search.Result{}
	}
	return search.Response{Results: results, Total: total, Query: q.Text}, nil
}

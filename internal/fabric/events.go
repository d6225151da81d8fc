package fabric

import (
	"encoding/json"
	"strconv"
	"time"
)

// Event names are the wire-level contract clients subscribe to. Renaming
// one is a breaking protocol change.
const (
	EventReceiveMessage       = "ReceiveMessage"
	EventThreadInfoUpdated    = "ThreadInfoUpdated"
	EventSwearingScoreUpdated = "SwearingScoreUpdated"
	EventThreadClosed         = "ThreadClosed"
	EventError                = "Error"
	EventPong                 = "Pong"
)

type Event struct {
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type ReceiveMessagePayload struct {
	Username        string    `json:"username"`
	Message         string    `json:"message"`
	UserID          int64     `json:"userId"`
	Timestamp       time.Time `json:"timestamp"`
	ThreadID        int64     `json:"threadId"`
	OriginalMessage string    `json:"originalMessage"`
	WasModified     bool      `json:"wasModified"`
	SwearingScore   int       `json:"swearingScore"`
}

type ThreadInfoUpdatedPayload struct {
	ThreadID      int64     `json:"threadId"`
	IsClosed      bool      `json:"isClosed"`
	SwearingScore int       `json:"swearingScore"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}

type SwearingScoreUpdatedPayload struct {
	ThreadID      int64 `json:"threadId"`
	SwearingScore int   `json:"swearingScore"`
}

type ThreadClosedPayload struct {
	ThreadID int64  `json:"threadId"`
	Reason   string `json:"reason"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// GroupKey derives the broadcast group for a thread.
func GroupKey(threadID int64) string {
	return "thread_" + strconv.FormatInt(threadID, 10)
}

func NewEvent(name string, payload any) Event {
	raw, _ := json.Marshal(payload)
	return Event{Name: name, Payload: raw}
}

func ReceiveMessage(p ReceiveMessagePayload) Event {
	return NewEvent(EventReceiveMessage, p)
}

func ThreadInfoUpdated(p ThreadInfoUpdatedPayload) Event {
	return NewEvent(EventThreadInfoUpdated, p)
}

func SwearingScoreUpdated(threadID int64, score int) Event {
	return NewEvent(EventSwearingScoreUpdated, SwearingScoreUpdatedPayload{ThreadID: threadID, SwearingScore: score})
}

func ThreadClosed(threadID int64, reason string) Event {
	return NewEvent(EventThreadClosed, ThreadClosedPayload{ThreadID: threadID, Reason: reason})
}

func ErrorEvent(message string) Event {
	return NewEvent(EventError, ErrorPayload{Message: message})
}

func Pong() Event {
	return NewEvent(EventPong, struct{}{})
}

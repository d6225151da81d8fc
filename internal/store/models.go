package store

import "time"

// Thread is a chat thread whose content is screened for profanity.
// SwearingScore accumulates one increment per moderated message and is
// never decremented except by an administrative override.
type Thread struct {
	ID                int64
	Title             string
	IsActive          bool
	IsClosed          bool
	SwearingScore     int
	ModerationEnabled bool
	LastMessageAt     time.Time
	CreatedAt         time.Time
}

// Message keeps both the text as submitted and the text after moderation.
// ModeratedText equals OriginalText when nothing was rewritten.
// UserID 0 marks system-generated messages such as closure notices.
type Message struct {
	ID            int64
	ThreadID      int64
	UserID        int64
	Username      string
	OriginalText  string
	ModeratedText string
	WasModified   bool
	CreatedAt     time.Time
}

// SystemUserID is the reserved sender id for coordinator-generated messages.
const SystemUserID int64 = 0

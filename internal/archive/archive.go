// Package archive writes transcripts of closed threads to S3-compatible
// object storage. A transcript is a JSON snapshot of the thread record
// and its recent messages, kept for moderation audits after the thread
// stops accepting writes.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"parley/api/internal/store"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Service struct {
	client *minio.Client
	bucket string
}

// NewService connects to the object store and ensures the bucket exists.
func NewService(ctx context.Context, cfg Config) (*Service, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &Service{client: client, bucket: cfg.Bucket}, nil
}

type transcript struct {
	Thread     transcriptThread    `json:"thread"`
	Messages   []transcriptMessage `json:"messages"`
	ArchivedAt time.Time           `json:"archivedAt"`
}

type transcriptThread struct {
	ID            int64     `json:"id"`
	Title         string    `json:"title"`
	SwearingScore int       `json:"swearingScore"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	CreatedAt     time.Time `json:"createdAt"`
}

type transcriptMessage struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"userId"`
	Username    string    `json:"username"`
	Text        string    `json:"text"`
	WasModified bool      `json:"wasModified"`
	CreatedAt   time.Time `json:"createdAt"`
}

func objectKey(threadID int64) string {
	return "transcripts/thread_" + strconv.FormatInt(threadID, 10) + ".json"
}

// ArchiveThread uploads a transcript of the thread. Re-archiving a thread
// overwrites the previous transcript.
func (s *Service) ArchiveThread(ctx context.Context, thread store.Thread, messages []store.Message) error {
	t := transcript{
		Thread: transcriptThread{
			ID:            thread.ID,
			Title:         thread.Title,
			SwearingScore: thread.SwearingScore,
			LastMessageAt: thread.LastMessageAt,
			CreatedAt:     thread.CreatedAt,
		},
		ArchivedAt: time.Now().UTC(),
	}
	for _, m := range messages {
		t.Messages = append(t.Messages, transcriptMessage{
			ID:          m.ID,
			UserID:      m.UserID,
			Username:    m.Username,
			Text:        m.ModeratedText,
			WasModified: m.WasModified,
			CreatedAt:   m.CreatedAt,
		})
	}

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, objectKey(thread.ID), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("upload transcript for thread %d: %w", thread.ID, err)
	}
	return nil
}

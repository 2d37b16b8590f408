package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AttachmentEntry is one saved mail attachment in the catalog.
type AttachmentEntry struct {
	ID          string    `db:"id" json:"id"`
	MessageID   string    `db:"message_id" json:"messageId"`
	Filename    string    `db:"filename" json:"filename"`
	MimeType    string    `db:"mime_type" json:"mimeType"`
	Size        int64     `db:"size" json:"size"`
	StoragePath string    `db:"storage_path" json:"-"`
	URL         string    `db:"url" json:"url"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// RecordAttachment appends an entry to the catalog. ID and CreatedAt are
// filled in when empty.
func (s *SQLiteStore) RecordAttachment(ctx context.Context, e AttachmentEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO attachments (id, message_id, filename, mime_type, size, storage_path, url, created_at)
		 VALUES (:id, :message_id, :filename, :mime_type, :size, :storage_path, :url, :created_at)`,
		e,
	)
	if err != nil {
		return fmt.Errorf("record attachment %s: %w", e.Filename, err)
	}
	return nil
}

// ListAttachments returns the newest catalog entries first.
func (s *SQLiteStore) ListAttachments(ctx context.Context, limit int) ([]AttachmentEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	entries := []AttachmentEntry{}
	err := s.db.SelectContext(ctx, &entries,
		`SELECT id, message_id, filename, mime_type, size, storage_path, url, created_at
		 FROM attachments ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	return entries, nil
}

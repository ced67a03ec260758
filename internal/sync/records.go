package sync

import (
	"context"
	"time"

	"github.com/andyy0123/inbox-connector/internal/store"
)

// ChangeType is the kind of mutation recorded on a MailRecord.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// FieldDiff is the old and new value of one changed field.
type FieldDiff struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// HistoryEntry is one append-only change history item.
type HistoryEntry struct {
	ID         string               `json:"id"`
	SyncedAt   time.Time            `json:"synced_at"`
	ChangeType ChangeType           `json:"change_type"`
	Diff       map[string]FieldDiff `json:"diff,omitempty"`
}

// MailRecord is the local replica of one message.
type MailRecord struct {
	MessageID     string         `json:"message_id"`
	UserID        string         `json:"user_id"`
	Subject       string         `json:"subject"`
	Attachments   []Attachment   `json:"attachments"`
	SyncedAt      time.Time      `json:"synced_at"`
	ChangeType    ChangeType     `json:"change_type"`
	ChangeHistory []HistoryEntry `json:"change_history"`
	EMLFileID     string         `json:"eml_file_id,omitempty"`
	EMLSHA256     string         `json:"eml_sha256,omitempty"`
	IsDeleted     bool           `json:"is_deleted"`
}

// AttachmentRecord is the local replica of one attachment descriptor.
type AttachmentRecord struct {
	UserID       string `json:"user_id"`
	MessageID    string `json:"message_id"`
	AttachmentID string `json:"attachment_id"`
	Name         string `json:"name"`
}

// UserRecord is a mailbox owner with its delta cursor.
type UserRecord struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	DeltaLink   string    `json:"delta_link"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func mailFilter(userID, messageID string) store.Filter {
	return store.Filter{"user_id": userID, "message_id": messageID}
}

func attachmentFilter(userID, messageID, attachmentID string) store.Filter {
	return store.Filter{"user_id": userID, "message_id": messageID, "attachment_id": attachmentID}
}

// FindMail returns the stored record of a message, or nil.
func FindMail(ctx context.Context, st Store, namespace, userID, messageID string) (*MailRecord, error) {
	var recs []MailRecord
	if err := st.ReadMany(ctx, namespace, store.CollectionMails, mailFilter(userID, messageID), &recs); err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

// ListMails returns the stored records of a user's mailbox.
func ListMails(ctx context.Context, st Store, namespace, userID string, includeDeleted bool) ([]MailRecord, error) {
	filter := store.Filter{"user_id": userID}
	if !includeDeleted {
		filter["is_deleted"] = false
	}

	var recs []MailRecord
	if err := st.ReadMany(ctx, namespace, store.CollectionMails, filter, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// ListAttachments returns the stored attachment records of a message.
func ListAttachments(ctx context.Context, st Store, namespace, userID, messageID string) ([]AttachmentRecord, error) {
	var recs []AttachmentRecord
	if err := st.ReadMany(ctx, namespace, store.CollectionAttachments, mailFilter(userID, messageID), &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// ListUsers returns the users known to a tenant namespace.
func ListUsers(ctx context.Context, st Store, namespace string) ([]UserRecord, error) {
	var recs []UserRecord
	if err := st.ReadMany(ctx, namespace, store.CollectionUsers, nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func blobKey(userID, messageID string) string {
	return "eml/" + userID + "/" + messageID
}

package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/andyy0123/inbox-connector/internal/store"
)

// Outcome is the result of reconciling one message.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeDeleted Outcome = "deleted"
	OutcomeNoop    Outcome = "no-op"
)

// DeleteOptions controls MarkDeleted.
type DeleteOptions struct {
	// Remote deletes the message at the provider before the local soft delete.
	Remote bool
}

// Reconciler owns MailRecord and AttachmentRecord state.
type Reconciler struct {
	Store     Store
	Provider  Provider
	Publisher EventPublisher
	Log       *logrus.Entry
	Now       func() time.Time
}

func (r *Reconciler) logger() *logrus.Entry {
	if r.Log == nil {
		return logrus.WithField("pkg", "sync")
	}
	return r.Log
}

func (r *Reconciler) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now()
}

// Reconcile diffs a fetched message against its stored record and applies
// the minimal mutation.
func (r *Reconciler) Reconcile(ctx context.Context, t Tenant, userID string, msg Message) (Outcome, error) {
	if msg.ID == "" {
		return "", &Error{Kind: KindUnknown, Op: "reconcile", TenantID: t.ID, UserID: userID, Err: errors.New("empty message id")}
	}

	log := r.logger().WithFields(logrus.Fields{
		"tenant":     t.ID,
		"user_id":    userID,
		"message_id": msg.ID,
	})

	attachments := normalizeAttachments(msg.Attachments)

	existing, err := FindMail(ctx, r.Store, t.Namespace, userID, msg.ID)
	if err != nil {
		return "", withContext(err, KindStoreWrite, "read mail", t.ID, userID, msg.ID)
	}

	body := r.fetchBody(ctx, log, t, userID, msg.ID)
	now := r.now()

	if existing == nil {
		if _, err := r.ReconcileAttachments(ctx, t, userID, msg.ID, attachments, AttachmentOptions{}); err != nil {
			return "", err
		}

		rec := MailRecord{
			MessageID:   msg.ID,
			UserID:      userID,
			Subject:     msg.Subject,
			Attachments: attachments,
			SyncedAt:    now,
			ChangeType:  ChangeCreated,
		}

		if body != nil {
			if err := r.saveBody(ctx, t, &rec, body); err != nil {
				return "", err
			}
		}

		rec.ChangeHistory = []HistoryEntry{r.entry(now, ChangeCreated, nil)}

		if err := r.Store.CreateOne(ctx, t.Namespace, store.CollectionMails, rec); err != nil {
			return "", withContext(storeErr("create mail", err), KindStoreWrite, "", t.ID, userID, msg.ID)
		}

		log.Info("Mail created")
		r.publish(ctx, log, t, &rec, nil)

		return OutcomeCreated, nil
	}

	diff := diffRecord(existing, msg.Subject, attachments)
	newBody := body != nil && digest(body) != existing.EMLSHA256

	if len(diff) == 0 && !newBody {
		return OutcomeNoop, nil
	}

	if _, err := r.ReconcileAttachments(ctx, t, userID, msg.ID, attachments, AttachmentOptions{}); err != nil {
		return "", err
	}

	rec := *existing
	rec.Subject = msg.Subject
	rec.Attachments = attachments
	rec.SyncedAt = now
	rec.ChangeType = ChangeUpdated
	rec.IsDeleted = false

	if newBody {
		if err := r.saveBody(ctx, t, &rec, body); err != nil {
			return "", err
		}
	}

	rec.ChangeHistory = append(append([]HistoryEntry(nil), existing.ChangeHistory...), r.entry(now, ChangeUpdated, diff))

	if _, err := r.Store.UpdateOne(ctx, t.Namespace, store.CollectionMails, mailFilter(userID, msg.ID), rec); err != nil {
		return "", withContext(storeErr("update mail", err), KindStoreWrite, "", t.ID, userID, msg.ID)
	}

	log.WithField("fields", diffFields(diff)).Info("Mail updated")
	r.publish(ctx, log, t, &rec, diff)

	return OutcomeUpdated, nil
}

// MarkDeleted soft-deletes a message. Deleting an already deleted or never
// stored message is a no-op.
func (r *Reconciler) MarkDeleted(ctx context.Context, t Tenant, userID, messageID string, opts DeleteOptions) (Outcome, error) {
	log := r.logger().WithFields(logrus.Fields{
		"tenant":     t.ID,
		"user_id":    userID,
		"message_id": messageID,
	})

	if opts.Remote {
		if err := r.Provider.DeleteRemoteMessage(ctx, t, userID, messageID); err != nil && !IsNotFound(err) {
			return "", withContext(err, KindTransient, "delete remote message", t.ID, userID, messageID)
		}
	}

	existing, err := FindMail(ctx, r.Store, t.Namespace, userID, messageID)
	if err != nil {
		return "", withContext(err, KindStoreWrite, "read mail", t.ID, userID, messageID)
	}
	if existing == nil || existing.IsDeleted {
		return OutcomeNoop, nil
	}

	if _, err := r.ReconcileAttachments(ctx, t, userID, messageID, nil, AttachmentOptions{}); err != nil {
		return "", err
	}

	now := r.now()

	rec := *existing
	rec.IsDeleted = true
	rec.ChangeType = ChangeDeleted
	rec.SyncedAt = now
	rec.ChangeHistory = append(append([]HistoryEntry(nil), existing.ChangeHistory...), r.entry(now, ChangeDeleted, nil))

	if rec.EMLFileID != "" {
		if err := r.Store.DeleteBlob(ctx, t.Namespace, rec.EMLFileID); err != nil {
			log.WithError(err).Warn("Failed to delete raw message")
		} else {
			rec.EMLFileID = ""
			rec.EMLSHA256 = ""
		}
	}

	if _, err := r.Store.UpdateOne(ctx, t.Namespace, store.CollectionMails, mailFilter(userID, messageID), rec); err != nil {
		return "", withContext(storeErr("delete mail", err), KindStoreWrite, "", t.ID, userID, messageID)
	}

	log.Info("Mail deleted")
	r.publish(ctx, log, t, &rec, nil)

	return OutcomeDeleted, nil
}

// fetchBody returns the raw message, or nil when it is absent or could not be
// fetched.
func (r *Reconciler) fetchBody(ctx context.Context, log *logrus.Entry, t Tenant, userID, messageID string) []byte {
	body, err := r.Provider.FetchRawMessage(ctx, t, userID, messageID)
	if err != nil {
		log.WithError(err).Warn("Failed to fetch raw message")
		return nil
	}
	return body
}

func (r *Reconciler) saveBody(ctx context.Context, t Tenant, rec *MailRecord, body []byte) error {
	id, err := r.Store.SaveOrUpdateBlob(ctx, t.Namespace, blobKey(rec.UserID, rec.MessageID), body)
	if err != nil {
		return withContext(storeErr("save raw message", err), KindStoreWrite, "", t.ID, rec.UserID, rec.MessageID)
	}

	rec.EMLFileID = id
	rec.EMLSHA256 = digest(body)
	return nil
}

func (r *Reconciler) entry(at time.Time, ct ChangeType, diff map[string]FieldDiff) HistoryEntry {
	return HistoryEntry{
		ID:         uuid.NewString(),
		SyncedAt:   at,
		ChangeType: ct,
		Diff:       diff,
	}
}

func (r *Reconciler) publish(ctx context.Context, log *logrus.Entry, t Tenant, rec *MailRecord, diff map[string]FieldDiff) {
	if r.Publisher == nil {
		return
	}

	if err := r.Publisher.PublishChange(ctx, ChangeEvent{
		Namespace:  t.Namespace,
		UserID:     rec.UserID,
		MessageID:  rec.MessageID,
		ChangeType: rec.ChangeType,
		Diff:       diff,
		Revision:   len(rec.ChangeHistory),
		SyncedAt:   rec.SyncedAt,
	}); err != nil {
		log.WithError(err).Warn("Failed to publish change event")
	}
}

// diffRecord compares the synced fields of a stored record with fetched
// values. A deleted record that reappears also reports is_deleted.
func diffRecord(existing *MailRecord, subject string, attachments []Attachment) map[string]FieldDiff {
	diff := make(map[string]FieldDiff)

	if existing.Subject != subject {
		diff["subject"] = FieldDiff{Old: existing.Subject, New: subject}
	}

	old := normalizeAttachments(existing.Attachments)
	if !sameAttachments(old, attachments) {
		diff["attachments"] = FieldDiff{Old: old, New: attachments}
	}

	if existing.IsDeleted {
		diff["is_deleted"] = FieldDiff{Old: true, New: false}
	}

	if len(diff) == 0 {
		return nil
	}
	return diff
}

func diffFields(diff map[string]FieldDiff) []string {
	fields := make([]string, 0, len(diff))
	for _, k := range []string{"subject", "attachments", "is_deleted"} {
		if _, ok := diff[k]; ok {
			fields = append(fields, k)
		}
	}
	return fields
}

func digest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

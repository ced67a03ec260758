package sync

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/andyy0123/inbox-connector/internal/store"
)

// AttachmentDelta lists the attachment ids created and removed locally.
type AttachmentDelta struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Renamed []string `json:"renamed,omitempty"`
}

// AttachmentOptions controls ReconcileAttachments.
type AttachmentOptions struct {
	// DeleteRemote also deletes removed attachments at the provider.
	DeleteRemote bool
}

// ReconcileAttachments converges the stored attachment records of a message
// to the remote set. Ids are compared as sets; a stored attachment whose
// name changed is renamed in place.
func (r *Reconciler) ReconcileAttachments(ctx context.Context, t Tenant, userID, messageID string, remote []Attachment, opts AttachmentOptions) (*AttachmentDelta, error) {
	stored, err := ListAttachments(ctx, r.Store, t.Namespace, userID, messageID)
	if err != nil {
		return nil, withContext(err, KindStoreWrite, "read attachments", t.ID, userID, messageID)
	}

	storedIDs := make(map[string]string, len(stored))
	for _, a := range stored {
		storedIDs[a.AttachmentID] = a.Name
	}

	remoteIDs := make(map[string]struct{}, len(remote))
	delta := &AttachmentDelta{}
	var (
		docs    []any
		renamed []AttachmentRecord
	)

	for _, a := range normalizeAttachments(remote) {
		remoteIDs[a.ID] = struct{}{}
		if name, ok := storedIDs[a.ID]; ok {
			if name != a.Name {
				delta.Renamed = append(delta.Renamed, a.ID)
				renamed = append(renamed, AttachmentRecord{
					UserID:       userID,
					MessageID:    messageID,
					AttachmentID: a.ID,
					Name:         a.Name,
				})
			}
			continue
		}
		delta.Added = append(delta.Added, a.ID)
		docs = append(docs, AttachmentRecord{
			UserID:       userID,
			MessageID:    messageID,
			AttachmentID: a.ID,
			Name:         a.Name,
		})
	}

	for id := range storedIDs {
		if _, ok := remoteIDs[id]; !ok {
			delta.Removed = append(delta.Removed, id)
		}
	}
	sort.Strings(delta.Removed)

	log := r.logger().WithFields(logrus.Fields{
		"tenant":     t.ID,
		"user_id":    userID,
		"message_id": messageID,
	})

	if len(docs) > 0 {
		if err := r.Store.CreateMany(ctx, t.Namespace, store.CollectionAttachments, docs); err != nil {
			return nil, withContext(storeErr("create attachments", err), KindStoreWrite, "", t.ID, userID, messageID)
		}
	}

	for _, rec := range renamed {
		if _, err := r.Store.UpdateOne(ctx, t.Namespace, store.CollectionAttachments, attachmentFilter(userID, messageID, rec.AttachmentID), rec); err != nil {
			return nil, withContext(storeErr("rename attachment", err), KindStoreWrite, "", t.ID, userID, messageID)
		}
	}

	for _, id := range delta.Removed {
		if opts.DeleteRemote {
			if err := r.Provider.DeleteRemoteAttachment(ctx, t, userID, messageID, id); err != nil && !IsNotFound(err) {
				return nil, withContext(err, KindTransient, "delete remote attachment", t.ID, userID, messageID)
			}
		}

		if _, err := r.Store.DeleteOne(ctx, t.Namespace, store.CollectionAttachments, attachmentFilter(userID, messageID, id)); err != nil {
			return nil, withContext(storeErr("delete attachment", err), KindStoreWrite, "", t.ID, userID, messageID)
		}
	}

	if len(delta.Added) > 0 || len(delta.Removed) > 0 || len(delta.Renamed) > 0 {
		log.WithFields(logrus.Fields{
			"added":   delta.Added,
			"removed": delta.Removed,
			"renamed": delta.Renamed,
		}).Debug("Attachments reconciled")
	}

	return delta, nil
}

// normalizeAttachments sorts by (id, name) and keeps the first descriptor of
// each id. The result is never nil.
func normalizeAttachments(in []Attachment) []Attachment {
	sorted := append([]Attachment(nil), in...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ID != sorted[j].ID {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].Name < sorted[j].Name
	})

	out := make([]Attachment, 0, len(sorted))
	for _, a := range sorted {
		if a.ID == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].ID == a.ID {
			continue
		}
		out = append(out, a)
	}
	return out
}

func sameAttachments(a, b []Attachment) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

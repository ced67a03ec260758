package sync

import (
	"context"
	"time"

	"github.com/andyy0123/inbox-connector/internal/store"
)

// CursorStore persists per-user delta cursors in the users collection.
type CursorStore struct {
	Store Store
	Now   func() time.Time
}

func (c *CursorStore) now() time.Time {
	if c.Now == nil {
		return time.Now().UTC()
	}
	return c.Now()
}

func (c *CursorStore) find(ctx context.Context, namespace, userID string) (*UserRecord, error) {
	var recs []UserRecord
	if err := c.Store.ReadMany(ctx, namespace, store.CollectionUsers, store.Filter{"user_id": userID}, &recs); err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

// Load returns the stored cursor of a user, or "" when the user has never
// been synced.
func (c *CursorStore) Load(ctx context.Context, namespace, userID string) (string, error) {
	rec, err := c.find(ctx, namespace, userID)
	if err != nil || rec == nil {
		return "", err
	}
	return rec.DeltaLink, nil
}

// EnsureUser records a discovered user, keeping its cursor. The display
// name follows the provider.
func (c *CursorStore) EnsureUser(ctx context.Context, namespace string, user User) error {
	rec, err := c.find(ctx, namespace, user.ID)
	if err != nil {
		return err
	}

	if rec == nil {
		return c.Store.CreateOne(ctx, namespace, store.CollectionUsers, UserRecord{
			UserID:      user.ID,
			DisplayName: user.DisplayName,
			UpdatedAt:   c.now(),
		})
	}

	if rec.DisplayName == user.DisplayName {
		return nil
	}

	rec.DisplayName = user.DisplayName
	rec.UpdatedAt = c.now()
	_, err = c.Store.UpdateOne(ctx, namespace, store.CollectionUsers, store.Filter{"user_id": user.ID}, rec)
	return err
}

// Save stores the cursor of a user, creating the user if needed.
func (c *CursorStore) Save(ctx context.Context, namespace, userID, cursor string) error {
	rec, err := c.find(ctx, namespace, userID)
	if err != nil {
		return err
	}

	if rec == nil {
		return c.Store.CreateOne(ctx, namespace, store.CollectionUsers, UserRecord{
			UserID:    userID,
			DeltaLink: cursor,
			UpdatedAt: c.now(),
		})
	}

	rec.DeltaLink = cursor
	rec.UpdatedAt = c.now()
	_, err = c.Store.UpdateOne(ctx, namespace, store.CollectionUsers, store.Filter{"user_id": userID}, rec)
	return err
}

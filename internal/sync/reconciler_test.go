package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcileIsIdempotent(t *testing.T) {
	f := newFixture(t, "t1")
	ctx := context.Background()
	r := f.engine.Reconciler()

	msg := Message{ID: "m1", Subject: "Hi", Attachments: []Attachment{{ID: "a1", Name: "doc.pdf"}}}

	outcome, err := r.Reconcile(ctx, f.tenant("t1"), "u1", msg)
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, outcome)

	outcome, err = r.Reconcile(ctx, f.tenant("t1"), "u1", msg)
	require.NoError(t, err)
	require.Equal(t, OutcomeNoop, outcome)

	rec, err := FindMail(ctx, f.store, "tenant_t1", "u1", "m1")
	require.NoError(t, err)
	require.Len(t, rec.ChangeHistory, 1)
	require.Equal(t, ChangeCreated, rec.ChangeHistory[0].ChangeType)
	require.NotEmpty(t, rec.ChangeHistory[0].ID)

	atts, err := ListAttachments(ctx, f.store, "tenant_t1", "u1", "m1")
	require.NoError(t, err)
	require.Equal(t, []AttachmentRecord{{UserID: "u1", MessageID: "m1", AttachmentID: "a1", Name: "doc.pdf"}}, atts)

	require.Len(t, f.publisher.events, 1)
	require.Equal(t, ChangeCreated, f.publisher.events[0].ChangeType)
	require.Equal(t, 1, f.publisher.events[0].Revision)
}

func TestReconcileRecordsSubjectDiff(t *testing.T) {
	f := newFixture(t, "t1")
	ctx := context.Background()
	r := f.engine.Reconciler()

	atts := []Attachment{{ID: "1", Name: "one"}, {ID: "2", Name: "two"}}

	_, err := r.Reconcile(ctx, f.tenant("t1"), "u1", Message{ID: "m1", Subject: "A", Attachments: atts})
	require.NoError(t, err)

	// Order and duplicates in the fetched list do not matter.
	outcome, err := r.Reconcile(ctx, f.tenant("t1"), "u1", Message{ID: "m1", Subject: "B", Attachments: []Attachment{atts[1], atts[0], atts[1]}})
	require.NoError(t, err)
	require.Equal(t, OutcomeUpdated, outcome)

	rec, err := FindMail(ctx, f.store, "tenant_t1", "u1", "m1")
	require.NoError(t, err)
	require.Equal(t, "B", rec.Subject)
	require.Equal(t, ChangeUpdated, rec.ChangeType)
	require.Len(t, rec.ChangeHistory, 2)

	diff := rec.ChangeHistory[1].Diff
	require.Len(t, diff, 1)
	require.Equal(t, FieldDiff{Old: "A", New: "B"}, diff["subject"])
}

func TestReconcileAttachmentChange(t *testing.T) {
	f := newFixture(t, "t1")
	ctx := context.Background()
	r := f.engine.Reconciler()

	_, err := r.Reconcile(ctx, f.tenant("t1"), "u1", Message{ID: "m1", Subject: "S", Attachments: []Attachment{{ID: "a1", Name: "x"}}})
	require.NoError(t, err)

	outcome, err := r.Reconcile(ctx, f.tenant("t1"), "u1", Message{ID: "m1", Subject: "S"})
	require.NoError(t, err)
	require.Equal(t, OutcomeUpdated, outcome)

	rec, err := FindMail(ctx, f.store, "tenant_t1", "u1", "m1")
	require.NoError(t, err)
	require.Empty(t, rec.Attachments)
	require.Contains(t, rec.ChangeHistory[1].Diff, "attachments")
	require.NotContains(t, rec.ChangeHistory[1].Diff, "subject")

	atts, err := ListAttachments(ctx, f.store, "tenant_t1", "u1", "m1")
	require.NoError(t, err)
	require.Empty(t, atts)
}

func TestReconcileRawMessage(t *testing.T) {
	f := newFixture(t, "t1")
	ctx := context.Background()
	r := f.engine.Reconciler()
	msg := Message{ID: "m1", Subject: "S"}

	f.provider.raw["m1"] = []byte("From: a@b\r\n\r\nfirst")

	_, err := r.Reconcile(ctx, f.tenant("t1"), "u1", msg)
	require.NoError(t, err)

	rec, err := FindMail(ctx, f.store, "tenant_t1", "u1", "m1")
	require.NoError(t, err)
	require.NotEmpty(t, rec.EMLFileID)

	body, err := f.store.GetBlob(ctx, "tenant_t1", rec.EMLFileID)
	require.NoError(t, err)
	require.Equal(t, f.provider.raw["m1"], body)

	// Same body: nothing to do.
	outcome, err := r.Reconcile(ctx, f.tenant("t1"), "u1", msg)
	require.NoError(t, err)
	require.Equal(t, OutcomeNoop, outcome)

	// New body alone is an update without a field diff.
	f.provider.raw["m1"] = []byte("From: a@b\r\n\r\nsecond")

	outcome, err = r.Reconcile(ctx, f.tenant("t1"), "u1", msg)
	require.NoError(t, err)
	require.Equal(t, OutcomeUpdated, outcome)

	rec, err = FindMail(ctx, f.store, "tenant_t1", "u1", "m1")
	require.NoError(t, err)
	require.Len(t, rec.ChangeHistory, 2)
	require.Empty(t, rec.ChangeHistory[1].Diff)

	// A failed fetch keeps the previous body reference.
	f.provider.rawErr["m1"] = NewError(KindTransient, "fetch raw message", errors.New("timeout"))

	outcome, err = r.Reconcile(ctx, f.tenant("t1"), "u1", Message{ID: "m1", Subject: "S2"})
	require.NoError(t, err)
	require.Equal(t, OutcomeUpdated, outcome)

	updated, err := FindMail(ctx, f.store, "tenant_t1", "u1", "m1")
	require.NoError(t, err)
	require.Equal(t, rec.EMLFileID, updated.EMLFileID)
	require.Equal(t, rec.EMLSHA256, updated.EMLSHA256)
}

func TestReconcileRejectsEmptyID(t *testing.T) {
	f := newFixture(t, "t1")

	_, err := f.engine.Reconciler().Reconcile(context.Background(), f.tenant("t1"), "u1", Message{Subject: "no id"})
	require.Error(t, err)
}

func TestMarkDeletedIsIrreversible(t *testing.T) {
	f := newFixture(t, "t1")
	ctx := context.Background()
	r := f.engine.Reconciler()

	f.provider.raw["m1"] = []byte("body")

	_, err := r.Reconcile(ctx, f.tenant("t1"), "u1", Message{ID: "m1", Subject: "Hi", Attachments: []Attachment{{ID: "a1"}, {ID: "a2"}}})
	require.NoError(t, err)

	created, err := FindMail(ctx, f.store, "tenant_t1", "u1", "m1")
	require.NoError(t, err)

	outcome, err := r.MarkDeleted(ctx, f.tenant("t1"), "u1", "m1", DeleteOptions{})
	require.NoError(t, err)
	require.Equal(t, OutcomeDeleted, outcome)

	outcome, err = r.MarkDeleted(ctx, f.tenant("t1"), "u1", "m1", DeleteOptions{})
	require.NoError(t, err)
	require.Equal(t, OutcomeNoop, outcome)

	rec, err := FindMail(ctx, f.store, "tenant_t1", "u1", "m1")
	require.NoError(t, err)
	require.True(t, rec.IsDeleted)
	require.Equal(t, ChangeDeleted, rec.ChangeType)
	require.Len(t, rec.ChangeHistory, 2)
	require.Empty(t, rec.EMLFileID)

	atts, err := ListAttachments(ctx, f.store, "tenant_t1", "u1", "m1")
	require.NoError(t, err)
	require.Empty(t, atts)

	_, err = f.store.GetBlob(ctx, "tenant_t1", created.EMLFileID)
	require.Error(t, err)

	live, err := ListMails(ctx, f.store, "tenant_t1", "u1", false)
	require.NoError(t, err)
	require.Empty(t, live)

	all, err := ListMails(ctx, f.store, "tenant_t1", "u1", true)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestMarkDeletedUnknownMessage(t *testing.T) {
	f := newFixture(t, "t1")

	outcome, err := f.engine.Reconciler().MarkDeleted(context.Background(), f.tenant("t1"), "u1", "missing", DeleteOptions{Remote: true})
	require.NoError(t, err)
	require.Equal(t, OutcomeNoop, outcome)
	require.Equal(t, []string{"missing"}, f.provider.deletedMessages)
}

func TestReappearingMessageIsRestored(t *testing.T) {
	f := newFixture(t, "t1")
	ctx := context.Background()
	r := f.engine.Reconciler()
	msg := Message{ID: "m1", Subject: "Hi"}

	_, err := r.Reconcile(ctx, f.tenant("t1"), "u1", msg)
	require.NoError(t, err)
	_, err = r.MarkDeleted(ctx, f.tenant("t1"), "u1", "m1", DeleteOptions{})
	require.NoError(t, err)

	outcome, err := r.Reconcile(ctx, f.tenant("t1"), "u1", msg)
	require.NoError(t, err)
	require.Equal(t, OutcomeUpdated, outcome)

	rec, err := FindMail(ctx, f.store, "tenant_t1", "u1", "m1")
	require.NoError(t, err)
	assert.False(t, rec.IsDeleted)
	assert.Len(t, rec.ChangeHistory, 3)
	assert.Contains(t, rec.ChangeHistory[2].Diff, "is_deleted")
}

func TestAttachmentSetConvergence(t *testing.T) {
	f := newFixture(t, "t1")
	ctx := context.Background()
	r := f.engine.Reconciler()

	a := []Attachment{{ID: "a1", Name: "one"}, {ID: "a2", Name: "two"}}
	b := []Attachment{{ID: "a3", Name: "three"}, {ID: "a2", Name: "two"}, {ID: "a3", Name: "dup"}}

	delta, err := r.ReconcileAttachments(ctx, f.tenant("t1"), "u1", "m1", a, AttachmentOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"a1", "a2"}, delta.Added)
	require.Empty(t, delta.Removed)

	delta, err = r.ReconcileAttachments(ctx, f.tenant("t1"), "u1", "m1", b, AttachmentOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"a3"}, delta.Added)
	require.Equal(t, []string{"a1"}, delta.Removed)

	stored, err := ListAttachments(ctx, f.store, "tenant_t1", "u1", "m1")
	require.NoError(t, err)

	ids := make([]string, 0, len(stored))
	for _, s := range stored {
		ids = append(ids, s.AttachmentID)
	}
	require.ElementsMatch(t, []string{"a2", "a3"}, ids)

	delta, err = r.ReconcileAttachments(ctx, f.tenant("t1"), "u1", "m1", b, AttachmentOptions{})
	require.NoError(t, err)
	require.Empty(t, delta.Added)
	require.Empty(t, delta.Removed)

	require.Empty(t, f.provider.deletedAttachments)
}

func TestAttachmentRemoteDelete(t *testing.T) {
	f := newFixture(t, "t1")
	ctx := context.Background()
	r := f.engine.Reconciler()

	_, err := r.ReconcileAttachments(ctx, f.tenant("t1"), "u1", "m1", []Attachment{{ID: "a1"}, {ID: "a2"}}, AttachmentOptions{})
	require.NoError(t, err)

	delta, err := r.ReconcileAttachments(ctx, f.tenant("t1"), "u1", "m1", nil, AttachmentOptions{DeleteRemote: true})
	require.NoError(t, err)
	require.Equal(t, []string{"a1", "a2"}, delta.Removed)
	require.Equal(t, []string{"m1/a1", "m1/a2"}, f.provider.deletedAttachments)
}

func TestStoreWriteFailure(t *testing.T) {
	f := newFixture(t, "t1")
	f.store.setFail("m1")

	_, err := f.engine.Reconciler().Reconcile(context.Background(), f.tenant("t1"), "u1", Message{ID: "m1"})
	require.Error(t, err)
	require.True(t, IsStoreWrite(err))

	var e *Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, "t1", e.TenantID)
	require.Equal(t, "u1", e.UserID)
	require.Equal(t, "m1", e.MessageID)
}

func TestAttachmentRenameUpdatesRecord(t *testing.T) {
	f := newFixture(t, "t1")
	ctx := context.Background()
	r := f.engine.Reconciler()

	_, err := r.Reconcile(ctx, f.tenant("t1"), "u1", Message{ID: "m1", Attachments: []Attachment{{ID: "a1", Name: "old.txt"}}})
	require.NoError(t, err)

	outcome, err := r.Reconcile(ctx, f.tenant("t1"), "u1", Message{ID: "m1", Attachments: []Attachment{{ID: "a1", Name: "new.txt"}}})
	require.NoError(t, err)
	require.Equal(t, OutcomeUpdated, outcome)

	rec, err := FindMail(ctx, f.store, "tenant_t1", "u1", "m1")
	require.NoError(t, err)
	require.Equal(t, []Attachment{{ID: "a1", Name: "new.txt"}}, rec.Attachments)

	atts, err := ListAttachments(ctx, f.store, "tenant_t1", "u1", "m1")
	require.NoError(t, err)
	require.Equal(t, []AttachmentRecord{{UserID: "u1", MessageID: "m1", AttachmentID: "a1", Name: "new.txt"}}, atts)

	delta, err := r.ReconcileAttachments(ctx, f.tenant("t1"), "u1", "m1", []Attachment{{ID: "a1", Name: "final.txt"}}, AttachmentOptions{})
	require.NoError(t, err)
	require.Empty(t, delta.Added)
	require.Empty(t, delta.Removed)
	require.Equal(t, []string{"a1"}, delta.Renamed)
}

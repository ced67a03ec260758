package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSyncTenantEndToEnd(t *testing.T) {
	f := newFixture(t, "T")
	ctx := context.Background()

	f.provider.users["T"] = []User{{ID: "U", DisplayName: "User U"}}
	f.provider.setChanges("U", "", &ChangeSet{
		Changed:    []Message{{ID: "M", Subject: "Hi", Attachments: []Attachment{{ID: "a1", Name: "a.txt"}}}},
		NextCursor: "tok1",
	})
	f.provider.setChanges("U", "tok1", &ChangeSet{
		Removed:    []string{"M"},
		NextCursor: "tok2",
	})

	report, err := f.engine.SyncTenant(ctx, "T")
	require.NoError(t, err)
	require.Equal(t, "tenant_T", report.Namespace)
	require.Len(t, report.Users, 1)
	require.True(t, report.Users[0].CursorAdvanced)
	require.Equal(t, []ItemReport{{MessageID: "M", Status: ItemChanged, Outcome: OutcomeCreated}}, report.Users[0].Items)

	rec, err := FindMail(ctx, f.store, "tenant_T", "U", "M")
	require.NoError(t, err)
	require.Equal(t, "Hi", rec.Subject)
	require.Equal(t, ChangeCreated, rec.ChangeType)

	atts, err := ListAttachments(ctx, f.store, "tenant_T", "U", "M")
	require.NoError(t, err)
	require.Len(t, atts, 1)

	cursor, err := f.engine.cursors.Load(ctx, "tenant_T", "U")
	require.NoError(t, err)
	require.Equal(t, "tok1", cursor)

	report, err = f.engine.SyncTenant(ctx, "T")
	require.NoError(t, err)
	require.Equal(t, map[ItemStatus]int{ItemDeleted: 1}, report.Counts())

	rec, err = FindMail(ctx, f.store, "tenant_T", "U", "M")
	require.NoError(t, err)
	require.True(t, rec.IsDeleted)
	require.Len(t, rec.ChangeHistory, 2)

	atts, err = ListAttachments(ctx, f.store, "tenant_T", "U", "M")
	require.NoError(t, err)
	require.Empty(t, atts)

	cursor, err = f.engine.cursors.Load(ctx, "tenant_T", "U")
	require.NoError(t, err)
	require.Equal(t, "tok2", cursor)

	users, err := ListUsers(ctx, f.store, "tenant_T")
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, "User U", users[0].DisplayName)

	require.Len(t, f.publisher.events, 2)
	require.Equal(t, ChangeDeleted, f.publisher.events[1].ChangeType)
	require.Equal(t, 2, f.publisher.events[1].Revision)
}

func TestCursorNotAdvancedOnItemFailure(t *testing.T) {
	f := newFixture(t, "T")
	ctx := context.Background()

	f.provider.users["T"] = []User{{ID: "U"}}
	f.provider.setChanges("U", "", &ChangeSet{
		Changed:    []Message{{ID: "m1"}, {ID: "m2"}, {ID: "m3"}},
		NextCursor: "tok1",
	})
	f.store.setFail("m2")

	report, err := f.engine.SyncTenant(ctx, "T")
	require.NoError(t, err)
	require.Equal(t, []string{"U"}, report.FailedUsers())
	require.False(t, report.Users[0].CursorAdvanced)
	require.Equal(t, ItemError, report.Users[0].Items[1].Status)
	require.Equal(t, ItemChanged, report.Users[0].Items[2].Status)

	cursor, err := f.engine.cursors.Load(ctx, "tenant_T", "U")
	require.NoError(t, err)
	require.Empty(t, cursor)

	f.store.setFail("")

	report, err = f.engine.SyncTenant(ctx, "T")
	require.NoError(t, err)
	require.Empty(t, report.FailedUsers())
	require.Equal(t, map[ItemStatus]int{ItemChanged: 1, ItemUnchanged: 2}, report.Counts())

	require.Equal(t, []string{"", ""}, f.provider.cursors["U"])

	cursor, err = f.engine.cursors.Load(ctx, "tenant_T", "U")
	require.NoError(t, err)
	require.Equal(t, "tok1", cursor)
}

func TestUserFailureIsIsolated(t *testing.T) {
	f := newFixture(t, "T")
	ctx := context.Background()

	f.provider.users["T"] = []User{{ID: "bad"}, {ID: "good"}}
	f.provider.fetchErr["bad"] = NewError(KindTransient, "fetch changes", errors.New("503"))
	f.provider.setChanges("good", "", &ChangeSet{Changed: []Message{{ID: "m1"}}, NextCursor: "tok1"})

	report, err := f.engine.SyncTenant(ctx, "T")
	require.NoError(t, err)
	require.Equal(t, []string{"bad"}, report.FailedUsers())
	require.True(t, IsTransient(report.Users[0].Err))

	cursor, err := f.engine.cursors.Load(ctx, "tenant_T", "bad")
	require.NoError(t, err)
	require.Empty(t, cursor)

	cursor, err = f.engine.cursors.Load(ctx, "tenant_T", "good")
	require.NoError(t, err)
	require.Equal(t, "tok1", cursor)
}

func TestUserTimeout(t *testing.T) {
	f := newFixture(t, "T")
	f.engine.opts.UserTimeout = time.Nanosecond

	f.provider.users["T"] = []User{{ID: "U"}}

	report, err := f.engine.SyncTenant(context.Background(), "T")
	require.NoError(t, err)
	require.Equal(t, []string{"U"}, report.FailedUsers())
}

func TestSyncTenantNotInitialized(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.SyncTenant(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrTenantNotInitialized)
	require.Zero(t, f.provider.listCalls)
}

func TestSyncTenantInProgress(t *testing.T) {
	f := newFixture(t, "T")

	require.True(t, f.engine.acquire("T"))
	require.True(t, f.engine.IsRunning("T"))

	_, err := f.engine.SyncTenant(context.Background(), "T")
	require.ErrorIs(t, err, ErrSyncInProgress)

	f.engine.release("T")
	require.False(t, f.engine.IsRunning("T"))

	_, err = f.engine.SyncTenant(context.Background(), "T")
	require.NoError(t, err)
}

func TestAuthenticationBreaker(t *testing.T) {
	f := newFixture(t, "T")
	f.provider.listErr["T"] = NewError(KindAuthentication, "list users", errors.New("invalid_client"))

	for i := 0; i < 3; i++ {
		_, err := f.engine.SyncTenant(context.Background(), "T")
		require.True(t, IsAuthentication(err))
	}

	_, err := f.engine.SyncTenant(context.Background(), "T")
	require.ErrorIs(t, err, ErrBreakerOpen)
	require.Equal(t, 3, f.provider.listCalls)
}

func TestAuthenticationFailureEndsTenantRun(t *testing.T) {
	f := newFixture(t, "T")
	ctx := context.Background()

	f.provider.users["T"] = []User{{ID: "u1"}, {ID: "u2"}, {ID: "u3"}}
	for _, id := range []string{"u1", "u2", "u3"} {
		f.provider.fetchErr[id] = NewError(KindAuthentication, "fetch changes", errors.New("invalid_grant"))
	}

	fetches := func() int {
		f.provider.mu.Lock()
		defer f.provider.mu.Unlock()

		n := 0
		for _, calls := range f.provider.cursors {
			n += len(calls)
		}
		return n
	}

	for i := 0; i < 3; i++ {
		report, err := f.engine.SyncTenant(ctx, "T")
		require.Nil(t, report)
		require.True(t, IsAuthentication(err), "run %d: %v", i, err)

		var e *Error
		require.True(t, errors.As(err, &e))
		require.Equal(t, "T", e.TenantID)
	}

	before := fetches()

	_, err := f.engine.SyncTenant(ctx, "T")
	require.ErrorIs(t, err, ErrBreakerOpen)
	require.Equal(t, before, fetches())
	require.Equal(t, 3, f.provider.listCalls)
}

func TestWithTenantExcludesSync(t *testing.T) {
	f := newFixture(t, "T")
	ctx := context.Background()

	err := f.engine.WithTenant("T", func() error {
		require.True(t, f.engine.IsRunning("T"))

		_, err := f.engine.SyncTenant(ctx, "T")
		require.ErrorIs(t, err, ErrSyncInProgress)

		require.ErrorIs(t, f.engine.WithTenant("T", func() error { return nil }), ErrSyncInProgress)
		return nil
	})
	require.NoError(t, err)
	require.False(t, f.engine.IsRunning("T"))

	boom := errors.New("boom")
	require.ErrorIs(t, f.engine.WithTenant("T", func() error { return boom }), boom)
	require.False(t, f.engine.IsRunning("T"))

	_, err = f.engine.SyncTenant(ctx, "T")
	require.NoError(t, err)
}

func TestTransientErrorsDoNotTripBreaker(t *testing.T) {
	f := newFixture(t, "T")
	f.provider.listErr["T"] = NewError(KindTransient, "list users", errors.New("429"))

	for i := 0; i < 5; i++ {
		_, err := f.engine.SyncTenant(context.Background(), "T")
		require.True(t, IsTransient(err))
	}
	require.Equal(t, 5, f.provider.listCalls)
}

func TestDriverSyncAll(t *testing.T) {
	f := newFixture(t, "A", "B", "C")
	require.NoError(t, f.store.CreateNamespace(context.Background(), "scratch"))

	f.provider.users["A"] = []User{{ID: "ua"}}
	f.provider.users["C"] = []User{{ID: "uc"}}
	f.provider.listErr["B"] = NewError(KindTransient, "list users", errors.New("boom"))
	f.provider.setChanges("ua", "", &ChangeSet{Changed: []Message{{ID: "m1"}}, NextCursor: "a1"})
	f.provider.setChanges("uc", "", &ChangeSet{Changed: []Message{{ID: "m1"}}, NextCursor: "c1"})

	reports := NewDriver(f.engine).SyncAll(context.Background())
	require.Len(t, reports, 2)
	require.Equal(t, "A", reports[0].TenantID)
	require.Equal(t, "C", reports[1].TenantID)

	for ns, user := range map[string]string{"tenant_A": "ua", "tenant_C": "uc"} {
		rec, err := FindMail(context.Background(), f.store, ns, user, "m1")
		require.NoError(t, err)
		require.NotNil(t, rec)
	}
}

func TestDriverRun(t *testing.T) {
	f := newFixture(t, "A")
	f.provider.users["A"] = []User{{ID: "ua"}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		NewDriver(f.engine).Run(ctx, 10*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		f.provider.mu.Lock()
		defer f.provider.mu.Unlock()
		return f.provider.listCalls >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

package outlook

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/andyy0123/inbox-connector/internal/sync"
)

func strPtr(s string) *string { return &s }

func TestIsRemoved(t *testing.T) {
	live := models.NewMessage()
	live.SetId(strPtr("m1"))
	require.False(t, isRemoved(live))

	gone := models.NewMessage()
	gone.SetId(strPtr("m2"))
	gone.SetAdditionalData(map[string]any{"@removed": map[string]any{"reason": "deleted"}})
	require.True(t, isRemoved(gone))
}

func TestNormalize(t *testing.T) {
	m := models.NewMessage()
	m.SetId(strPtr("m1"))
	m.SetSubject(strPtr("Quarterly report"))
	require.Equal(t, sync.Message{ID: "m1", Subject: "Quarterly report"}, normalizeMessage(m))

	a1 := models.NewFileAttachment()
	a1.SetId(strPtr("a1"))
	a1.SetName(strPtr("report.pdf"))

	noID := models.NewFileAttachment()
	noID.SetName(strPtr("orphan"))

	require.Equal(t, []sync.Attachment{{ID: "a1", Name: "report.pdf"}}, normalizeAttachments([]models.Attachmentable{a1, noID}))
}

func TestClassify(t *testing.T) {
	graphErr := func(status int) error {
		e := odataerrors.NewODataError()
		e.ResponseStatusCode = status
		return fmt.Errorf("request failed: %w", e)
	}

	tests := []struct {
		name string
		err  error
		want sync.Kind
	}{
		{"unauthorized", graphErr(401), sync.KindAuthentication},
		{"forbidden", graphErr(403), sync.KindAuthentication},
		{"not found", graphErr(404), sync.KindNotFound},
		{"throttled", graphErr(429), sync.KindTransient},
		{"unavailable", graphErr(503), sync.KindTransient},
		{"token", &oauth2.RetrieveError{ErrorCode: "invalid_client"}, sync.KindAuthentication},
		{"deadline", context.DeadlineExceeded, sync.KindTransient},
		{"network", errors.New("connection reset"), sync.KindTransient},
		{"already classified", sync.NewError(sync.KindNotFound, "x", errors.New("gone")), sync.KindNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, sync.KindOf(classify("op", tt.err)))
		})
	}

	require.NoError(t, classify("op", nil))
}

func TestMissingCredentials(t *testing.T) {
	a := New(Options{})

	_, err := a.ListUsers(context.Background(), sync.Tenant{ID: "contoso"})
	require.True(t, sync.IsAuthentication(err))
}

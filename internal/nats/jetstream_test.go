package natsjs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andyy0123/inbox-connector/internal/sync"
)

func TestSubjectAndMsgID(t *testing.T) {
	ev := sync.ChangeEvent{
		Namespace:  "tenant_0a1b",
		UserID:     "u1",
		MessageID:  "AAMk=",
		ChangeType: sync.ChangeUpdated,
		Revision:   3,
	}

	require.Equal(t, "mail.tenant_0a1b.updated", Subject(ev))
	require.Equal(t, "tenant_0a1b|u1|AAMk=|3", MsgID(ev))

	ev.Revision = 4
	require.NotEqual(t, "tenant_0a1b|u1|AAMk=|3", MsgID(ev))
}

func TestNewPublisherUnreachable(t *testing.T) {
	_, err := NewPublisher("nats://127.0.0.1:1", nil)
	require.Error(t, err)
}

package sync

import (
	"context"
	"time"

	"github.com/andyy0123/inbox-connector/internal/store"
)

// ProviderName identifies the mailbox provider serving a tenant.
type ProviderName string

const (
	ProviderMicrosoft ProviderName = "MICROSOFT"
	ProviderGoogle    ProviderName = "GOOGLE"
)

// Credentials are the decrypted provider credentials of a tenant.
// For Microsoft these are the app registration's client id and secret; for
// Google the client id is the admin subject and the secret is the service
// account key JSON.
type Credentials struct {
	Provider     ProviderName
	ClientID     string
	ClientSecret string
}

// Tenant is a resolved tenant: its id, storage namespace and credentials.
type Tenant struct {
	ID          string
	Namespace   string
	Credentials Credentials
}

// User is a mailbox owner as listed by the provider.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Attachment describes one attachment of a message.
type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Message is a changed message as reported by the provider.
type Message struct {
	ID          string
	Subject     string
	Attachments []Attachment
}

// ChangeSet is one batch of changes following a delta cursor.
type ChangeSet struct {
	Changed    []Message
	Removed    []string
	NextCursor string
}

// Provider is the mailbox provider capability.
//
// Implementations report failures as *Error with KindAuthentication,
// KindTransient or KindNotFound.
type Provider interface {
	ListUsers(ctx context.Context, tenant Tenant) ([]User, error)

	// FetchChanges returns the changes after cursor. An empty cursor requests
	// a full fetch.
	FetchChanges(ctx context.Context, tenant Tenant, userID, cursor string) (*ChangeSet, error)

	// FetchRawMessage returns the RFC 822 body of a message, or nil if the
	// provider has none.
	FetchRawMessage(ctx context.Context, tenant Tenant, userID, messageID string) ([]byte, error)

	DeleteRemoteMessage(ctx context.Context, tenant Tenant, userID, messageID string) error
	DeleteRemoteAttachment(ctx context.Context, tenant Tenant, userID, messageID, attachmentID string) error
}

// Store is the namespace-scoped document and blob capability.
type Store interface {
	CreateOne(ctx context.Context, namespace string, coll store.Collection, doc any) error
	CreateMany(ctx context.Context, namespace string, coll store.Collection, docs []any) error
	ReadMany(ctx context.Context, namespace string, coll store.Collection, filter store.Filter, out any) error
	UpdateOne(ctx context.Context, namespace string, coll store.Collection, filter store.Filter, doc any) (bool, error)
	DeleteOne(ctx context.Context, namespace string, coll store.Collection, filter store.Filter) (bool, error)

	SaveOrUpdateBlob(ctx context.Context, namespace, key string, data []byte) (string, error)
	GetBlob(ctx context.Context, namespace, id string) ([]byte, error)
	DeleteBlob(ctx context.Context, namespace, id string) error

	ListNamespaces(ctx context.Context) ([]string, error)
	NamespaceExists(ctx context.Context, namespace string) (bool, error)
}

// CredentialResolver is the credential capability.
type CredentialResolver interface {
	ResolveCredentials(ctx context.Context, tenantID string) (*Credentials, error)
	DeriveNamespace(tenantID string) string
	// DecodeNamespace maps a namespace back to the tenant id it was derived from.
	DecodeNamespace(ctx context.Context, namespace string) (string, error)
}

// ChangeEvent announces a MailRecord mutation.
type ChangeEvent struct {
	Namespace  string               `json:"namespace"`
	UserID     string               `json:"user_id"`
	MessageID  string               `json:"message_id"`
	ChangeType ChangeType           `json:"change_type"`
	Diff       map[string]FieldDiff `json:"diff,omitempty"`
	Revision   int                  `json:"revision"`
	SyncedAt   time.Time            `json:"synced_at"`
}

// EventPublisher receives change events. Publishing is best effort.
type EventPublisher interface {
	PublishChange(ctx context.Context, event ChangeEvent) error
}

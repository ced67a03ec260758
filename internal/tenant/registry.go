// Package tenant manages tenant namespaces and their encrypted provider
// credentials.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/andyy0123/inbox-connector/internal/crypto"
	"github.com/andyy0123/inbox-connector/internal/store"
	"github.com/andyy0123/inbox-connector/internal/sync"
)

const infoID = "singleton"

var (
	ErrAlreadyInitialized = errors.New("tenant already initialized")
	ErrNotFound           = errors.New("tenant not found")
	ErrNoUsers            = errors.New("no users found for tenant")
	ErrInvalidRequest     = errors.New("invalid tenant request")
)

// Store is the store capability plus namespace lifecycle.
type Store interface {
	sync.Store
	CreateNamespace(ctx context.Context, namespace string) error
	DropNamespace(ctx context.Context, namespace string) error
}

type forgetter interface {
	Forget(tenantID string)
}

// Info is the singleton document describing a tenant inside its namespace.
type Info struct {
	ID        string            `json:"_id"`
	TenantID  string            `json:"tenant_id"`
	Provider  sync.ProviderName `json:"provider"`
	AppID     string            `json:"app_id"`
	AppSecret string            `json:"app_secret"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Request carries tenant credentials for Init and UpdateCredentials.
type Request struct {
	TenantID     string            `json:"tenant_id"`
	Provider     sync.ProviderName `json:"provider"`
	ClientID     string            `json:"client_id"`
	ClientSecret string            `json:"client_secret"`
}

// InitResult describes a newly initialized tenant.
type InitResult struct {
	Namespace string      `json:"namespace"`
	Users     []sync.User `json:"users"`
}

// Registry implements sync.CredentialResolver and the tenant lifecycle.
type Registry struct {
	store    Store
	keys     *crypto.Keyring
	provider sync.Provider
	log      *logrus.Entry
	now      func() time.Time
}

func NewRegistry(st Store, keys *crypto.Keyring, provider sync.Provider, log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.WithField("pkg", "tenant")
	}

	return &Registry{
		store:    st,
		keys:     keys,
		provider: provider,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// DeriveNamespace maps a tenant id to its namespace.
func (r *Registry) DeriveNamespace(tenantID string) string {
	return r.keys.Namespace(tenantID)
}

// Exists reports whether the tenant has been initialized.
func (r *Registry) Exists(ctx context.Context, tenantID string) (bool, error) {
	return r.store.NamespaceExists(ctx, r.DeriveNamespace(tenantID))
}

// Init validates the credentials against the provider, then creates the
// tenant namespace with its info document and discovered users.
func (r *Registry) Init(ctx context.Context, req Request) (*InitResult, error) {
	if err := validate(req, true); err != nil {
		return nil, err
	}

	ns := r.DeriveNamespace(req.TenantID)
	log := r.log.WithField("tenant", req.TenantID)

	exists, err := r.store.NamespaceExists(ctx, ns)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrAlreadyInitialized
	}

	users, err := r.validateCredentials(ctx, ns, req)
	if err != nil {
		return nil, err
	}

	now := r.now()
	info := Info{
		ID:        infoID,
		Provider:  req.Provider,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.seal(&info, ns, req); err != nil {
		return nil, err
	}

	if err := r.store.CreateNamespace(ctx, ns); err != nil {
		if errors.Is(err, store.ErrNamespaceExists) {
			return nil, ErrAlreadyInitialized
		}
		return nil, fmt.Errorf("failed to create namespace: %w", err)
	}

	docs := make([]any, 0, len(users))
	for _, u := range users {
		docs = append(docs, sync.UserRecord{UserID: u.ID, DisplayName: u.DisplayName, UpdatedAt: now})
	}

	if err := r.populate(ctx, ns, info, docs); err != nil {
		if derr := r.store.DropNamespace(ctx, ns); derr != nil {
			log.WithError(derr).Error("Failed to roll back namespace")
		}
		return nil, err
	}

	log.WithField("users", len(users)).Info("Tenant initialized")

	return &InitResult{Namespace: ns, Users: users}, nil
}

func (r *Registry) populate(ctx context.Context, ns string, info Info, users []any) error {
	if err := r.store.CreateOne(ctx, ns, store.CollectionInfo, info); err != nil {
		return fmt.Errorf("failed to save tenant info: %w", err)
	}
	if err := r.store.CreateMany(ctx, ns, store.CollectionUsers, users); err != nil {
		return fmt.Errorf("failed to save users: %w", err)
	}
	return nil
}

// UpdateCredentials validates and stores new credentials for an existing
// tenant. An empty provider keeps the stored one.
func (r *Registry) UpdateCredentials(ctx context.Context, req Request) error {
	if err := validate(req, false); err != nil {
		return err
	}

	ns := r.DeriveNamespace(req.TenantID)

	info, err := r.info(ctx, ns)
	if err != nil {
		return err
	}

	if req.Provider == "" {
		req.Provider = info.Provider
	}

	if _, err := r.validateCredentials(ctx, ns, req); err != nil {
		return err
	}

	info.Provider = req.Provider
	info.UpdatedAt = r.now()
	if err := r.seal(info, ns, req); err != nil {
		return err
	}

	if _, err := r.store.UpdateOne(ctx, ns, store.CollectionInfo, store.Filter{"_id": infoID}, info); err != nil {
		return fmt.Errorf("failed to update tenant info: %w", err)
	}

	r.forget(req.TenantID)
	r.log.WithField("tenant", req.TenantID).Info("Tenant credentials updated")

	return nil
}

// Delete removes the tenant namespace and everything in it.
func (r *Registry) Delete(ctx context.Context, tenantID string) error {
	ns := r.DeriveNamespace(tenantID)

	if err := r.store.DropNamespace(ctx, ns); err != nil {
		if errors.Is(err, store.ErrNamespaceNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to drop namespace: %w", err)
	}

	r.forget(tenantID)
	r.log.WithField("tenant", tenantID).Info("Tenant deleted")

	return nil
}

// ResolveCredentials returns the decrypted credentials of a tenant.
func (r *Registry) ResolveCredentials(ctx context.Context, tenantID string) (*sync.Credentials, error) {
	ns := r.DeriveNamespace(tenantID)

	info, err := r.info(ctx, ns)
	if err != nil {
		return nil, err
	}

	c, err := r.keys.TenantCipher(tenantID)
	if err != nil {
		return nil, err
	}

	appID, err := c.Decrypt(info.AppID, ns)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt app id: %w", err)
	}
	secret, err := c.Decrypt(info.AppSecret, ns)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt app secret: %w", err)
	}

	return &sync.Credentials{Provider: info.Provider, ClientID: appID, ClientSecret: secret}, nil
}

// DecodeNamespace recovers the tenant id stored in a namespace and checks
// that it derives back to the same namespace.
func (r *Registry) DecodeNamespace(ctx context.Context, namespace string) (string, error) {
	if !crypto.IsNamespace(namespace) {
		return "", fmt.Errorf("%q is not a tenant namespace", namespace)
	}

	info, err := r.info(ctx, namespace)
	if err != nil {
		return "", err
	}

	c, err := r.keys.RegistryCipher()
	if err != nil {
		return "", err
	}

	tenantID, err := c.Decrypt(info.TenantID, namespace)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt tenant id: %w", err)
	}

	if r.DeriveNamespace(tenantID) != namespace {
		return "", fmt.Errorf("namespace %s does not match its tenant id", namespace)
	}

	return tenantID, nil
}

func (r *Registry) info(ctx context.Context, ns string) (*Info, error) {
	var infos []Info
	if err := r.store.ReadMany(ctx, ns, store.CollectionInfo, store.Filter{"_id": infoID}, &infos); err != nil {
		if errors.Is(err, store.ErrNamespaceNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(infos) == 0 {
		return nil, ErrNotFound
	}
	return &infos[0], nil
}

func (r *Registry) seal(info *Info, ns string, req Request) error {
	registry, err := r.keys.RegistryCipher()
	if err != nil {
		return err
	}
	tenant, err := r.keys.TenantCipher(req.TenantID)
	if err != nil {
		return err
	}

	if info.TenantID, err = registry.Encrypt(req.TenantID, ns); err != nil {
		return err
	}
	if info.AppID, err = tenant.Encrypt(req.ClientID, ns); err != nil {
		return err
	}
	if info.AppSecret, err = tenant.Encrypt(req.ClientSecret, ns); err != nil {
		return err
	}
	return nil
}

// validateCredentials lists users with the given credentials.
func (r *Registry) validateCredentials(ctx context.Context, ns string, req Request) ([]sync.User, error) {
	users, err := r.provider.ListUsers(ctx, sync.Tenant{
		ID:        req.TenantID,
		Namespace: ns,
		Credentials: sync.Credentials{
			Provider:     req.Provider,
			ClientID:     req.ClientID,
			ClientSecret: req.ClientSecret,
		},
	})
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, ErrNoUsers
	}
	return users, nil
}

func (r *Registry) forget(tenantID string) {
	if f, ok := r.provider.(forgetter); ok {
		f.Forget(tenantID)
	}
}

func validate(req Request, requireProvider bool) error {
	switch {
	case req.TenantID == "":
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidRequest)
	case req.ClientID == "" || req.ClientSecret == "":
		return fmt.Errorf("%w: client_id and client_secret are required", ErrInvalidRequest)
	}

	switch req.Provider {
	case sync.ProviderMicrosoft, sync.ProviderGoogle:
	case "":
		if requireProvider {
			return fmt.Errorf("%w: provider is required", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidRequest, req.Provider)
	}

	return nil
}

// Package providers routes provider calls to the adapter serving a tenant.
package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/andyy0123/inbox-connector/internal/providers/gmail"
	"github.com/andyy0123/inbox-connector/internal/providers/outlook"
	"github.com/andyy0123/inbox-connector/internal/sync"
)

// Options are shared by every adapter.
type Options struct {
	ClientTTL   time.Duration
	RateLimit   rate.Limit
	RateBurst   int
	CallTimeout time.Duration
	// GraphURL overrides the Microsoft Graph endpoint.
	GraphURL string
	Logger   *logrus.Entry
}

type forgetter interface {
	Forget(tenantID string)
}

// Router implements sync.Provider by dispatching on the tenant's provider.
type Router struct {
	adapters map[sync.ProviderName]sync.Provider
}

// New builds a router over the Microsoft Graph and Gmail adapters.
func New(opts Options) *Router {
	log := opts.Logger
	if log == nil {
		log = logrus.WithField("pkg", "providers")
	}

	return NewRouter(map[sync.ProviderName]sync.Provider{
		sync.ProviderMicrosoft: outlook.New(outlook.Options{
			ClientTTL:   opts.ClientTTL,
			RateLimit:   opts.RateLimit,
			RateBurst:   opts.RateBurst,
			CallTimeout: opts.CallTimeout,
			BaseURL:     opts.GraphURL,
			Logger:      log.WithField("provider", sync.ProviderMicrosoft),
		}),
		sync.ProviderGoogle: gmail.New(gmail.Options{
			ClientTTL:   opts.ClientTTL,
			RateLimit:   opts.RateLimit,
			RateBurst:   opts.RateBurst,
			CallTimeout: opts.CallTimeout,
			Logger:      log.WithField("provider", sync.ProviderGoogle),
		}),
	})
}

func NewRouter(adapters map[sync.ProviderName]sync.Provider) *Router {
	return &Router{adapters: adapters}
}

func (r *Router) adapter(t sync.Tenant) (sync.Provider, error) {
	p, ok := r.adapters[t.Credentials.Provider]
	if !ok {
		return nil, fmt.Errorf("unsupported provider %q for tenant %s", t.Credentials.Provider, t.ID)
	}
	return p, nil
}

// Forget drops cached clients of a tenant in every adapter.
func (r *Router) Forget(tenantID string) {
	for _, p := range r.adapters {
		if f, ok := p.(forgetter); ok {
			f.Forget(tenantID)
		}
	}
}

func (r *Router) ListUsers(ctx context.Context, t sync.Tenant) ([]sync.User, error) {
	p, err := r.adapter(t)
	if err != nil {
		return nil, err
	}
	return p.ListUsers(ctx, t)
}

func (r *Router) FetchChanges(ctx context.Context, t sync.Tenant, userID, cursor string) (*sync.ChangeSet, error) {
	p, err := r.adapter(t)
	if err != nil {
		return nil, err
	}
	return p.FetchChanges(ctx, t, userID, cursor)
}

func (r *Router) FetchRawMessage(ctx context.Context, t sync.Tenant, userID, messageID string) ([]byte, error) {
	p, err := r.adapter(t)
	if err != nil {
		return nil, err
	}
	return p.FetchRawMessage(ctx, t, userID, messageID)
}

func (r *Router) DeleteRemoteMessage(ctx context.Context, t sync.Tenant, userID, messageID string) error {
	p, err := r.adapter(t)
	if err != nil {
		return err
	}
	return p.DeleteRemoteMessage(ctx, t, userID, messageID)
}

func (r *Router) DeleteRemoteAttachment(ctx context.Context, t sync.Tenant, userID, messageID, attachmentID string) error {
	p, err := r.adapter(t)
	if err != nil {
		return err
	}
	return p.DeleteRemoteAttachment(ctx, t, userID, messageID, attachmentID)
}

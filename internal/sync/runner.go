package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/bradenaw/juniper/parallel"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Options tunes an Engine. Zero values fall back to defaults.
type Options struct {
	// Workers bounds how many users of one tenant sync concurrently.
	Workers int
	// UserTimeout bounds one user's fetch and reconcile unit of work.
	UserTimeout time.Duration
	// BreakerThreshold is the number of consecutive authentication failures
	// after which a tenant's runs are suspended for BreakerCooldown.
	BreakerThreshold uint32
	BreakerCooldown  time.Duration

	Publisher EventPublisher
	Logger    *logrus.Entry
	Now       func() time.Time
}

func (o *Options) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.UserTimeout <= 0 {
		o.UserTimeout = 2 * time.Minute
	}
	if o.BreakerThreshold == 0 {
		o.BreakerThreshold = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 30 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = logrus.WithField("pkg", "sync")
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
}

// Engine runs tenant syncs. At most one run per tenant is active at a time.
type Engine struct {
	store       Store
	provider    Provider
	credentials CredentialResolver
	reconciler  *Reconciler
	cursors     *CursorStore
	opts        Options
	log         *logrus.Entry

	mu       stdsync.Mutex
	running  map[string]struct{}
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewEngine(st Store, provider Provider, credentials CredentialResolver, opts Options) *Engine {
	opts.setDefaults()

	return &Engine{
		store:       st,
		provider:    provider,
		credentials: credentials,
		reconciler: &Reconciler{
			Store:     st,
			Provider:  provider,
			Publisher: opts.Publisher,
			Log:       opts.Logger,
			Now:       opts.Now,
		},
		cursors:  &CursorStore{Store: st, Now: opts.Now},
		opts:     opts,
		log:      opts.Logger,
		running:  make(map[string]struct{}),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Reconciler exposes the reconciliation entry points for on-demand callers.
func (e *Engine) Reconciler() *Reconciler {
	return e.reconciler
}

// IsRunning reports whether a run for the tenant is in progress.
func (e *Engine) IsRunning(tenantID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.running[tenantID]
	return ok
}

func (e *Engine) acquire(tenantID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.running[tenantID]; ok {
		return false
	}
	e.running[tenantID] = struct{}{}
	return true
}

func (e *Engine) release(tenantID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.running, tenantID)
}

func (e *Engine) breaker(tenantID string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cb, ok := e.breakers[tenantID]; ok {
		return cb
	}

	threshold := e.opts.BreakerThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        tenantID,
		MaxRequests: 1,
		Timeout:     e.opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsAuthentication(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.log.WithField("tenant", name).Warnf("Authentication breaker %s -> %s", from, to)
		},
	})

	e.breakers[tenantID] = cb
	return cb
}

// WithTenant runs fn while holding the tenant's run lock, so on-demand
// mutations never interleave with a sync of the same tenant.
func (e *Engine) WithTenant(tenantID string, fn func() error) error {
	if !e.acquire(tenantID) {
		return ErrSyncInProgress
	}
	defer e.release(tenantID)

	return fn()
}

// ResolveTenant resolves the namespace and credentials of an initialized
// tenant.
func (e *Engine) ResolveTenant(ctx context.Context, tenantID string) (Tenant, error) {
	ns := e.credentials.DeriveNamespace(tenantID)

	exists, err := e.store.NamespaceExists(ctx, ns)
	if err != nil {
		return Tenant{}, withContext(err, KindUnknown, "check namespace", tenantID, "", "")
	}
	if !exists {
		return Tenant{}, fmt.Errorf("%w: %s", ErrTenantNotInitialized, tenantID)
	}

	creds, err := e.credentials.ResolveCredentials(ctx, tenantID)
	if err != nil {
		return Tenant{}, withContext(err, KindUnknown, "resolve credentials", tenantID, "", "")
	}

	return Tenant{ID: tenantID, Namespace: ns, Credentials: *creds}, nil
}

// SyncTenant syncs every user of one tenant. Tenant-level failures
// (credentials, user listing, any authentication error) abort the run;
// other user-level failures are recorded in the report and leave that
// user's cursor untouched.
func (e *Engine) SyncTenant(ctx context.Context, tenantID string) (*SyncReport, error) {
	if !e.acquire(tenantID) {
		return nil, ErrSyncInProgress
	}
	defer e.release(tenantID)

	res, err := e.breaker(tenantID).Execute(func() (interface{}, error) {
		return e.syncTenant(ctx, tenantID)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", ErrBreakerOpen, tenantID)
	}
	if err != nil {
		return nil, err
	}

	return res.(*SyncReport), nil
}

func (e *Engine) syncTenant(ctx context.Context, tenantID string) (*SyncReport, error) {
	report := &SyncReport{
		RunID:     uuid.NewString(),
		TenantID:  tenantID,
		StartedAt: e.opts.Now(),
	}

	log := e.log.WithFields(logrus.Fields{
		"tenant": tenantID,
		"run_id": report.RunID,
	})

	t, err := e.ResolveTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	report.Namespace = t.Namespace

	users, err := e.provider.ListUsers(ctx, t)
	if err != nil {
		return nil, withContext(err, KindTransient, "list users", tenantID, "", "")
	}

	log.WithField("users", len(users)).Info("Tenant sync started")

	report.Users = make([]UserReport, len(users))

	// An authentication failure ends the run: the remaining users would fail
	// the same way.
	if err := parallel.DoContext(ctx, e.opts.Workers, len(users), func(ctx context.Context, i int) error {
		report.Users[i] = e.syncUser(ctx, t, users[i])
		return report.Users[i].authFailure()
	}); err != nil {
		log.WithError(err).Error("Tenant sync aborted")
		return nil, withContext(err, KindUnknown, "sync users", tenantID, "", "")
	}

	report.FinishedAt = e.opts.Now()

	counts := report.Counts()
	log.WithFields(logrus.Fields{
		"changed":      counts[ItemChanged],
		"deleted":      counts[ItemDeleted],
		"errors":       counts[ItemError],
		"failed_users": len(report.FailedUsers()),
	}).Info("Tenant sync finished")

	return report, nil
}

// syncUser runs the read cursor, fetch, reconcile, write cursor unit for one
// user. The cursor only advances when every item succeeded.
func (e *Engine) syncUser(ctx context.Context, t Tenant, user User) UserReport {
	ctx, cancel := context.WithTimeout(ctx, e.opts.UserTimeout)
	defer cancel()

	report := UserReport{UserID: user.ID}

	log := e.log.WithFields(logrus.Fields{
		"tenant":  t.ID,
		"user_id": user.ID,
	})

	if err := e.cursors.EnsureUser(ctx, t.Namespace, user); err != nil {
		report.fail(withContext(storeErr("save user", err), KindStoreWrite, "", t.ID, user.ID, ""))
		log.WithError(report.Err).Error("User sync failed")
		return report
	}

	cursor, err := e.cursors.Load(ctx, t.Namespace, user.ID)
	if err != nil {
		report.fail(withContext(err, KindUnknown, "load cursor", t.ID, user.ID, ""))
		log.WithError(report.Err).Error("User sync failed")
		return report
	}

	changes, err := e.provider.FetchChanges(ctx, t, user.ID, cursor)
	if err != nil {
		report.fail(withContext(err, KindTransient, "fetch changes", t.ID, user.ID, ""))
		log.WithError(report.Err).Error("User sync failed")
		return report
	}

	for _, id := range changes.Removed {
		outcome, err := e.reconciler.MarkDeleted(ctx, t, user.ID, id, DeleteOptions{})
		report.Items = append(report.Items, itemReport(id, outcome, err))
	}

	for _, msg := range changes.Changed {
		outcome, err := e.reconciler.Reconcile(ctx, t, user.ID, msg)
		report.Items = append(report.Items, itemReport(msg.ID, outcome, err))
	}

	if report.Failed() {
		for _, it := range report.Items {
			if it.Status == ItemError {
				log.WithField("message_id", it.MessageID).WithError(it.Err).Error("Message sync failed")
			}
		}
		log.Warn("Cursor not advanced")
		return report
	}

	if changes.NextCursor != "" && changes.NextCursor != cursor {
		if err := e.cursors.Save(ctx, t.Namespace, user.ID, changes.NextCursor); err != nil {
			report.fail(withContext(storeErr("save cursor", err), KindStoreWrite, "", t.ID, user.ID, ""))
			log.WithError(report.Err).Error("User sync failed")
			return report
		}
		report.CursorAdvanced = true
	}

	log.WithField("items", len(report.Items)).Debug("User synced")

	return report
}

func itemReport(messageID string, outcome Outcome, err error) ItemReport {
	it := ItemReport{MessageID: messageID, Outcome: outcome}

	switch {
	case err != nil && IsNotFound(err):
		it.Status = ItemSkipped
	case err != nil:
		it.Status = ItemError
		it.Err = err
		it.Error = err.Error()
	case outcome == OutcomeCreated || outcome == OutcomeUpdated:
		it.Status = ItemChanged
	case outcome == OutcomeDeleted:
		it.Status = ItemDeleted
	default:
		it.Status = ItemUnchanged
	}

	return it
}

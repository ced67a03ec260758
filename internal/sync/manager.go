package sync

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Driver syncs every known tenant.
type Driver struct {
	engine *Engine
	log    *logrus.Entry
}

func NewDriver(engine *Engine) *Driver {
	return &Driver{
		engine: engine,
		log:    engine.log.WithField("component", "driver"),
	}
}

// SyncAll runs one sync for each tenant namespace in the store. A failing
// tenant is logged and never blocks the others. Reports of completed runs
// are returned.
func (d *Driver) SyncAll(ctx context.Context) []*SyncReport {
	namespaces, err := d.engine.store.ListNamespaces(ctx)
	if err != nil {
		d.log.WithError(err).Error("Failed to list tenant namespaces")
		return nil
	}

	var reports []*SyncReport

	for _, ns := range namespaces {
		if ctx.Err() != nil {
			break
		}

		log := d.log.WithField("namespace", ns)

		tenantID, err := d.engine.credentials.DecodeNamespace(ctx, ns)
		if err != nil {
			log.WithError(err).Error("Failed to decode namespace")
			continue
		}

		report, err := d.engine.SyncTenant(ctx, tenantID)
		switch {
		case errors.Is(err, ErrSyncInProgress):
			log.WithField("tenant", tenantID).Info("Tenant sync already running, skipped")
		case errors.Is(err, ErrBreakerOpen):
			log.WithField("tenant", tenantID).Warn("Tenant sync suspended")
		case err != nil:
			log.WithField("tenant", tenantID).WithField("kind", KindOf(err)).WithError(err).Error("Tenant sync failed")
		default:
			reports = append(reports, report)
		}
	}

	return reports
}

// Run calls SyncAll immediately and then every interval until ctx is done.
func (d *Driver) Run(ctx context.Context, interval time.Duration) {
	d.log.WithField("interval", interval).Info("Sync driver started")
	defer d.log.Info("Sync driver stopped")

	d.SyncAll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.SyncAll(ctx)
		}
	}
}

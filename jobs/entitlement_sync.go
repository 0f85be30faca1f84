// Package jobs runs background entitlement re-syncs through a river queue.
package jobs

import (
	"context"
	"errors"

	"github.com/riverqueue/river"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/activitykit/core"
	"github.com/open-rails/activitykit/storage"
)

// EntitlementSyncArgs identifies one user whose entitlements should be
// re-fetched from the provider and reconciled.
type EntitlementSyncArgs struct {
	UserID int64 `json:"user_id"`
}

func (EntitlementSyncArgs) Kind() string { return "entitlement_sync" }

func (EntitlementSyncArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		UniqueOpts: river.UniqueOpts{ByArgs: true},
	}
}

// EntitlementSyncWorker reconciles a single user's entitlements.
type EntitlementSyncWorker struct {
	river.WorkerDefaults[EntitlementSyncArgs]

	svc *core.Service
	log *logrus.Logger
}

func (w *EntitlementSyncWorker) Work(ctx context.Context, job *river.Job[EntitlementSyncArgs]) error {
	err := w.svc.SyncEntitlements(ctx, job.Args.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		// User gone since the job was enqueued; nothing to do.
		w.log.WithField("user_id", job.Args.UserID).Debug("entitlement sync skipped: user not found")
		return nil
	}
	return err
}

package jobs

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/activitykit/storage"
)

// Users whose stored refresh token expires within this window get their
// entitlements re-synced while the token is still usable.
const expiryWindow = 24 * time.Hour

// Scheduler periodically scans for users with soon-expiring tokens and
// enqueues one entitlement sync job per user.
type Scheduler struct {
	cron   *cron.Cron
	store  storage.Backend
	client *river.Client[pgx.Tx]
	batch  int
	log    *logrus.Logger
}

// NewScheduler wires the sweep onto a cron schedule. Call Start to begin
// and Stop to drain.
func NewScheduler(store storage.Backend, client *river.Client[pgx.Tx], schedule string, batch int, log *logrus.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:   cron.New(),
		store:  store,
		client: client,
		batch:  batch,
		log:    log,
	}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	before := time.Now().Add(expiryWindow)
	ids, err := s.store.ListUsersWithExpiringTokens(ctx, before, s.batch)
	if err != nil {
		s.log.WithError(err).Error("entitlement sweep: list users failed")
		return
	}
	if len(ids) == 0 {
		return
	}

	params := make([]river.InsertManyParams, 0, len(ids))
	for _, id := range ids {
		params = append(params, river.InsertManyParams{Args: EntitlementSyncArgs{UserID: id}})
	}
	if _, err := s.client.InsertMany(ctx, params); err != nil {
		s.log.WithError(err).Error("entitlement sweep: enqueue failed")
		return
	}
	s.log.WithField("count", len(ids)).Info("entitlement sweep enqueued")
}

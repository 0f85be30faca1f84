package jobs

import (
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/activitykit/core"
)

const defaultMaxWorkers = 10

// NewClient builds a river client with the entitlement sync worker
// registered. The caller owns Start/Stop.
func NewClient(pool *pgxpool.Pool, svc *core.Service, log *logrus.Logger) (*river.Client[pgx.Tx], error) {
	workers := river.NewWorkers()
	river.AddWorker(workers, &EntitlementSyncWorker{svc: svc, log: log})

	return river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: defaultMaxWorkers},
		},
		Workers: workers,
	})
}

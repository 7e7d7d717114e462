package syncer

//go:generate mockgen -destination=mock_syncer_test.go -package=syncer github.com/alexjbarnes/ledger-sync/internal/syncer PushAPI,PullAPI,Pusher,Puller,Syncer,CredentialSource

import (
	"context"
	"log/slog"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/api"
	"github.com/alexjbarnes/ledger-sync/internal/models"
	"github.com/alexjbarnes/ledger-sync/internal/queue"
)

const (
	// DefaultBatchSize is the number of mutations sent per push request.
	DefaultBatchSize = 50

	// DefaultPushTimeout bounds each push request.
	DefaultPushTimeout = 30 * time.Second
)

// PushAPI uploads a batch of operations.
type PushAPI interface {
	Push(ctx context.Context, token string, ops []api.PushOperation) (*api.PushResponse, error)
}

// MutationQueue is the subset of the queue the sync cycle uses.
type MutationQueue interface {
	DrainEligible(maxRetries int) ([]models.MutationRecord, error)
	Ack(id string) error
	FailWithRetry(id, errMsg string) error
	Count() int
	HasPending(entityType, entityID string) bool
	Clear() error
}

// UploaderConfig tunes batching and retry accounting.
type UploaderConfig struct {
	BatchSize  int
	MaxRetries int
	Timeout    time.Duration
}

// Uploader drains the mutation queue to the server in batches.
type Uploader struct {
	api     PushAPI
	queue   MutationQueue
	tracker *Tracker
	logger  *slog.Logger
	cfg     UploaderConfig
}

// NewUploader creates an uploader. Zero config fields take defaults.
func NewUploader(pushAPI PushAPI, q MutationQueue, tracker *Tracker, cfg UploaderConfig, logger *slog.Logger) *Uploader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = queue.DefaultMaxRetries
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPushTimeout
	}

	return &Uploader{
		api:     pushAPI,
		queue:   q,
		tracker: tracker,
		logger:  logger.With(slog.String("component", "uploader")),
		cfg:     cfg,
	}
}

// Push uploads every eligible mutation and reports whether all batches
// succeeded. A failed batch has its retry counts bumped and does not stop
// later batches. An empty queue is a success.
func (u *Uploader) Push(ctx context.Context, token string) bool {
	u.tracker.Update(func(s *models.SyncState) { s.Status = models.StatusPushing })
	defer u.refreshPending()

	pending, err := u.queue.DrainEligible(u.cfg.MaxRetries)
	if err != nil {
		u.logger.Error("reading queue", slog.String("error", err.Error()))
		return false
	}

	if len(pending) == 0 {
		return true
	}

	ok := true
	batches := 0

	for start := 0; start < len(pending); start += u.cfg.BatchSize {
		end := min(start+u.cfg.BatchSize, len(pending))
		batches++

		if !u.pushBatch(ctx, token, pending[start:end]) {
			ok = false
		}
	}

	u.logger.Info("push complete",
		slog.Int("mutations", len(pending)),
		slog.Int("batches", batches),
		slog.Bool("ok", ok),
	)

	return ok
}

func (u *Uploader) pushBatch(ctx context.Context, token string, batch []models.MutationRecord) bool {
	ops := make([]api.PushOperation, len(batch))
	for i, rec := range batch {
		ops[i] = api.OperationFromRecord(rec)
	}

	bctx, cancel := context.WithTimeout(ctx, u.cfg.Timeout)
	defer cancel()

	resp, err := u.api.Push(bctx, token, ops)
	if err != nil {
		u.logger.Warn("push batch failed",
			slog.Int("size", len(batch)),
			slog.Bool("transient", api.IsTransient(err)),
			slog.String("error", err.Error()),
		)

		for _, rec := range batch {
			if ferr := u.queue.FailWithRetry(rec.ID, err.Error()); ferr != nil {
				u.logger.Error("recording push failure",
					slog.String("id", rec.ID),
					slog.String("error", ferr.Error()),
				)
			}
		}

		return false
	}

	if resp.Failed > 0 {
		u.logger.Warn("server reported failed operations in accepted batch",
			slog.Int("processed", resp.Processed),
			slog.Int("failed", resp.Failed),
		)
	}

	for _, rec := range batch {
		if err := u.queue.Ack(rec.ID); err != nil {
			u.logger.Error("acknowledging mutation",
				slog.String("id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return true
}

func (u *Uploader) refreshPending() {
	n := u.queue.Count()
	u.tracker.Update(func(s *models.SyncState) { s.PendingCount = n })
}

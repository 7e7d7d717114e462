package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/ledger-sync/internal/errors"
	"github.com/alexjbarnes/ledger-sync/internal/models"
)

// Pusher uploads queued mutations.
type Pusher interface {
	Push(ctx context.Context, token string) bool
}

// Puller fetches and applies server deltas.
type Puller interface {
	Pull(ctx context.Context, token string) bool
}

// ResetState is the persisted sync state cleared by Reset.
type ResetState interface {
	ClearCursor() error
	ClearFailedDeltas() error
}

// Coordinator runs one sync cycle at a time: push, then pull.
type Coordinator struct {
	pusher  Pusher
	puller  Puller
	queue   MutationQueue
	state   ResetState
	tracker *Tracker
	logger  *slog.Logger
	now     func() time.Time

	mu sync.Mutex
}

// NewCoordinator creates a coordinator.
func NewCoordinator(pusher Pusher, puller Puller, q MutationQueue, st ResetState, tracker *Tracker, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		pusher:  pusher,
		puller:  puller,
		queue:   q,
		state:   st,
		tracker: tracker,
		logger:  logger.With(slog.String("component", "coordinator")),
		now:     time.Now,
	}
}

// Sync runs a full cycle. The pull runs even when the push failed. The
// cycle succeeds only when both halves succeed. A call made while
// another cycle is running returns ErrSyncInProgress without touching
// state.
func (c *Coordinator) Sync(ctx context.Context, token string) (bool, error) {
	if !c.mu.TryLock() {
		return false, apperrors.ErrSyncInProgress
	}
	defer c.mu.Unlock()

	start := c.now()

	c.tracker.Update(func(s *models.SyncState) {
		s.Status = models.StatusPushing
		s.ErrorMessage = ""
	})

	pushOK := c.pusher.Push(ctx, token)

	c.tracker.Update(func(s *models.SyncState) { s.Status = models.StatusPulling })

	pullOK := c.puller.Pull(ctx, token)

	success := pushOK && pullOK
	pending := c.queue.Count()

	c.tracker.Update(func(s *models.SyncState) {
		s.PendingCount = pending

		if success {
			now := c.now().UTC()
			s.Status = models.StatusSuccess
			s.LastSyncTime = &now
			s.ErrorMessage = ""

			return
		}

		s.Status = models.StatusError
		s.ErrorMessage = failureMessage(pushOK, pullOK)
	})

	c.logger.Info("sync cycle finished",
		slog.Bool("push_ok", pushOK),
		slog.Bool("pull_ok", pullOK),
		slog.Int("pending", pending),
		slog.Duration("elapsed", c.now().Sub(start)),
	)

	return success, nil
}

// Reset discards queued mutations, the cursor and dead letters, and
// returns the state to IDLE. It waits for a running cycle to finish.
func (c *Coordinator) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.queue.Clear(); err != nil {
		return fmt.Errorf("clearing queue: %w", err)
	}

	if err := c.state.ClearCursor(); err != nil {
		return fmt.Errorf("clearing cursor: %w", err)
	}

	if err := c.state.ClearFailedDeltas(); err != nil {
		return fmt.Errorf("clearing dead letters: %w", err)
	}

	c.tracker.Update(func(s *models.SyncState) {
		*s = models.SyncState{Status: models.StatusIdle}
	})

	c.logger.Info("sync state reset")

	return nil
}

func failureMessage(pushOK, pullOK bool) string {
	switch {
	case !pushOK && !pullOK:
		return "push and pull failed"
	case !pushOK:
		return "push failed"
	default:
		return "pull failed"
	}
}

package syncer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	apperrors "github.com/alexjbarnes/ledger-sync/internal/errors"
	"github.com/alexjbarnes/ledger-sync/internal/models"
)

// DefaultSyncInterval is the period between scheduled cycles.
const DefaultSyncInterval = 15 * time.Minute

// CredentialSource supplies access tokens.
type CredentialSource interface {
	GetValidCredential(ctx context.Context) (string, error)
}

// Syncer runs one sync cycle.
type Syncer interface {
	Sync(ctx context.Context, token string) (bool, error)
}

// Scheduler serializes sync cycles triggered by a timer, explicit
// requests and realtime signals. Requests made while a cycle runs
// collapse into a single follow-up cycle.
type Scheduler struct {
	syncer   Syncer
	creds    CredentialSource
	tracker  *Tracker
	logger   *slog.Logger
	interval time.Duration
	requests chan string
}

// NewScheduler creates a scheduler. A zero interval disables periodic
// cycles.
func NewScheduler(s Syncer, creds CredentialSource, tracker *Tracker, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		syncer:   s,
		creds:    creds,
		tracker:  tracker,
		logger:   logger.With(slog.String("component", "scheduler")),
		interval: interval,
		requests: make(chan string, 1),
	}
}

// Request asks for a cycle as soon as possible. It never blocks.
func (s *Scheduler) Request(reason string) {
	select {
	case s.requests <- reason:
		s.logger.Debug("sync requested", slog.String("reason", reason))
	default:
		s.logger.Debug("sync already requested", slog.String("reason", reason))
	}
}

// Run performs a cycle at start and then whenever the timer fires, a
// request arrives or signals delivers. It returns when ctx is done.
func (s *Scheduler) Run(ctx context.Context, signals <-chan struct{}) error {
	var tick <-chan time.Time

	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		tick = ticker.C
	}

	s.SyncNow(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			s.SyncNow(ctx, "periodic")
		case reason := <-s.requests:
			s.SyncNow(ctx, reason)
		case _, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}

			// One cycle covers every event already received.
			if !drain(signals) {
				signals = nil
			}

			s.SyncNow(ctx, "realtime")
		}
	}
}

// drain discards pending values without blocking. It reports false once
// the channel is closed.
func drain(ch <-chan struct{}) bool {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return false
			}
		default:
			return true
		}
	}
}

// SyncNow obtains a credential and runs one cycle, returning its result.
func (s *Scheduler) SyncNow(ctx context.Context, reason string) (bool, error) {
	token, err := s.creds.GetValidCredential(ctx)

	switch {
	case errors.Is(err, apperrors.ErrSessionInvalid):
		s.logger.Warn("sync skipped, session invalid", slog.String("reason", reason))
		s.tracker.Update(func(st *models.SyncState) {
			st.Status = models.StatusError
			st.ErrorMessage = apperrors.ErrSessionInvalid.Error()
		})

		return false, err
	case errors.Is(err, apperrors.ErrNoCredential):
		s.logger.Debug("sync skipped, not signed in", slog.String("reason", reason))
		return false, err
	case err != nil:
		s.logger.Warn("sync skipped, no credential",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)

		return false, err
	case token == "":
		s.logger.Debug("sync skipped, empty credential", slog.String("reason", reason))
		return false, apperrors.ErrNoCredential
	}

	s.logger.Debug("sync starting", slog.String("reason", reason))

	ok, err := s.syncer.Sync(ctx, token)
	if errors.Is(err, apperrors.ErrSyncInProgress) {
		s.logger.Debug("sync already running", slog.String("reason", reason))
	}

	return ok, err
}

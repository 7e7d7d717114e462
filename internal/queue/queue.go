// Package queue is the durable, ordered log of local mutations awaiting
// upload.
package queue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/alexjbarnes/ledger-sync/internal/errors"
	"github.com/alexjbarnes/ledger-sync/internal/models"
	"github.com/alexjbarnes/ledger-sync/internal/state"
	"github.com/oklog/ulid/v2"
)

// DefaultMaxRetries is the retry ceiling above which entries are skipped
// by drains until manually reset.
const DefaultMaxRetries = 5

// Queue records local mutations in creation order and tracks their
// upload attempts.
type Queue struct {
	st     *state.State
	logger *slog.Logger
	now    func() time.Time
}

// New returns a queue backed by st.
func New(st *state.State, logger *slog.Logger) *Queue {
	return &Queue{
		st:     st,
		logger: logger.With(slog.String("component", "queue")),
		now:    time.Now,
	}
}

// Enqueue records a mutation and returns its ID. It never fails the
// caller: persistence errors are logged and an empty ID is returned.
func (q *Queue) Enqueue(entityType, entityID string, action models.Action, payload json.RawMessage) string {
	rec := models.MutationRecord{
		ID:         ulid.Make().String(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Payload:    payload,
		CreatedAt:  q.now().UTC(),
	}

	if err := q.st.AppendMutation(rec); err != nil {
		q.logger.Error("failed to enqueue mutation",
			slog.String("entity_type", entityType),
			slog.String("entity_id", entityID),
			slog.String("action", string(action)),
			slog.String("error", err.Error()),
		)

		return ""
	}

	q.logger.Debug("mutation enqueued",
		slog.String("id", rec.ID),
		slog.String("entity_type", entityType),
		slog.String("entity_id", entityID),
		slog.String("action", string(action)),
	)

	return rec.ID
}

// DrainEligible returns, in creation order, every entry whose retry
// count is below maxRetries. Entries stay in the queue until acked.
func (q *Queue) DrainEligible(maxRetries int) ([]models.MutationRecord, error) {
	all, err := q.st.Mutations()
	if err != nil {
		return nil, fmt.Errorf("reading queue: %w", err)
	}

	eligible := make([]models.MutationRecord, 0, len(all))

	for _, rec := range all {
		if rec.RetryCount < maxRetries {
			eligible = append(eligible, rec)
		}
	}

	return eligible, nil
}

// List returns every entry, including those over the retry ceiling.
func (q *Queue) List() ([]models.MutationRecord, error) {
	return q.st.Mutations()
}

// Ack removes an uploaded entry.
func (q *Queue) Ack(id string) error {
	return q.st.DeleteMutation(id)
}

// FailWithRetry increments an entry's retry count and records the error.
func (q *Queue) FailWithRetry(id, errMsg string) error {
	found, err := q.st.UpdateMutation(id, func(rec *models.MutationRecord) {
		rec.RetryCount++
		rec.LastError = errMsg
	})
	if err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("%s: %w", id, apperrors.ErrMutationNotFound)
	}

	return nil
}

// Reset zeroes an entry's retry count so drains pick it up again.
func (q *Queue) Reset(id string) error {
	found, err := q.st.UpdateMutation(id, func(rec *models.MutationRecord) {
		rec.RetryCount = 0
		rec.LastError = ""
	})
	if err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("%s: %w", id, apperrors.ErrMutationNotFound)
	}

	return nil
}

// ResetAll zeroes the retry count of every entry at or above maxRetries
// and returns how many were reset.
func (q *Queue) ResetAll(maxRetries int) (int, error) {
	all, err := q.st.Mutations()
	if err != nil {
		return 0, err
	}

	n := 0

	for _, rec := range all {
		if rec.RetryCount < maxRetries {
			continue
		}

		if err := q.Reset(rec.ID); err != nil {
			return n, err
		}

		n++
	}

	return n, nil
}

// Count returns the number of entries, including those over the retry
// ceiling.
func (q *Queue) Count() int {
	return q.st.MutationCount()
}

// HasPending reports whether any queued entry targets the entity.
func (q *Queue) HasPending(entityType, entityID string) bool {
	all, err := q.st.Mutations()
	if err != nil {
		q.logger.Warn("reading queue for pending check", slog.String("error", err.Error()))
		return false
	}

	for _, rec := range all {
		if rec.EntityType == entityType && rec.EntityID == entityID {
			return true
		}
	}

	return false
}

// Clear removes every entry. Used on logout and reset.
func (q *Queue) Clear() error {
	return q.st.ClearMutations()
}

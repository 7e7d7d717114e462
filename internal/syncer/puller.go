package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/api"
	"github.com/alexjbarnes/ledger-sync/internal/models"
	"github.com/alexjbarnes/ledger-sync/internal/queue"
)

// DefaultPullTimeout bounds the pull request.
const DefaultPullTimeout = 60 * time.Second

// errMalformedDelta marks deltas that can never be applied. They are
// skipped rather than dead-lettered.
var errMalformedDelta = errors.New("malformed delta")

// PullAPI fetches deltas since a cursor.
type PullAPI interface {
	Pull(ctx context.Context, token, cursor string) (*api.PullResult, error)
}

// PullState persists the cursor and dead-lettered deltas.
type PullState interface {
	Cursor() string
	SetCursor(cursor string) error
	FailedDeltas() ([]models.FailedDelta, error)
	PutFailedDelta(fd models.FailedDelta) error
	DeleteFailedDelta(key string) error
}

// EntityStore is the local entity storage deltas are applied to.
type EntityStore interface {
	Get(entityType, id string) (json.RawMessage, error)
	Put(entityType, id string, data json.RawMessage) error
	Delete(entityType, id string) (existed bool, err error)
	RecordConflict(entityType, id string, action models.Action, local, remote json.RawMessage) error
}

// PendingChecker reports whether an entity has unsent local mutations.
type PendingChecker interface {
	HasPending(entityType, entityID string) bool
}

// PullerConfig tunes the puller.
type PullerConfig struct {
	MaxRetries int
	Timeout    time.Duration
}

// Puller fetches server deltas and applies them with server-wins
// semantics.
type Puller struct {
	api     PullAPI
	state   PullState
	store   EntityStore
	pending PendingChecker
	tracker *Tracker
	logger  *slog.Logger
	cfg     PullerConfig
	now     func() time.Time
}

// NewPuller creates a puller. Zero config fields take defaults.
func NewPuller(pullAPI PullAPI, st PullState, store EntityStore, pending PendingChecker, tracker *Tracker, cfg PullerConfig, logger *slog.Logger) *Puller {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = queue.DefaultMaxRetries
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPullTimeout
	}

	return &Puller{
		api:     pullAPI,
		state:   st,
		store:   store,
		pending: pending,
		tracker: tracker,
		logger:  logger.With(slog.String("component", "puller")),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Pull fetches and applies deltas since the stored cursor. It returns
// false only when the pull request itself fails. Deltas that fail to
// apply are logged and dead-lettered, and do not hold back the cursor.
func (p *Puller) Pull(ctx context.Context, token string) bool {
	p.tracker.Update(func(s *models.SyncState) { s.Status = models.StatusPulling })

	p.retryFailed()

	cursor := p.state.Cursor()

	pctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	res, err := p.api.Pull(pctx, token, cursor)
	if err != nil {
		p.logger.Warn("pull failed",
			slog.String("cursor", cursor),
			slog.Bool("transient", api.IsTransient(err)),
			slog.String("error", err.Error()),
		)

		return false
	}

	applied, failed := 0, 0

	for _, entityType := range applyOrder(res.Deltas) {
		for _, d := range res.Deltas[entityType] {
			if err := p.apply(d); err != nil {
				failed++

				p.logger.Warn("skipping delta",
					slog.String("entity_type", d.EntityType),
					slog.String("entity_id", d.ID),
					slog.String("action", string(d.Action)),
					slog.String("error", err.Error()),
				)

				if !errors.Is(err, errMalformedDelta) {
					p.deadLetter(models.FailedDelta{Delta: d, Attempts: 1}, err)
				}

				continue
			}

			applied++
		}
	}

	if res.ServerTimestamp == "" {
		p.logger.Warn("pull response had no server timestamp, cursor unchanged",
			slog.Int("applied", applied),
			slog.Int("failed", failed),
		)

		return true
	}

	if err := p.state.SetCursor(res.ServerTimestamp); err != nil {
		p.logger.Error("persisting cursor", slog.String("error", err.Error()))
		return false
	}

	p.logger.Info("pull complete",
		slog.Int("applied", applied),
		slog.Int("failed", failed),
		slog.String("cursor", res.ServerTimestamp),
	)

	return true
}

// apply writes one delta to the local store. Deletes of absent entities
// succeed. A successful apply supersedes any dead letter for the entity.
func (p *Puller) apply(d models.RemoteEntityDelta) error {
	if d.ID == "" {
		return fmt.Errorf("%w: missing id", errMalformedDelta)
	}

	if !d.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", errMalformedDelta, d.Action)
	}

	var remote json.RawMessage

	if d.Action != models.ActionDelete {
		if len(d.Data) == 0 {
			return fmt.Errorf("%w: %s without data", errMalformedDelta, d.Action)
		}

		remote = d.Data
	}

	if p.pending.HasPending(d.EntityType, d.ID) {
		p.recordConflict(d, remote)
	}

	if d.Action == models.ActionDelete {
		if _, err := p.store.Delete(d.EntityType, d.ID); err != nil {
			return err
		}
	} else if err := p.store.Put(d.EntityType, d.ID, remote); err != nil {
		return err
	}

	if err := p.state.DeleteFailedDelta(deltaKey(d)); err != nil {
		p.logger.Warn("clearing superseded dead letter", slog.String("error", err.Error()))
	}

	return nil
}

func (p *Puller) recordConflict(d models.RemoteEntityDelta, remote json.RawMessage) {
	local, err := p.store.Get(d.EntityType, d.ID)
	if err != nil {
		p.logger.Warn("reading local entity for conflict", slog.String("error", err.Error()))
	}

	if err := p.store.RecordConflict(d.EntityType, d.ID, d.Action, local, remote); err != nil {
		p.logger.Warn("recording conflict", slog.String("error", err.Error()))
	}
}

// retryFailed reapplies dead-lettered deltas before new ones so newer
// server state still wins. Entries that reached the retry ceiling are
// kept for inspection.
func (p *Puller) retryFailed() {
	failed, err := p.state.FailedDeltas()
	if err != nil {
		p.logger.Error("reading dead letters", slog.String("error", err.Error()))
		return
	}

	for _, fd := range failed {
		if fd.Attempts >= p.cfg.MaxRetries {
			continue
		}

		if err := p.apply(fd.Delta); err != nil {
			fd.Attempts++
			p.deadLetter(fd, err)

			continue
		}

		p.logger.Info("dead-lettered delta applied",
			slog.String("entity_type", fd.Delta.EntityType),
			slog.String("entity_id", fd.Delta.ID),
			slog.Int("attempts", fd.Attempts+1),
		)
	}
}

func (p *Puller) deadLetter(fd models.FailedDelta, cause error) {
	fd.Key = deltaKey(fd.Delta)
	fd.Error = cause.Error()
	fd.FailedAt = p.now().UTC()

	if err := p.state.PutFailedDelta(fd); err != nil {
		p.logger.Error("dead-lettering delta",
			slog.String("key", fd.Key),
			slog.String("error", err.Error()),
		)
	}
}

func deltaKey(d models.RemoteEntityDelta) string {
	return d.EntityType + "/" + d.ID
}

// applyOrder returns the entity types present in deltas: known types in
// dependency order, then any others in lexical order.
func applyOrder(deltas map[string][]models.RemoteEntityDelta) []string {
	order := make([]string, 0, len(deltas))

	for _, t := range models.EntityApplyOrder {
		if _, ok := deltas[t]; ok {
			order = append(order, t)
		}
	}

	var extra []string

	for t := range deltas {
		if !slices.Contains(models.EntityApplyOrder, t) {
			extra = append(extra, t)
		}
	}

	slices.Sort(extra)

	return append(order, extra...)
}

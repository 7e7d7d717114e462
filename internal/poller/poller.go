// Package poller periodically fetches a status listing from the remote
// service and reports records whose status changed since the previous
// poll. It covers changes the realtime stream may miss.
package poller

//go:generate mockgen -destination=mock_source_test.go -package=poller github.com/alexjbarnes/ledger-sync/internal/poller StatusSource

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/api"
)

const (
	// DefaultInterval is the time between polls.
	DefaultInterval = 2 * time.Minute

	// DefaultPath is the listing polled when none is configured.
	DefaultPath = "/payments"

	// pollTimeout bounds a single fetch.
	pollTimeout = 30 * time.Second
)

// StatusSource fetches id/status pairs from the remote service.
type StatusSource interface {
	FetchStatuses(ctx context.Context, token, path string) ([]api.StatusEntry, error)
}

// SnapshotStore persists the last observed statuses between runs.
type SnapshotStore interface {
	PollSnapshot() (map[string]string, bool, error)
	SetPollSnapshot(snapshot map[string]string) error
}

// ChangeKind classifies a Change.
type ChangeKind string

const (
	Added   ChangeKind = "added"
	Removed ChangeKind = "removed"
	Updated ChangeKind = "updated"
)

// Change is one difference between two snapshots.
type Change struct {
	Kind ChangeKind
	ID   string
	Old  string
	New  string
}

// Config controls a Poller.
type Config struct {
	Path     string
	Interval time.Duration
}

// Poller diffs successive status listings.
type Poller struct {
	source   StatusSource
	store    SnapshotStore
	tokens   func(ctx context.Context) (string, error)
	path     string
	interval time.Duration
	onChange func([]Change)
	logger   *slog.Logger
}

// New creates a Poller. onChange is called with every non-empty diff.
func New(source StatusSource, store SnapshotStore, tokens func(ctx context.Context) (string, error), cfg Config, onChange func([]Change), logger *slog.Logger) *Poller {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}

	return &Poller{
		source:   source,
		store:    store,
		tokens:   tokens,
		path:     cfg.Path,
		interval: cfg.Interval,
		onChange: onChange,
		logger:   logger,
	}
}

// Run polls once immediately and then every interval until ctx is
// cancelled. A non-positive interval disables polling.
func (p *Poller) Run(ctx context.Context) error {
	if p.interval <= 0 {
		p.logger.Info("poller disabled")
		<-ctx.Done()

		return nil
	}

	p.tick(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	changes, err := p.Poll(ctx)
	if err != nil {
		p.logger.Warn("poll failed", slog.String("path", p.path), slog.String("error", err.Error()))
		return
	}

	if len(changes) == 0 {
		return
	}

	p.logger.Info("poll detected changes", slog.String("path", p.path), slog.Int("changes", len(changes)))

	if p.onChange != nil {
		p.onChange(changes)
	}
}

// Poll fetches the listing, stores it as the new snapshot and returns
// the differences from the previous one. The first successful poll only
// seeds the snapshot.
func (p *Poller) Poll(ctx context.Context) ([]Change, error) {
	token, err := p.tokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting credential: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	entries, err := p.source.FetchStatuses(pctx, token, p.path)
	if err != nil {
		return nil, err
	}

	current := make(map[string]string, len(entries))
	for _, e := range entries {
		current[e.ID] = e.Status
	}

	previous, seeded, err := p.store.PollSnapshot()
	if err != nil {
		return nil, fmt.Errorf("reading poll snapshot: %w", err)
	}

	if err := p.store.SetPollSnapshot(current); err != nil {
		return nil, fmt.Errorf("saving poll snapshot: %w", err)
	}

	if !seeded {
		p.logger.Debug("poll snapshot seeded", slog.Int("records", len(current)))
		return nil, nil
	}

	return Diff(previous, current), nil
}

// Diff returns the changes from old to current ordered by ID.
func Diff(old, current map[string]string) []Change {
	var out []Change

	for id, status := range current {
		prev, ok := old[id]

		switch {
		case !ok:
			out = append(out, Change{Kind: Added, ID: id, New: status})
		case prev != status:
			out = append(out, Change{Kind: Updated, ID: id, Old: prev, New: status})
		}
	}

	for id, status := range old {
		if _, ok := current[id]; !ok {
			out = append(out, Change{Kind: Removed, ID: id, Old: status})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

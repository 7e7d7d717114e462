// Package localstore holds the local copy of synced entities and the log
// of conflicts between local edits and server changes.
package localstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/models"
	"github.com/alexjbarnes/ledger-sync/internal/state"
	"github.com/oklog/ulid/v2"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Store reads and writes entities as opaque JSON documents.
type Store struct {
	st     *state.State
	logger *slog.Logger
	now    func() time.Time
}

// New returns a store backed by st.
func New(st *state.State, logger *slog.Logger) *Store {
	return &Store{
		st:     st,
		logger: logger.With(slog.String("component", "localstore")),
		now:    time.Now,
	}
}

// Get returns an entity's JSON, or nil when absent.
func (s *Store) Get(entityType, id string) (json.RawMessage, error) {
	data, err := s.st.GetEntity(entityType, id)
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", entityType, id, err)
	}

	return data, nil
}

// Put stores an entity, replacing any previous version.
func (s *Store) Put(entityType, id string, data json.RawMessage) error {
	if !json.Valid(data) {
		return fmt.Errorf("storing %s/%s: invalid JSON", entityType, id)
	}

	if err := s.st.PutEntity(entityType, id, data); err != nil {
		return fmt.Errorf("storing %s/%s: %w", entityType, id, err)
	}

	return nil
}

// Delete removes an entity. existed is false when it was already absent.
func (s *Store) Delete(entityType, id string) (existed bool, err error) {
	existed, err = s.st.DeleteEntity(entityType, id)
	if err != nil {
		return false, fmt.Errorf("deleting %s/%s: %w", entityType, id, err)
	}

	return existed, nil
}

// List returns every entity of a type keyed by ID.
func (s *Store) List(entityType string) (map[string]json.RawMessage, error) {
	return s.st.AllEntities(entityType)
}

// Types returns the entity types present locally.
func (s *Store) Types() ([]string, error) {
	return s.st.EntityTypes()
}

// RecordConflict logs that a server change replaced a locally edited
// entity. remote is nil for deletes.
func (s *Store) RecordConflict(entityType, id string, action models.Action, local, remote json.RawMessage) error {
	c := models.Conflict{
		ID:         ulid.Make().String(),
		EntityType: entityType,
		EntityID:   id,
		Action:     action,
		Local:      local,
		Remote:     remote,
		Patch:      diffPatch(local, remote),
		At:         s.now().UTC(),
	}

	if err := s.st.AddConflict(c); err != nil {
		return fmt.Errorf("recording conflict for %s/%s: %w", entityType, id, err)
	}

	s.logger.Info("server change overwrote pending local edit",
		slog.String("entity_type", entityType),
		slog.String("entity_id", id),
		slog.String("action", string(action)),
	)

	return nil
}

// Conflicts returns the conflict log, oldest first.
func (s *Store) Conflicts() ([]models.Conflict, error) {
	return s.st.Conflicts()
}

// ClearConflicts empties the conflict log.
func (s *Store) ClearConflicts() error {
	return s.st.ClearConflicts()
}

// diffPatch returns a diff-match-patch text patch turning local into
// remote. Documents are indented first so the patch is line oriented.
func diffPatch(local, remote json.RawMessage) string {
	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(indent(local), indent(remote))

	return dmp.PatchToText(patches)
}

func indent(doc json.RawMessage) string {
	if len(doc) == 0 {
		return ""
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, doc, "", "  "); err != nil {
		return string(doc)
	}

	return buf.String()
}

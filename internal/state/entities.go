package state

import (
	"encoding/json"
	"strings"

	"github.com/alexjbarnes/ledger-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// GetEntity returns the stored JSON for an entity, or nil if absent.
func (s *State) GetEntity(entityType, id string) ([]byte, error) {
	var data []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(entityBucket(entityType))
		if b == nil {
			return nil
		}

		if v := b.Get([]byte(id)); v != nil {
			data = append([]byte{}, v...)
		}

		return nil
	})

	return data, err
}

// PutEntity stores the JSON for an entity, replacing any previous value.
func (s *State) PutEntity(entityType, id string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(entityBucket(entityType))
		if err != nil {
			return err
		}

		return b.Put([]byte(id), data)
	})
}

// DeleteEntity removes an entity. existed reports whether it was present.
func (s *State) DeleteEntity(entityType, id string) (existed bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entityBucket(entityType))
		if b == nil {
			return nil
		}

		if b.Get([]byte(id)) == nil {
			return nil
		}

		existed = true

		return b.Delete([]byte(id))
	})

	return existed, err
}

// AllEntities returns every stored entity of a type, keyed by ID.
func (s *State) AllEntities(entityType string) (map[string]json.RawMessage, error) {
	result := make(map[string]json.RawMessage)

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(entityBucket(entityType))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			result[string(k)] = append(json.RawMessage{}, v...)
			return nil
		})
	})

	return result, err
}

// EntityTypes returns the entity types that have a bucket.
func (s *State) EntityTypes() ([]string, error) {
	var types []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if t, ok := strings.CutPrefix(string(name), "entity:"); ok {
				types = append(types, t)
			}

			return nil
		})
	})

	return types, err
}

// AddConflict appends a conflict record.
func (s *State) AddConflict(c models.Conflict) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conflictsBucket).Put([]byte(c.ID), data)
	})
}

// Conflicts returns every recorded conflict, oldest first.
func (s *State) Conflicts() ([]models.Conflict, error) {
	var out []models.Conflict

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conflictsBucket).ForEach(func(_, v []byte) error {
			var c models.Conflict
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}

			out = append(out, c)

			return nil
		})
	})

	return out, err
}

// ClearConflicts removes every conflict record.
func (s *State) ClearConflicts() error {
	return s.resetBucket(conflictsBucket)
}

// PutFailedDelta stores or replaces a dead-lettered delta.
func (s *State) PutFailedDelta(fd models.FailedDelta) error {
	data, err := json.Marshal(fd)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(failedDeltasBucket).Put([]byte(fd.Key), data)
	})
}

// FailedDeltas returns every dead-lettered delta.
func (s *State) FailedDeltas() ([]models.FailedDelta, error) {
	var out []models.FailedDelta

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(failedDeltasBucket).ForEach(func(_, v []byte) error {
			var fd models.FailedDelta
			if err := json.Unmarshal(v, &fd); err != nil {
				return err
			}

			out = append(out, fd)

			return nil
		})
	})

	return out, err
}

// DeleteFailedDelta removes a dead-lettered delta by key.
func (s *State) DeleteFailedDelta(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(failedDeltasBucket).Delete([]byte(key))
	})
}

// ClearFailedDeltas removes every dead-lettered delta.
func (s *State) ClearFailedDeltas() error {
	return s.resetBucket(failedDeltasBucket)
}

func (s *State) resetBucket(name []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(name); err != nil {
			return err
		}

		_, err := tx.CreateBucket(name)

		return err
	})
}

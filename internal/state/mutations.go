package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/ledger-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// seqKey encodes a bucket sequence as a big-endian key so cursor order
// matches insertion order.
func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)

	return b
}

// AppendMutation stores a mutation at the tail of the queue.
func (s *State) AppendMutation(rec models.MutationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(mutationsBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		key := seqKey(seq)
		if err := b.Put(key, data); err != nil {
			return err
		}

		return tx.Bucket(mutationIdxBucket).Put([]byte(rec.ID), key)
	})
}

// Mutations returns every stored mutation in insertion order.
func (s *State) Mutations() ([]models.MutationRecord, error) {
	var recs []models.MutationRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(mutationsBucket).ForEach(func(k, v []byte) error {
			var rec models.MutationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding mutation %x: %w", k, err)
			}

			recs = append(recs, rec)

			return nil
		})
	})

	return recs, err
}

// UpdateMutation rewrites a mutation in place, keeping its queue
// position. found is false when the ID is unknown.
func (s *State) UpdateMutation(id string, fn func(*models.MutationRecord)) (found bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		key := tx.Bucket(mutationIdxBucket).Get([]byte(id))
		if key == nil {
			return nil
		}

		b := tx.Bucket(mutationsBucket)

		v := b.Get(key)
		if v == nil {
			return nil
		}

		var rec models.MutationRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}

		fn(&rec)

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		found = true

		return b.Put(key, data)
	})

	return found, err
}

// DeleteMutation removes a mutation by ID. Unknown IDs are ignored.
func (s *State) DeleteMutation(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(mutationIdxBucket)

		key := idx.Get([]byte(id))
		if key == nil {
			return nil
		}

		if err := tx.Bucket(mutationsBucket).Delete(key); err != nil {
			return err
		}

		return idx.Delete([]byte(id))
	})
}

// MutationCount returns the number of stored mutations.
func (s *State) MutationCount() int {
	count := 0

	_ = s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(mutationsBucket).Stats().KeyN
		return nil
	})

	return count
}

// ClearMutations removes every stored mutation.
func (s *State) ClearMutations() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{mutationsBucket, mutationIdxBucket} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}

			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}

		return nil
	})
}

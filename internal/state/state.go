package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.ledger-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket          = []byte("app")
	credentialsKey     = []byte("credentials")
	cursorKey          = []byte("cursor")
	deviceIDKey        = []byte("device_id")
	pollSnapshotKey    = []byte("poll_snapshot")
	mutationsBucket    = []byte("mutations")
	mutationIdxBucket  = []byte("mutations_idx")
	conflictsBucket    = []byte("conflicts")
	failedDeltasBucket = []byte("failed_deltas")
)

func entityBucket(entityType string) []byte {
	return []byte("entity:" + entityType)
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db   *bolt.DB
	path string
	key  *[32]byte
}

// Load opens the state database at ~/.ledger-sync/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			appBucket,
			mutationsBucket,
			mutationIdxBucket,
			conflictsBucket,
			failedDeltasBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db, path: path}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Dir returns the directory holding the database file.
func (s *State) Dir() string {
	return filepath.Dir(s.path)
}

// SetSealKey enables sealing of credentials at rest. Credentials written
// before the key was set remain readable.
func (s *State) SetSealKey(key *[32]byte) {
	s.key = key
}

// Credentials returns the stored credentials, or nil if none are stored.
func (s *State) Credentials() (*models.Credentials, error) {
	var creds *models.Credentials

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(credentialsKey)
		if v == nil {
			return nil
		}

		plain, err := s.open(v)
		if err != nil {
			return err
		}

		creds = &models.Credentials{}

		return json.Unmarshal(plain, creds)
	})

	return creds, err
}

// SetCredentials persists credentials, sealing them when a key is set.
func (s *State) SetCredentials(c models.Credentials) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}

	sealed, err := s.seal(data)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(credentialsKey, sealed)
	})
}

// ClearCredentials removes stored credentials.
func (s *State) ClearCredentials() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(credentialsKey)
	})
}

// Cursor returns the pull cursor, or empty string before the first
// successful pull.
func (s *State) Cursor() string {
	var cursor string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(cursorKey)
		if v != nil {
			cursor = string(v)
		}

		return nil
	})

	return cursor
}

// SetCursor persists the pull cursor.
func (s *State) SetCursor(cursor string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(cursorKey, []byte(cursor))
	})
}

// ClearCursor removes the pull cursor so the next pull is a full sync.
func (s *State) ClearCursor() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(cursorKey)
	})
}

// DeviceID returns the persistent identifier of this installation,
// generating one on first use.
func (s *State) DeviceID() (string, error) {
	var id string

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if v := b.Get(deviceIDKey); v != nil {
			id = string(v)
			return nil
		}

		id = uuid.NewString()

		return b.Put(deviceIDKey, []byte(id))
	})

	return id, err
}

// PollSnapshot returns the last id to status map seen by the poller.
// ok is false when no snapshot has been stored yet.
func (s *State) PollSnapshot() (snapshot map[string]string, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(pollSnapshotKey)
		if v == nil {
			return nil
		}

		ok = true

		return json.Unmarshal(v, &snapshot)
	})

	return snapshot, ok, err
}

// SetPollSnapshot persists the poller snapshot.
func (s *State) SetPollSnapshot(snapshot map[string]string) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(pollSnapshotKey, data)
	})
}

// DefaultPath returns ~/.ledger-sync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".ledger-sync", "state.db"), nil
}

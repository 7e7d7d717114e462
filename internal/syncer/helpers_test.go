package syncer

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/alexjbarnes/ledger-sync/internal/localstore"
	"github.com/alexjbarnes/ledger-sync/internal/models"
	"github.com/alexjbarnes/ledger-sync/internal/queue"
	"github.com/alexjbarnes/ledger-sync/internal/state"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testEnv wires real bbolt-backed collaborators around a temp database.
type testEnv struct {
	st      *state.State
	queue   *queue.Queue
	store   *localstore.Store
	tracker *Tracker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := discardLogger()

	return &testEnv{
		st:      st,
		queue:   queue.New(st, logger),
		store:   localstore.New(st, logger),
		tracker: NewTracker(),
	}
}

func (e *testEnv) enqueueN(t *testing.T, n int) {
	t.Helper()
	for i := range n {
		id := e.queue.Enqueue(models.EntityPayments, "p"+strconv.Itoa(i), models.ActionCreate, json.RawMessage(`{"amount":1}`))
		require.NotEmpty(t, id)
	}
}

var errDiskFull = errors.New("disk full")

// flakyStore fails writes for the listed entity IDs.
type flakyStore struct {
	*localstore.Store
	failIDs map[string]bool
}

func (f *flakyStore) Put(entityType, id string, data json.RawMessage) error {
	if f.failIDs[id] {
		return errDiskFull
	}

	return f.Store.Put(entityType, id, data)
}

func (f *flakyStore) Delete(entityType, id string) (bool, error) {
	if f.failIDs[id] {
		return false, errDiskFull
	}

	return f.Store.Delete(entityType, id)
}

package syncer

import (
	"context"
	"net/http"
	"testing"

	"github.com/alexjbarnes/ledger-sync/internal/api"
	"github.com/alexjbarnes/ledger-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newTestUploader(t *testing.T, env *testEnv) (*Uploader, *MockPushAPI) {
	t.Helper()
	ctrl := gomock.NewController(t)
	mock := NewMockPushAPI(ctrl)

	return NewUploader(mock, env.queue, env.tracker, UploaderConfig{}, discardLogger()), mock
}

func TestPush_EmptyQueueSucceedsWithoutRequest(t *testing.T) {
	env := newTestEnv(t)
	u, _ := newTestUploader(t, env)

	assert.True(t, u.Push(t.Context(), "tok"))
	assert.Equal(t, 0, env.tracker.Snapshot().PendingCount)
}

func TestPush_BatchesOfFifty(t *testing.T) {
	env := newTestEnv(t)
	env.enqueueN(t, 120)
	u, mock := newTestUploader(t, env)

	var sizes []int

	mock.EXPECT().Push(gomock.Any(), "tok", gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ string, ops []api.PushOperation) (*api.PushResponse, error) {
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline, "each batch gets its own timeout")
			sizes = append(sizes, len(ops))
			return &api.PushResponse{Processed: len(ops)}, nil
		}).
		Times(3)

	assert.True(t, u.Push(t.Context(), "tok"))
	assert.Equal(t, []int{50, 50, 20}, sizes)
	assert.Equal(t, 0, env.queue.Count())
	assert.Equal(t, 0, env.tracker.Snapshot().PendingCount)
}

func TestPush_PreservesQueueOrder(t *testing.T) {
	env := newTestEnv(t)
	env.enqueueN(t, 3)
	u, mock := newTestUploader(t, env)

	mock.EXPECT().Push(gomock.Any(), "tok", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, ops []api.PushOperation) (*api.PushResponse, error) {
			require.Len(t, ops, 3)
			assert.Equal(t, "p0", ops[0].EntityID)
			assert.Equal(t, "p1", ops[1].EntityID)
			assert.Equal(t, "p2", ops[2].EntityID)
			return &api.PushResponse{Processed: 3}, nil
		})

	assert.True(t, u.Push(t.Context(), "tok"))
}

func TestPush_MiddleBatchFailureIsolated(t *testing.T) {
	env := newTestEnv(t)
	env.enqueueN(t, 120)
	u, mock := newTestUploader(t, env)

	serverErr := &api.TransientError{Err: &api.StatusError{Endpoint: "/sync/push", Code: http.StatusInternalServerError, Body: "HTTP 500"}}

	gomock.InOrder(
		mock.EXPECT().Push(gomock.Any(), "tok", gomock.Len(50)).Return(&api.PushResponse{Processed: 50}, nil),
		mock.EXPECT().Push(gomock.Any(), "tok", gomock.Len(50)).Return(nil, serverErr),
		mock.EXPECT().Push(gomock.Any(), "tok", gomock.Len(20)).Return(&api.PushResponse{Processed: 20}, nil),
	)

	assert.False(t, u.Push(t.Context(), "tok"))

	remaining, err := env.queue.List()
	require.NoError(t, err)
	require.Len(t, remaining, 50)

	for _, rec := range remaining {
		assert.Equal(t, 1, rec.RetryCount)
		assert.Contains(t, rec.LastError, "500")
	}

	// Second batch held queue positions 50..99.
	assert.Equal(t, "p50", remaining[0].EntityID)
	assert.Equal(t, "p99", remaining[49].EntityID)
	assert.Equal(t, 50, env.tracker.Snapshot().PendingCount)
}

func TestPush_ServerFailedCountStillAcks(t *testing.T) {
	env := newTestEnv(t)
	env.enqueueN(t, 2)
	u, mock := newTestUploader(t, env)

	mock.EXPECT().Push(gomock.Any(), "tok", gomock.Any()).Return(&api.PushResponse{Processed: 1, Failed: 1}, nil)

	assert.True(t, u.Push(t.Context(), "tok"))
	assert.Equal(t, 0, env.queue.Count())
}

func TestPush_SkipsEntriesAtRetryCeiling(t *testing.T) {
	env := newTestEnv(t)
	env.enqueueN(t, 2)

	all, err := env.queue.List()
	require.NoError(t, err)
	for range 5 {
		require.NoError(t, env.queue.FailWithRetry(all[0].ID, "HTTP 500"))
	}

	u, mock := newTestUploader(t, env)
	mock.EXPECT().Push(gomock.Any(), "tok", gomock.Len(1)).
		DoAndReturn(func(_ context.Context, _ string, ops []api.PushOperation) (*api.PushResponse, error) {
			assert.Equal(t, "p1", ops[0].EntityID)
			return &api.PushResponse{Processed: 1}, nil
		})

	assert.True(t, u.Push(t.Context(), "tok"))

	// The stuck entry is kept and still counted.
	assert.Equal(t, 1, env.queue.Count())
	assert.Equal(t, 1, env.tracker.Snapshot().PendingCount)
}

func TestPush_RepeatedFailuresReachCeiling(t *testing.T) {
	env := newTestEnv(t)
	env.enqueueN(t, 1)
	u, mock := newTestUploader(t, env)

	mock.EXPECT().Push(gomock.Any(), "tok", gomock.Any()).
		Return(nil, &api.TransientError{Err: context.DeadlineExceeded}).
		Times(5)

	for range 6 {
		u.Push(t.Context(), "tok")
	}

	all, err := env.queue.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 5, all[0].RetryCount)
}

func TestPush_SetsPushingStatus(t *testing.T) {
	env := newTestEnv(t)
	env.enqueueN(t, 1)
	u, mock := newTestUploader(t, env)

	mock.EXPECT().Push(gomock.Any(), "tok", gomock.Any()).
		DoAndReturn(func(context.Context, string, []api.PushOperation) (*api.PushResponse, error) {
			assert.Equal(t, models.StatusPushing, env.tracker.Snapshot().Status)
			return &api.PushResponse{Processed: 1}, nil
		})

	u.Push(t.Context(), "tok")
}

package opbase

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fly-sync/devicecore/internal/model"
)

func TestWorkerCountHeuristic(t *testing.T) {
	table := DefaultHeuristicTable()

	assert.Equal(t, 3, table.WorkerCount(60*1024*1024, 100))
	assert.Equal(t, 4, table.WorkerCount(20*1024*1024, 100))
	assert.LessOrEqual(t, table.WorkerCount(1024, 100), 16)
	assert.GreaterOrEqual(t, table.WorkerCount(1024, 100), 2)

	// Clamp to batch size.
	assert.Equal(t, 2, table.WorkerCount(60*1024*1024, 2))
}

type fakeTransport struct {
	mu      sync.Mutex
	pulled  map[string]bool
	failOn  map[string]bool
	mkdirs  []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{pulled: map[string]bool{}, failOn: map[string]bool{}}
}

func (f *fakeTransport) Pull(ctx context.Context, serial, remote, local string) error {
	if f.failOn[remote] {
		return fmt.Errorf("simulated failure for %s", remote)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled[remote] = true
	return nil
}

func (f *fakeTransport) Push(ctx context.Context, serial, local, remote string) error {
	return f.Pull(ctx, serial, remote, local)
}

func (f *fakeTransport) RunShell(ctx context.Context, command, serial string, timeout time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkdirs = append(f.mkdirs, command)
	return "", nil
}

func TestParallelPullNoDoubleFetchAndBoundedBytes(t *testing.T) {
	transport := newFakeTransport()
	op := New()

	var items []model.FileEntry
	for i := 0; i < 50; i++ {
		items = append(items, model.FileEntry{RemotePath: fmt.Sprintf("/sdcard/f%d.bin", i), SizeBytes: 1000})
	}
	transport.failOn["/sdcard/f7.bin"] = true

	dir := t.TempDir()
	result, err := op.ParallelPull(context.Background(), transport, "SERIAL", items, dir, DefaultHeuristicTable())
	require.NoError(t, err)

	assert.Equal(t, 49, result.SuccessCount)
	assert.LessOrEqual(t, result.SuccessCount, len(items))
	assert.Equal(t, int64(49000), result.BytesTransferred)
	assert.Len(t, op.Errors(), 1)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Len(t, transport.pulled, 49)
}

func TestParallelPullSequentialFallback(t *testing.T) {
	transport := newFakeTransport()
	op := New()
	items := []model.FileEntry{
		{RemotePath: "/sdcard/a.txt", SizeBytes: 5},
		{RemotePath: "/sdcard/b.txt", SizeBytes: 5},
	}
	result, err := op.ParallelPull(context.Background(), transport, "S", items, t.TempDir(), DefaultHeuristicTable())
	require.NoError(t, err)
	assert.Equal(t, 2, result.SuccessCount)
}

func TestParallelPullCancellationStopsNewWork(t *testing.T) {
	transport := newFakeTransport()
	op := New()
	var items []model.FileEntry
	for i := 0; i < 1000; i++ {
		items = append(items, model.FileEntry{RemotePath: fmt.Sprintf("/sdcard/f%d.bin", i), SizeBytes: 1})
	}

	done := 0
	op.SetProgressCallback(func(p Progress) {
		done = p.ItemsDone
		if done >= 200 {
			op.Cancel()
		}
	})

	result, err := op.ParallelPull(context.Background(), transport, "S", items, t.TempDir(), DefaultHeuristicTable())
	require.NoError(t, err)
	assert.True(t, op.Cancelled())
	assert.GreaterOrEqual(t, result.SuccessCount, 200)
}

func TestParallelPushBatchesMkdir(t *testing.T) {
	transport := newFakeTransport()
	op := New()
	var items []model.FileEntry
	for i := 0; i < 120; i++ {
		items = append(items, model.FileEntry{RemotePath: fmt.Sprintf("/sdcard/dir%d/f.bin", i), SizeBytes: 10})
	}
	dir := t.TempDir()
	for _, it := range items {
		require.NoError(t, PreCreateLocalDirs([]model.FileEntry{it}, dir))
	}

	result, err := op.ParallelPush(context.Background(), transport, "S", items, dir, DefaultHeuristicTable())
	require.NoError(t, err)
	assert.Equal(t, 120, result.SuccessCount)
	assert.NotEmpty(t, transport.mkdirs)
}

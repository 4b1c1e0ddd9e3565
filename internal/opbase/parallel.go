package opbase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fly-sync/devicecore/internal/model"
)

// Transport is the subset of the Shell Bridge the parallel pull/push
// helpers need. bridge.Bridge satisfies this implicitly.
type Transport interface {
	Pull(ctx context.Context, serial, remote, local string) error
	Push(ctx context.Context, serial, local, remote string) error
	RunShell(ctx context.Context, command, serial string, timeout time.Duration) (string, error)
}

// sequentialThreshold is the overhead-amortization cutoff below which
// dispatching workers costs more than it saves (spec.md §4.3).
const sequentialThreshold = 2

// mkdirBatchSize is how many remote directories are mkdir -p'd per shell
// invocation before the batch is retried individually (spec.md §4.3).
const mkdirBatchSize = 50

// WorkerCount implements the pull/push worker-count heuristic of spec.md
// §4.3: average file size > 50MB caps at 3; > 10MB caps at 4; otherwise
// min(2*cores, 16). The result is clamped so it never exceeds batchSize and
// never drops below 2 for a batch that isn't already using the sequential
// fallback. SPEC_FULL.md §9 calls this out as a configuration concern, not
// embedded constants — HeuristicTable lets a caller override the tiers.
type HeuristicTable struct {
	LargeFileThreshold  int64 // > this caps at LargeFileWorkers
	MediumFileThreshold int64 // > this caps at MediumFileWorkers
	LargeFileWorkers    int
	MediumFileWorkers   int
	GeneralWorkerCap    int
}

// DefaultHeuristicTable matches the tiers spec.md §4.3/§5 specify.
func DefaultHeuristicTable() HeuristicTable {
	return HeuristicTable{
		LargeFileThreshold:  50 * 1024 * 1024,
		MediumFileThreshold: 10 * 1024 * 1024,
		LargeFileWorkers:    3,
		MediumFileWorkers:   4,
		GeneralWorkerCap:    16,
	}
}

func (h HeuristicTable) WorkerCount(avgFileSize int64, batchSize int) int {
	var n int
	switch {
	case avgFileSize > h.LargeFileThreshold:
		n = h.LargeFileWorkers
	case avgFileSize > h.MediumFileThreshold:
		n = h.MediumFileWorkers
	default:
		n = 2 * runtime.NumCPU()
		if n > h.GeneralWorkerCap {
			n = h.GeneralWorkerCap
		}
	}
	if n > batchSize {
		n = batchSize
	}
	if n < 2 {
		n = 2
	}
	return n
}

// TransferResult reports a pull/push batch's outcome. SuccessCount <=
// total and BytesDone <= BytesTotal always hold (spec.md §8).
type TransferResult struct {
	SuccessCount     int
	BytesTransferred int64
}

// PreCreateLocalDirs creates every parent directory required by items once,
// up front, avoiding a per-file mkdir race (spec.md §4.3 step 1).
func PreCreateLocalDirs(items []model.FileEntry, localRoot string) error {
	seen := map[string]bool{}
	for _, item := range items {
		dir := filepath.Dir(filepath.Join(localRoot, item.RemotePath))
		if seen[dir] {
			continue
		}
		seen[dir] = true
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("opbase: failed to create local directory %s: %w", dir, err)
		}
	}
	return nil
}

// ParallelPull dispatches items across a worker pool sized by heuristic,
// pre-creating local directories once, emitting progress as the byte
// counter advances, and never aborting the batch on a single file's
// failure (spec.md §4.3).
func (o *Operation) ParallelPull(ctx context.Context, t Transport, serial string, items []model.FileEntry, localRoot string, table HeuristicTable) (TransferResult, error) {
	if err := PreCreateLocalDirs(items, localRoot); err != nil {
		return TransferResult{}, err
	}

	if len(items) <= sequentialThreshold {
		return o.sequentialPull(ctx, t, serial, items, localRoot)
	}

	avg := averageSize(items)
	workers := table.WorkerCount(avg, len(items))

	work := make(chan model.FileEntry)
	var (
		mu       sync.Mutex
		result   TransferResult
		bytesTot int64
	)
	for _, it := range items {
		bytesTot += it.SizeBytes
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				if o.Cancelled() {
					continue
				}
				local := filepath.Join(localRoot, item.RemotePath)
				if err := t.Pull(ctx, serial, item.RemotePath, local); err != nil {
					o.AddError("Pull falhou: "+filepath.Base(item.RemotePath), item.RemotePath, err)
					continue
				}
				mu.Lock()
				result.SuccessCount++
				result.BytesTransferred += item.SizeBytes
				done, bytesDone := result.SuccessCount, result.BytesTransferred
				mu.Unlock()

				o.Emit(Progress{
					Phase:       PhaseRunning,
					CurrentItem: item.RemotePath,
					ItemsDone:   done,
					ItemsTotal:  len(items),
					BytesDone:   bytesDone,
					BytesTotal:  bytesTot,
					Percent:     percentOf(bytesDone, bytesTot),
					SourceDevice: serial,
				})
			}
		}()
	}

dispatch:
	for _, item := range items {
		if o.Cancelled() {
			break dispatch
		}
		select {
		case work <- item:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(work)
	wg.Wait()

	o.metrics.AddFilesTransferred(result.SuccessCount)
	o.metrics.AddBytesTransferred(result.BytesTransferred)
	return result, nil
}

func (o *Operation) sequentialPull(ctx context.Context, t Transport, serial string, items []model.FileEntry, localRoot string) (TransferResult, error) {
	var result TransferResult
	var bytesTot int64
	for _, it := range items {
		bytesTot += it.SizeBytes
	}
	for _, item := range items {
		if o.Cancelled() {
			break
		}
		local := filepath.Join(localRoot, item.RemotePath)
		if err := t.Pull(ctx, serial, item.RemotePath, local); err != nil {
			o.AddError("Pull falhou: "+filepath.Base(item.RemotePath), item.RemotePath, err)
			continue
		}
		result.SuccessCount++
		result.BytesTransferred += item.SizeBytes
		o.Emit(Progress{
			Phase: PhaseRunning, CurrentItem: item.RemotePath,
			ItemsDone: result.SuccessCount, ItemsTotal: len(items),
			BytesDone: result.BytesTransferred, BytesTotal: bytesTot,
			Percent: percentOf(result.BytesTransferred, bytesTot), SourceDevice: serial,
		})
	}
	o.metrics.AddFilesTransferred(result.SuccessCount)
	o.metrics.AddBytesTransferred(result.BytesTransferred)
	return result, nil
}

// ParallelPush mirrors ParallelPull, with one extra step: before dispatch
// it collects every required remote parent directory and issues `mkdir -p`
// in batches of 50 paths, retrying each directory individually if a batch
// fails (spec.md §4.3).
func (o *Operation) ParallelPush(ctx context.Context, t Transport, serial string, items []model.FileEntry, localRoot string, table HeuristicTable) (TransferResult, error) {
	if err := o.batchMkdirRemote(ctx, t, serial, items); err != nil {
		return TransferResult{}, err
	}

	if len(items) <= sequentialThreshold {
		return o.sequentialPush(ctx, t, serial, items, localRoot)
	}

	avg := averageSize(items)
	workers := table.WorkerCount(avg, len(items))

	work := make(chan model.FileEntry)
	var (
		mu       sync.Mutex
		result   TransferResult
		bytesTot int64
	)
	for _, it := range items {
		bytesTot += it.SizeBytes
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				if o.Cancelled() {
					continue
				}
				local := filepath.Join(localRoot, item.RemotePath)
				if err := t.Push(ctx, serial, local, item.RemotePath); err != nil {
					o.AddError("Push falhou: "+filepath.Base(item.RemotePath), item.RemotePath, err)
					continue
				}
				mu.Lock()
				result.SuccessCount++
				result.BytesTransferred += item.SizeBytes
				done, bytesDone := result.SuccessCount, result.BytesTransferred
				mu.Unlock()

				o.Emit(Progress{
					Phase: PhaseRunning, CurrentItem: item.RemotePath,
					ItemsDone: done, ItemsTotal: len(items),
					BytesDone: bytesDone, BytesTotal: bytesTot,
					Percent: percentOf(bytesDone, bytesTot), TargetDevice: serial,
				})
			}
		}()
	}

dispatch:
	for _, item := range items {
		if o.Cancelled() {
			break dispatch
		}
		select {
		case work <- item:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(work)
	wg.Wait()

	o.metrics.AddFilesTransferred(result.SuccessCount)
	o.metrics.AddBytesTransferred(result.BytesTransferred)
	return result, nil
}

func (o *Operation) sequentialPush(ctx context.Context, t Transport, serial string, items []model.FileEntry, localRoot string) (TransferResult, error) {
	var result TransferResult
	var bytesTot int64
	for _, it := range items {
		bytesTot += it.SizeBytes
	}
	for _, item := range items {
		if o.Cancelled() {
			break
		}
		local := filepath.Join(localRoot, item.RemotePath)
		if err := t.Push(ctx, serial, local, item.RemotePath); err != nil {
			o.AddError("Push falhou: "+filepath.Base(item.RemotePath), item.RemotePath, err)
			continue
		}
		result.SuccessCount++
		result.BytesTransferred += item.SizeBytes
		o.Emit(Progress{
			Phase: PhaseRunning, CurrentItem: item.RemotePath,
			ItemsDone: result.SuccessCount, ItemsTotal: len(items),
			BytesDone: result.BytesTransferred, BytesTotal: bytesTot,
			Percent: percentOf(result.BytesTransferred, bytesTot), TargetDevice: serial,
		})
	}
	o.metrics.AddFilesTransferred(result.SuccessCount)
	o.metrics.AddBytesTransferred(result.BytesTransferred)
	return result, nil
}

func (o *Operation) batchMkdirRemote(ctx context.Context, t Transport, serial string, items []model.FileEntry) error {
	dirSet := map[string]bool{}
	var dirs []string
	for _, item := range items {
		dir := filepath.Dir(item.RemotePath)
		if !dirSet[dir] {
			dirSet[dir] = true
			dirs = append(dirs, dir)
		}
	}

	for start := 0; start < len(dirs); start += mkdirBatchSize {
		end := min(start+mkdirBatchSize, len(dirs))
		batch := dirs[start:end]
		cmd := "mkdir -p " + quoteAll(batch)
		if _, err := t.RunShell(ctx, cmd, serial, 60*time.Second); err != nil {
			for _, d := range batch {
				if _, retryErr := t.RunShell(ctx, "mkdir -p "+quoteAll([]string{d}), serial, 60*time.Second); retryErr != nil {
					return fmt.Errorf("opbase: failed to create remote directory %s: %w", d, retryErr)
				}
			}
		}
	}
	return nil
}

func quoteAll(paths []string) string {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

func averageSize(items []model.FileEntry) int64 {
	if len(items) == 0 {
		return 0
	}
	var total int64
	for _, it := range items {
		total += it.SizeBytes
	}
	return total / int64(len(items))
}

func percentOf(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(done) / float64(total) * 100
}

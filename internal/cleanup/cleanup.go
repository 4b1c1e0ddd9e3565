// Package cleanup implements the Cleanup Engine (L3c): six independent
// scan/execute modes over a device's filesystem — app_cache, junk_dirs,
// junk_files, known_junk, orphans, and duplicates (SPEC_FULL.md §3.6) —
// dispatched concurrently with a bounded worker cap, grounded on
// safeguards.OperationGuard's semaphore pattern.
package cleanup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fly-sync/devicecore/internal/model"
	"github.com/fly-sync/devicecore/internal/opbase"
)

// ModeName identifies one of the six cleanup modes.
type ModeName string

const (
	ModeAppCache   ModeName = "app_cache"
	ModeJunkDirs   ModeName = "junk_dirs"
	ModeJunkFiles  ModeName = "junk_files"
	ModeKnownJunk  ModeName = "known_junk"
	ModeOrphans    ModeName = "orphans"
	ModeDuplicates ModeName = "duplicates"
)

// Estimate is a scan's size projection, computed exactly (known_junk,
// orphans) or extrapolated from a sample (app_cache's 50-package du sample).
type Estimate struct {
	ItemCount  int
	SizeBytes  int64
	Extrapolated bool
}

// ScanResult pairs a mode's candidates with its estimate.
type ScanResult struct {
	Mode     ModeName
	Items    []model.CleanupItem
	Estimate Estimate
	// RefusalReason is set instead of an error when a mode safety-gates
	// itself to zero candidates (orphans' package-list gate) — spec.md §7
	// treats a safety refusal as a clean, error-free completion.
	RefusalReason string
}

// ExecResult is one mode's execution outcome.
type ExecResult struct {
	Mode         ModeName
	RemovedCount int
	FreedBytes   int64
}

// Mode is the scan/execute pair every cleanup mode implements.
type Mode interface {
	Name() ModeName
	Scan(ctx context.Context, serial string) (ScanResult, error)
	Execute(ctx context.Context, serial string, items []model.CleanupItem) (ExecResult, error)
}

// ShellRunner is the subset of the Shell Bridge every mode's find/rm/du
// shell-outs need.
type ShellRunner interface {
	RunShell(ctx context.Context, command, serial string, timeout time.Duration) (string, error)
}

// PackageLister is the subset of the Shell Bridge the orphan safety gate
// and app_cache mode need to enumerate/resolve installed packages.
type PackageLister interface {
	ListPackages(ctx context.Context, serial string, thirdPartyOnly bool) ([]string, error)
	PackageAPKPaths(ctx context.Context, serial, pkg string) (base string, splits []string, err error)
}

// CacheTrimmer is the bridge's single trim-caches command, invoked once by
// app_cache's Execute before its own batched directory removal.
type CacheTrimmer interface {
	TrimCaches(ctx context.Context, serial string, desiredFreeBytes int64) error
}

// Bridge is the full dependency surface cleanup modes draw on.
type Bridge interface {
	ShellRunner
	PackageLister
	CacheTrimmer
}

// maxConcurrentScans caps how many mode scans run at once, grounded on
// safeguards.OperationGuard's semaphore-backed concurrency limiter
// (spec.md §4.6's "dispatched concurrently with a cap of 3 workers to
// avoid overwhelming the single shell-bridge serialization lock").
const maxConcurrentScans = 3

// Engine runs cleanup modes against one device.
type Engine struct {
	op     *opbase.Operation
	bridge Bridge
	modes  []Mode
}

// NewEngine constructs an Engine with the standard six-mode set.
func NewEngine(op *opbase.Operation, br Bridge, dedupRunner DuplicatesRunner) *Engine {
	return &Engine{
		op:     op,
		bridge: br,
		modes: []Mode{
			&appCacheMode{bridge: br},
			&junkDirsMode{bridge: br},
			&junkFilesMode{bridge: br},
			&knownJunkMode{bridge: br},
			&orphansMode{bridge: br},
			&duplicatesMode{runner: dedupRunner, shell: br},
		},
	}
}

// ScanAll dispatches every mode's Scan concurrently, bounded to
// maxConcurrentScans in flight at once.
func (e *Engine) ScanAll(ctx context.Context, serial string) ([]ScanResult, error) {
	defer e.op.Finish()

	sem := make(chan struct{}, maxConcurrentScans)
	results := make([]ScanResult, len(e.modes))
	errs := make([]error, len(e.modes))

	var wg sync.WaitGroup
	for i, m := range e.modes {
		wg.Add(1)
		go func(i int, m Mode) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if e.op.Cancelled() {
				return
			}
			e.op.Emit(opbase.Progress{Phase: opbase.PhaseRunning, SubPhase: string(m.Name()), SourceDevice: serial})
			res, err := m.Scan(ctx, serial)
			results[i] = res
			errs[i] = err
		}(i, m)
	}
	wg.Wait()

	var out []ScanResult
	for i, res := range results {
		if err := errs[i]; err != nil {
			e.op.AddError(fmt.Sprintf("Falha ao escanear modo %s", e.modes[i].Name()), serial, err)
			continue
		}
		out = append(out, res)
	}
	return out, nil
}

// ExecuteMode runs one mode's Execute step against a caller-approved item
// set (the scan/execute split lets a front-end show candidates before any
// deletion happens).
func (e *Engine) ExecuteMode(ctx context.Context, serial string, name ModeName, items []model.CleanupItem) (ExecResult, error) {
	for _, m := range e.modes {
		if m.Name() == name {
			return m.Execute(ctx, serial, items)
		}
	}
	return ExecResult{}, fmt.Errorf("cleanup: unknown mode %q", name)
}

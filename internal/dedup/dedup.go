// Package dedup implements the Dedup Engine (L3b): a five-stage funnel that
// narrows a candidate set of remote media files down to confirmed
// byte-identical duplicate groups, then applies a deterministic keep-policy
// to choose which copy survives (SPEC_FULL.md §3.5). Each stage is
// deliberately coarser-to-finer and cheaper-to-more-expensive, so a
// candidate is only put through an expensive full-file comparison once
// every cheaper signal already agrees it might be a duplicate.
package dedup

import (
	"context"
	"time"

	"github.com/fly-sync/devicecore/internal/bridge"
	"github.com/fly-sync/devicecore/internal/model"
	"github.com/fly-sync/devicecore/internal/opbase"
)

// ShellRunner is the subset of the Shell Bridge stage 1's candidate scan
// needs.
type ShellRunner interface {
	RunShell(ctx context.Context, command, serial string, timeout time.Duration) (string, error)
}

// Candidate is one file under consideration, carried through every stage of
// the funnel so later stages never need to re-derive size or path.
type Candidate struct {
	Path      string
	SizeBytes int64
}

// DefaultMediaExtensions is the extension set stage 1 restricts candidate
// discovery to (spec.md §4.5: "media extensions only").
var DefaultMediaExtensions = []string{
	".jpg", ".jpeg", ".png", ".gif", ".webp", ".heic",
	".mp4", ".mov", ".mkv", ".avi", ".3gp",
	".mp3", ".m4a", ".ogg", ".wav", ".flac",
}

// Options configures one funnel run.
type Options struct {
	// Roots are the remote directories scanned for candidates.
	Roots []string
	// MinSizeBytes is the minimum file size to consider (spec.md §4.5's
	// "above a minimum size threshold").
	MinSizeBytes int64
	// Extensions restricts candidates by suffix; DefaultMediaExtensions
	// when empty.
	Extensions []string
	// DryRun reports what would be deleted without invoking removal.
	DryRun bool
}

// PreventedFalsePositive records a stage-4 spot-check mismatch: a file that
// every hash stage agreed looked like a duplicate, but a byte-level
// comparison proved wasn't (spec.md §4.5 stage 4).
type PreventedFalsePositive struct {
	Path   string
	Window string
}

// Result is the funnel's final output: every confirmed duplicate group
// (with its chosen original) plus everything stage 4 saved from wrongful
// deletion.
type Result struct {
	Groups                  []model.DedupGroup
	PreventedFalsePositives []PreventedFalsePositive
	DeletedCount            int
}

// Engine runs the five-stage funnel against one device.
type Engine struct {
	op     *opbase.Operation
	bridge *bridge.Bridge
}

// NewEngine constructs a Engine.
func NewEngine(op *opbase.Operation, br *bridge.Bridge) *Engine {
	return &Engine{op: op, bridge: br}
}

// Run executes the full five-stage funnel against serial and returns the
// confirmed duplicate groups, deleting every non-original path unless
// opts.DryRun is set.
func (e *Engine) Run(ctx context.Context, serial string, opts Options) (Result, error) {
	defer e.op.Finish()

	extensions := opts.Extensions
	if len(extensions) == 0 {
		extensions = DefaultMediaExtensions
	}

	e.op.Emit(opbase.Progress{Phase: opbase.PhaseRunning, SubPhase: "stage1-size", SourceDevice: serial, Percent: 0})
	candidates, err := e.scanCandidates(ctx, serial, opts.Roots, opts.MinSizeBytes, extensions)
	if err != nil {
		return Result{}, err
	}
	sizeByPath := make(map[string]int64, len(candidates))
	for _, c := range candidates {
		sizeByPath[c.Path] = c.SizeBytes
	}
	sizeGroups := groupBySize(candidates)
	e.op.Emit(opbase.Progress{Phase: opbase.PhaseRunning, SubPhase: "stage1-size", SourceDevice: serial, Percent: 15})

	e.op.Emit(opbase.Progress{Phase: opbase.PhaseRunning, SubPhase: "stage2-partial-hash", SourceDevice: serial, Percent: 15})
	partialGroups, err := e.stagePartialHash(ctx, serial, sizeGroups)
	if err != nil {
		return Result{}, err
	}
	e.op.Emit(opbase.Progress{Phase: opbase.PhaseRunning, SubPhase: "stage2-partial-hash", SourceDevice: serial, Percent: 35})

	e.op.Emit(opbase.Progress{Phase: opbase.PhaseRunning, SubPhase: "stage3-full-hash", SourceDevice: serial, Percent: 35})
	fullGroups, err := e.stageFullHash(ctx, serial, partialGroups)
	if err != nil {
		return Result{}, err
	}
	e.op.Emit(opbase.Progress{Phase: opbase.PhaseRunning, SubPhase: "stage3-full-hash", SourceDevice: serial, Percent: 60})

	e.op.Emit(opbase.Progress{Phase: opbase.PhaseRunning, SubPhase: "stage4-spot-check", SourceDevice: serial, Percent: 60})
	confirmedGroups, prevented, err := e.stageSpotCheck(ctx, serial, fullGroups)
	if err != nil {
		return Result{}, err
	}
	e.op.Emit(opbase.Progress{Phase: opbase.PhaseRunning, SubPhase: "stage4-spot-check", SourceDevice: serial, Percent: 85})

	e.op.Emit(opbase.Progress{Phase: opbase.PhaseRunning, SubPhase: "stage5-keep-policy", SourceDevice: serial, Percent: 85})
	result := Result{PreventedFalsePositives: prevented}
	var toDelete []string
	for _, group := range confirmedGroups {
		if len(group) < 2 {
			continue
		}
		original, rest := chooseOriginal(group)
		result.Groups = append(result.Groups, model.DedupGroup{
			Paths: append([]string{original}, rest...), Original: original,
			SizeBytes: sizeByPath[original],
		})
		toDelete = append(toDelete, rest...)
	}

	if !opts.DryRun && len(toDelete) > 0 {
		if err := batchDelete(ctx, e.bridge, serial, toDelete, 40); err != nil {
			return result, err
		}
	}
	result.DeletedCount = len(toDelete)
	if opts.DryRun {
		result.DeletedCount = 0
	}

	e.op.Emit(opbase.Progress{Phase: opbase.PhaseRunning, SubPhase: "stage5-keep-policy", SourceDevice: serial, Percent: 100})
	return result, nil
}

package cleanup

import (
	"context"
	"fmt"

	"github.com/fly-sync/devicecore/internal/model"
)

// DuplicatesRunner is the subset of dedup.Engine the duplicates mode
// delegates scanning to — restricted to media-heavy directories, run in
// dry-run mode so Scan only reports candidates and never deletes on its
// own (spec.md §4.6: "duplicates delegates to the Dedup Engine").
type DuplicatesRunner interface {
	Run(ctx context.Context, serial string, roots []string) ([]model.DedupGroup, error)
}

// duplicateScanRoots restricts the duplicates mode to media-heavy
// directories rather than the whole filesystem, per spec.md §4.6.
var duplicateScanRoots = []string{"/sdcard/DCIM", "/sdcard/Pictures", "/sdcard/Movies", "/sdcard/WhatsApp"}

type duplicatesMode struct {
	runner DuplicatesRunner
	shell  ShellRunner
}

func (m *duplicatesMode) Name() ModeName { return ModeDuplicates }

func (m *duplicatesMode) Scan(ctx context.Context, serial string) (ScanResult, error) {
	groups, err := m.runner.Run(ctx, serial, duplicateScanRoots)
	if err != nil {
		return ScanResult{Mode: ModeDuplicates}, fmt.Errorf("cleanup: duplicates scan failed: %w", err)
	}

	var items []model.CleanupItem
	for _, g := range groups {
		for _, p := range g.Paths {
			if p == g.Original {
				continue
			}
			items = append(items, model.CleanupItem{Path: p, SizeBytes: g.SizeBytes, Type: model.CleanupItemFile, Detail: "duplicates", GroupTag: g.Original})
		}
	}
	return ScanResult{Mode: ModeDuplicates, Items: items, Estimate: estimateOf(items)}, nil
}

// Execute removes the caller-approved non-original paths in the same
// batch size the Dedup Engine's own stage 5 deletion uses.
func (m *duplicatesMode) Execute(ctx context.Context, serial string, items []model.CleanupItem) (ExecResult, error) {
	removed, freed, err := removeBatched(ctx, m.shell, serial, toTargets(items), 40, false)
	return ExecResult{Mode: ModeDuplicates, RemovedCount: removed, FreedBytes: freed}, err
}

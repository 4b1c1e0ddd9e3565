package cleanup

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fly-sync/devicecore/internal/model"
)

// orphanScanRoots are the subdirectory trees whose package-shaped children
// are checked for orphaned per-app data (spec.md §4.6).
var orphanScanRoots = []string{
	"/sdcard/Android/data",
	"/sdcard/Android/media",
	"/sdcard/Android/obb",
	"/data/data",
}

// orphanCanaries is the canary package set gate 3 checks for — packages
// that exist on every Android build short of a badly broken or
// deliberately stripped ROM (spec.md §4.6, gate 3).
var orphanCanaries = []string{
	"android",
	"com.android.settings",
	"com.android.systemui",
	"com.android.phone",
	"com.android.providers.settings",
}

// minPlausiblePackageCount is gate 2's floor (spec.md §4.6: "even stripped
// ROMs have more").
const minPlausiblePackageCount = 15

// packageLikeName matches reverse-domain-notation directory names
// (com.example.app) — the shape package data directories actually take.
var packageLikeName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*(\.[a-zA-Z][a-zA-Z0-9_]*)+$`)

type orphansMode struct {
	bridge Bridge
}

func (m *orphansMode) Name() ModeName { return ModeOrphans }

// gateOrphanPurge implements the five numbered checks of spec.md §4.6.
// A failed gate is reported as a named refusal reason, not an error — a
// safety refusal is a clean, error-free completion (spec.md §7).
func gateOrphanPurge(ctx context.Context, pl PackageLister, serial string) (installed []string, ok bool, reason string) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		installed, err = pl.ListPackages(ctx, serial, false)
		if err == nil && len(installed) > 0 {
			break
		}
	}
	if err != nil || len(installed) == 0 {
		return nil, false, "could not retrieve installed-packages list after 2 attempts"
	}

	if len(installed) < minPlausiblePackageCount {
		return nil, false, fmt.Sprintf("implausibly few installed packages (%d < %d)", len(installed), minPlausiblePackageCount)
	}

	installedSet := make(map[string]struct{}, len(installed))
	for _, p := range installed {
		installedSet[p] = struct{}{}
	}

	var canary string
	for _, c := range orphanCanaries {
		if _, ok := installedSet[c]; ok {
			canary = c
			break
		}
	}
	if canary == "" {
		return nil, false, "no canary package present in installed-packages list"
	}

	base, _, err := pl.PackageAPKPaths(ctx, serial, canary)
	if err != nil || base == "" {
		return nil, false, fmt.Sprintf("canary package %s did not resolve to a real APK path", canary)
	}

	return installed, true, ""
}

func (m *orphansMode) Scan(ctx context.Context, serial string) (ScanResult, error) {
	installed, ok, reason := gateOrphanPurge(ctx, m.bridge, serial)
	if !ok {
		return ScanResult{Mode: ModeOrphans, RefusalReason: reason}, nil
	}
	installedSet := make(map[string]struct{}, len(installed))
	for _, p := range installed {
		installedSet[p] = struct{}{}
	}

	var items []model.CleanupItem
	for _, root := range orphanScanRoots {
		out, err := m.bridge.RunShell(ctx, listChildDirsCommand(root), serial, 60*time.Second)
		if err != nil {
			return ScanResult{Mode: ModeOrphans}, fmt.Errorf("cleanup: orphans scan of %s failed: %w", root, err)
		}
		for _, child := range strings.Split(strings.TrimSpace(out), "\n") {
			child = strings.TrimSpace(child)
			if child == "" || !packageLikeName.MatchString(child) {
				continue
			}
			if _, stillInstalled := installedSet[child]; stillInstalled {
				continue
			}
			path := root + "/" + child
			items = append(items, model.CleanupItem{Path: path, Type: model.CleanupItemDir, Detail: "orphans:" + child})
		}
	}

	sized := sizeOrphanItems(ctx, m.bridge, serial, items)
	return ScanResult{Mode: ModeOrphans, Items: sized, Estimate: estimateOf(sized)}, nil
}

func sizeOrphanItems(ctx context.Context, sh ShellRunner, serial string, items []model.CleanupItem) []model.CleanupItem {
	if len(items) == 0 {
		return items
	}
	paths := make([]string, len(items))
	for i, it := range items {
		paths[i] = it.Path
	}
	out, err := sh.RunShell(ctx, statSizesCommand(paths), serial, 2*time.Minute)
	if err != nil {
		return items
	}
	sizes := parseStatSizeLines(out)
	for i := range items {
		items[i].SizeBytes = sizes[items[i].Path]
	}
	return items
}

func (m *orphansMode) Execute(ctx context.Context, serial string, items []model.CleanupItem) (ExecResult, error) {
	// Execute trusts the caller-approved item set rather than re-running the
	// gate: the gate protects against *discovering* false orphans, and by
	// the time Execute runs the caller has already reviewed the Scan result.
	removed, freed, err := removeBatched(ctx, m.bridge, serial, toTargets(items), 15, true)
	return ExecResult{Mode: ModeOrphans, RemovedCount: removed, FreedBytes: freed}, err
}

func listChildDirsCommand(root string) string {
	return fmt.Sprintf("find %s -mindepth 1 -maxdepth 1 -type d -printf '%%f\\n' 2>/dev/null", shellQuote(root))
}

package cleanup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fly-sync/devicecore/internal/model"
)

// defaultJunkScanRoots deliberately includes "/sdcard/Android/data" even
// though it's already nested under "/sdcard", since Android path-probing
// conventions scan high-value subtrees explicitly rather than assuming a
// single recursive pass reaches everything under heavier roots in time
// (spec.md §4.6). pathDedup collapses the resulting overlap before it can
// double-count an item found under both roots.
var defaultJunkScanRoots = []string{"/sdcard", "/sdcard/Android/data"}

// pathDedup merges per-root scan results by Path, preserving first-seen
// order, so a path reachable from more than one scan root (spec.md §4's
// "normalized by collapsing known-equivalent prefixes" invariant) is only
// counted once in Estimate/Execute.
type pathDedup struct {
	order []string
	sizes map[string]int64
}

func newPathDedup() *pathDedup {
	return &pathDedup{sizes: make(map[string]int64)}
}

func (d *pathDedup) add(sizes map[string]int64) {
	for path, size := range sizes {
		if _, seen := d.sizes[path]; !seen {
			d.order = append(d.order, path)
		}
		d.sizes[path] = size
	}
}

func (d *pathDedup) items(typ model.CleanupItemType, detail string) []model.CleanupItem {
	items := make([]model.CleanupItem, 0, len(d.order))
	for _, path := range d.order {
		items = append(items, model.CleanupItem{Path: path, SizeBytes: d.sizes[path], Type: typ, Detail: detail})
	}
	return items
}

// junkDirPatterns is the disjunction of -iname globs junk_dirs scans for
// (spec.md §4.6's "cache/preload/dump/log/thumb directories").
var junkDirPatterns = []string{"*cache*", "*preload*", "*dump*", "*log*", "*thumb*"}

type junkDirsMode struct {
	bridge ShellRunner
}

func (m *junkDirsMode) Name() ModeName { return ModeJunkDirs }

func (m *junkDirsMode) Scan(ctx context.Context, serial string) (ScanResult, error) {
	dedup := newPathDedup()
	for _, root := range defaultJunkScanRoots {
		cmd := findDirsCommand(root, junkDirPatterns)
		out, err := m.bridge.RunShell(ctx, cmd, serial, 2*time.Minute)
		if err != nil {
			return ScanResult{Mode: ModeJunkDirs}, fmt.Errorf("cleanup: junk_dirs scan of %s failed: %w", root, err)
		}
		dedup.add(parseStatSizeLines(out))
	}
	items := dedup.items(model.CleanupItemDir, "junk_dirs")
	return ScanResult{Mode: ModeJunkDirs, Items: items, Estimate: estimateOf(items)}, nil
}

func (m *junkDirsMode) Execute(ctx context.Context, serial string, items []model.CleanupItem) (ExecResult, error) {
	removed, freed, err := removeBatched(ctx, m.bridge, serial, toTargets(items), 20, true)
	return ExecResult{Mode: ModeJunkDirs, RemovedCount: removed, FreedBytes: freed}, err
}

// junkFileExtensions and junkFileNames are the exact junk_files vocabulary
// spec.md §4.6 specifies.
var junkFileExtensions = []string{".log", ".tmp", ".dmp", ".core", ".thumb"}
var junkFileNames = []string{"thumbs.db", "desktop.ini"}

type junkFilesMode struct {
	bridge ShellRunner
}

func (m *junkFilesMode) Name() ModeName { return ModeJunkFiles }

func (m *junkFilesMode) Scan(ctx context.Context, serial string) (ScanResult, error) {
	dedup := newPathDedup()
	for _, root := range defaultJunkScanRoots {
		cmd := findJunkFilesCommand(root)
		out, err := m.bridge.RunShell(ctx, cmd, serial, 2*time.Minute)
		if err != nil {
			return ScanResult{Mode: ModeJunkFiles}, fmt.Errorf("cleanup: junk_files scan of %s failed: %w", root, err)
		}
		dedup.add(parseStatSizeLines(out))
	}
	items := dedup.items(model.CleanupItemFile, "junk_files")
	return ScanResult{Mode: ModeJunkFiles, Items: items, Estimate: estimateOf(items)}, nil
}

func (m *junkFilesMode) Execute(ctx context.Context, serial string, items []model.CleanupItem) (ExecResult, error) {
	removed, freed, err := removeBatched(ctx, m.bridge, serial, toTargets(items), 50, false)
	return ExecResult{Mode: ModeJunkFiles, RemovedCount: removed, FreedBytes: freed}, err
}

// findDirsCommand builds a single `find -type d` invocation disjoining
// every -iname pattern, then stat-ing each surviving hit (spec.md §4.6:
// "find under each scan root with a disjunction of -iname patterns").
func findDirsCommand(root string, patterns []string) string {
	return fmt.Sprintf(
		"find %s -type d \\( %s \\) 2>/dev/null | while read -r f; do stat -c '%%s\t%%n' \"$f\" 2>/dev/null; done",
		shellQuote(root), inameDisjunction(patterns),
	)
}

func findJunkFilesCommand(root string) string {
	var clauses []string
	for _, ext := range junkFileExtensions {
		clauses = append(clauses, "-iname "+shellQuote("*"+ext))
	}
	for _, name := range junkFileNames {
		clauses = append(clauses, "-iname "+shellQuote(name))
	}
	clauses = append(clauses, "-iname "+shellQuote("Thumbdata*"))
	return fmt.Sprintf(
		"find %s -type f \\( %s \\) 2>/dev/null | while read -r f; do stat -c '%%s\t%%n' \"$f\" 2>/dev/null; done",
		shellQuote(root), strings.Join(clauses, " -o "),
	)
}

func inameDisjunction(patterns []string) string {
	clauses := make([]string, len(patterns))
	for i, p := range patterns {
		clauses[i] = "-iname " + shellQuote(p)
	}
	return strings.Join(clauses, " -o ")
}

func estimateOf(items []model.CleanupItem) Estimate {
	var size int64
	for _, it := range items {
		size += it.SizeBytes
	}
	return Estimate{ItemCount: len(items), SizeBytes: size}
}

func toTargets(items []model.CleanupItem) []cleanupTarget {
	out := make([]cleanupTarget, len(items))
	for i, it := range items {
		out[i] = cleanupTarget{Path: it.Path, SizeBytes: it.SizeBytes}
	}
	return out
}

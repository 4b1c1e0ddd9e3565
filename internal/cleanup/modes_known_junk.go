package cleanup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fly-sync/devicecore/internal/model"
)

// knownJunkPaths is the hard-coded always-safe-to-remove path list spec.md
// §4.6 names: tombstones, ANR traces, LOST.DIR entries, dump directories.
var knownJunkPaths = []string{
	"/data/tombstones",
	"/data/anr/traces.txt",
	"/data/anr",
	"/sdcard/LOST.DIR",
	"/data/system/dropbox",
	"/sdcard/.thumbnails",
}

type knownJunkMode struct {
	bridge ShellRunner
}

func (m *knownJunkMode) Name() ModeName { return ModeKnownJunk }

// Scan probes every known-junk path with a single combined shell
// invocation (mirroring the Device Explorer's probe-and-parse idiom) and
// sizes only the paths that actually exist.
func (m *knownJunkMode) Scan(ctx context.Context, serial string) (ScanResult, error) {
	out, err := m.bridge.RunShell(ctx, probeKnownJunkCommand(knownJunkPaths), serial, 60*time.Second)
	if err != nil {
		return ScanResult{Mode: ModeKnownJunk}, fmt.Errorf("cleanup: known_junk probe failed: %w", err)
	}
	present := parseFoundPaths(out)
	if len(present) == 0 {
		return ScanResult{Mode: ModeKnownJunk}, nil
	}

	sizeOut, err := m.bridge.RunShell(ctx, statSizesCommand(present), serial, 2*time.Minute)
	if err != nil {
		return ScanResult{Mode: ModeKnownJunk}, fmt.Errorf("cleanup: known_junk sizing failed: %w", err)
	}
	sizes := parseStatSizeLines(sizeOut)

	var items []model.CleanupItem
	for _, p := range present {
		items = append(items, model.CleanupItem{Path: p, SizeBytes: sizes[p], Type: typeOfKnownJunk(p), Detail: "known_junk"})
	}
	return ScanResult{Mode: ModeKnownJunk, Items: items, Estimate: estimateOf(items)}, nil
}

func (m *knownJunkMode) Execute(ctx context.Context, serial string, items []model.CleanupItem) (ExecResult, error) {
	removed, freed, err := removeBatched(ctx, m.bridge, serial, toTargets(items), len(items)+1, true)
	return ExecResult{Mode: ModeKnownJunk, RemovedCount: removed, FreedBytes: freed}, err
}

func typeOfKnownJunk(path string) model.CleanupItemType {
	if strings.HasSuffix(path, ".txt") {
		return model.CleanupItemFile
	}
	return model.CleanupItemDir
}

// probeKnownJunkCommand joins one `test -e X && echo FOUND:X` clause per
// candidate with `;`, the same combined-probe idiom the Device Explorer's
// PathResolver uses.
func probeKnownJunkCommand(paths []string) string {
	clauses := make([]string, len(paths))
	for i, p := range paths {
		clauses[i] = fmt.Sprintf("test -e %s && echo FOUND:%s", shellQuote(p), p)
	}
	return strings.Join(clauses, " ; ")
}

func parseFoundPaths(out string) []string {
	var found []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if path, ok := strings.CutPrefix(line, "FOUND:"); ok && path != "" {
			found = append(found, path)
		}
	}
	return found
}

func statSizesCommand(paths []string) string {
	clauses := make([]string, len(paths))
	for i, p := range paths {
		clauses[i] = fmt.Sprintf("stat -c '%%s\t%%n' %s 2>/dev/null", shellQuote(p))
	}
	return strings.Join(clauses, " ; ")
}

package transfer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fly-sync/devicecore/internal/model"
)

// ShellRunner is the subset of the Shell Bridge the Indexer needs.
type ShellRunner interface {
	RunShell(ctx context.Context, command, serial string, timeout time.Duration) (string, error)
}

// Indexer enumerates remote files under a root path using a single
// find+stat shell pipeline, falling back to a per-subdirectory recursive
// scan with a decrementing depth budget when the combined pipeline returns
// nothing for a root that a shallow count shows is non-empty (spec.md §3's
// adaptive indexing requirement — busybox `find` builds on some devices
// don't support `-printf`, silently returning no rows instead of erroring).
type Indexer struct {
	shell ShellRunner

	// MaxRecursionDepth bounds the subdirectory-split fallback so a
	// pathological tree can't recurse indefinitely.
	MaxRecursionDepth int

	// IndexTimeout bounds each shell invocation.
	IndexTimeout time.Duration
}

// NewIndexer constructs an Indexer with the default depth budget and
// timeout spec.md §3 implies for a potentially slow on-device find.
func NewIndexer(shell ShellRunner) *Indexer {
	return &Indexer{shell: shell, MaxRecursionDepth: 6, IndexTimeout: 2 * time.Minute}
}

// Index walks root on serial, applying filter (if non-nil) to each
// discovered path, and returns every matching file with its size.
func (idx *Indexer) Index(ctx context.Context, serial, root string, filter Filter) ([]model.FileEntry, error) {
	entries, err := idx.findAndStat(ctx, serial, root)
	if err != nil {
		return nil, err
	}

	if len(entries) == 0 {
		if nonEmpty, countErr := idx.hasAnyFile(ctx, serial, root); countErr == nil && nonEmpty {
			entries, err = idx.recursiveFallback(ctx, serial, root, idx.MaxRecursionDepth)
			if err != nil {
				return nil, err
			}
		}
	}

	if filter == nil {
		return entries, nil
	}
	var filtered []model.FileEntry
	for _, e := range entries {
		if filter(e.RemotePath) {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

// findAndStat runs a single `find <root> -type f` piped through a per-file
// stat call, producing "<size>\t<path>" lines. This is the fast path used
// when the device's find/stat builds support it.
func (idx *Indexer) findAndStat(ctx context.Context, serial, root string) ([]model.FileEntry, error) {
	cmd := fmt.Sprintf(
		"find %s -type f 2>/dev/null | while read -r f; do stat -c '%%s\t%%n' \"$f\" 2>/dev/null; done",
		shellQuotePath(root),
	)
	out, err := idx.shell.RunShell(ctx, cmd, serial, idx.IndexTimeout)
	if err != nil {
		return nil, fmt.Errorf("transfer: index scan of %s failed: %w", root, err)
	}
	return parseStatLines(out), nil
}

// hasAnyFile runs a cheap bounded probe (first match only) to distinguish
// "genuinely empty directory" from "find/stat pipeline produced no usable
// output" — the signal that triggers recursiveFallback.
func (idx *Indexer) hasAnyFile(ctx context.Context, serial, root string) (bool, error) {
	cmd := fmt.Sprintf("find %s -type f 2>/dev/null | head -n 1 | wc -l", shellQuotePath(root))
	out, err := idx.shell.RunShell(ctx, cmd, serial, idx.IndexTimeout)
	if err != nil {
		return false, fmt.Errorf("transfer: probe of %s failed: %w", root, err)
	}
	count, convErr := strconv.Atoi(strings.TrimSpace(out))
	return convErr == nil && count > 0, nil
}

// recursiveFallback lists immediate subdirectories of root and indexes each
// independently, one find+stat pipeline per subdirectory, decrementing the
// remaining depth budget. This bounds the damage a broken combined pipeline
// does: each subtree gets its own chance to produce usable stat output.
func (idx *Indexer) recursiveFallback(ctx context.Context, serial, root string, depthBudget int) ([]model.FileEntry, error) {
	if depthBudget <= 0 {
		return nil, nil
	}

	cmd := fmt.Sprintf("find %s -mindepth 1 -maxdepth 1 -type d 2>/dev/null", shellQuotePath(root))
	out, err := idx.shell.RunShell(ctx, cmd, serial, idx.IndexTimeout)
	if err != nil {
		return nil, fmt.Errorf("transfer: subdirectory listing of %s failed: %w", root, err)
	}

	var all []model.FileEntry
	for _, dir := range splitNonEmptyLines(out) {
		entries, err := idx.findAndStat(ctx, serial, dir)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			nested, err := idx.recursiveFallback(ctx, serial, dir, depthBudget-1)
			if err != nil {
				return nil, err
			}
			entries = nested
		}
		all = append(all, entries...)
	}
	return all, nil
}

func parseStatLines(out string) []model.FileEntry {
	var entries []model.FileEntry
	for _, line := range splitNonEmptyLines(out) {
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		size, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, model.FileEntry{RemotePath: parts[1], SizeBytes: size})
	}
	return entries
}

func splitNonEmptyLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func shellQuotePath(p string) string {
	return "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
}

package cleanup

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

func shellQuote(p string) string {
	return "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
}

func shellQuoteAll(paths []string) string {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = shellQuote(p)
	}
	return strings.Join(quoted, " ")
}

// removeBatched runs `rm -rf`/`rm -f` (recursive controls whether -r is
// added) in batches of batchSize paths per invocation, summing bytes freed
// from the pre-computed sizes map. A batch failure is recorded but does not
// abort the remaining batches (spec.md §7's "maximum data recovered").
func removeBatched(ctx context.Context, sh ShellRunner, serial string, items []cleanupTarget, batchSize int, recursive bool) (removed int, freed int64, firstErr error) {
	flag := "-f"
	if recursive {
		flag = "-rf"
	}
	for start := 0; start < len(items); start += batchSize {
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]
		paths := make([]string, len(batch))
		for i, it := range batch {
			paths[i] = it.Path
		}
		cmd := "rm " + flag + " " + shellQuoteAll(paths)
		if _, err := sh.RunShell(ctx, cmd, serial, 2*time.Minute); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("cleanup: batch removal failed: %w", err)
			}
			continue
		}
		for _, it := range batch {
			removed++
			freed += it.SizeBytes
		}
	}
	return removed, freed, firstErr
}

// cleanupTarget is the minimal shape removeBatched needs, satisfied by
// model.CleanupItem.
type cleanupTarget struct {
	Path      string
	SizeBytes int64
}

// parseStatSizeLines parses `stat -c '%s\t%n'`-style output into a
// path→size map, silently discarding malformed lines.
func parseStatSizeLines(out string) map[string]int64 {
	sizes := map[string]int64{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		size, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
		if err != nil {
			continue
		}
		sizes[parts[1]] = size
	}
	return sizes
}

func duSizeCommand(path string) string {
	return "du -sk " + shellQuote(path) + " 2>/dev/null | cut -f1"
}

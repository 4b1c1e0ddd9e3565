package dedup

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fly-sync/devicecore/internal/bridge"
)

// messagingTimestampPattern matches messaging-app saved-media names like
// "IMG-20230416-WA0030.jpg": a date prefix and a sequence number (spec.md
// §4.5 stage 5, rule 1).
var messagingTimestampPattern = regexp.MustCompile(`(?i)^(?:IMG|VID|AUD)-(\d{8})-WA(\d+)`)

// genericTimestampPattern matches a generic "YYYYMMDD_HHMMSS" style name
// (spec.md §4.5 stage 5, rule 2).
var genericTimestampPattern = regexp.MustCompile(`(\d{8})_(\d{6})`)

// keepRank is the sort key stage 5's total order reduces to: lower Tier
// wins; within a tier, lower DateKey/SeqKey wins (earlier capture date is
// treated as the original); ties fall through to shallowest path depth,
// shortest filename, then lexicographically lowest path.
type keepRank struct {
	Path    string
	Tier    int
	DateKey string
	SeqKey  int
	Depth   int
	NameLen int
}

func rankOf(p string) keepRank {
	name := path.Base(p)
	r := keepRank{
		Path:    p,
		Tier:    2,
		Depth:   strings.Count(p, "/"),
		NameLen: len(name),
	}
	if m := messagingTimestampPattern.FindStringSubmatch(name); m != nil {
		r.Tier = 0
		r.DateKey = m[1]
		if seq, err := strconv.Atoi(m[2]); err == nil {
			r.SeqKey = seq
		}
		return r
	}
	if m := genericTimestampPattern.FindStringSubmatch(name); m != nil {
		r.Tier = 1
		r.DateKey = m[1] + m[2]
		return r
	}
	return r
}

// chooseOriginal applies spec.md §4.5 stage 5's total order to a confirmed
// duplicate set and returns the chosen original plus every other path, in
// no particular order.
func chooseOriginal(paths []string) (original string, rest []string) {
	ranks := make([]keepRank, len(paths))
	for i, p := range paths {
		ranks[i] = rankOf(p)
	}
	sort.Slice(ranks, func(i, j int) bool {
		a, b := ranks[i], ranks[j]
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		if a.DateKey != b.DateKey {
			return a.DateKey < b.DateKey
		}
		if a.SeqKey != b.SeqKey {
			return a.SeqKey < b.SeqKey
		}
		if a.Depth != b.Depth {
			return a.Depth < b.Depth
		}
		if a.NameLen != b.NameLen {
			return a.NameLen < b.NameLen
		}
		return a.Path < b.Path
	})

	original = ranks[0].Path
	rest = make([]string, 0, len(ranks)-1)
	for _, r := range ranks[1:] {
		rest = append(rest, r.Path)
	}
	return original, rest
}

// batchDelete removes paths in batches of batchSize via `rm -f` per
// invocation (spec.md §4.5's closing step).
func batchDelete(ctx context.Context, br *bridge.Bridge, serial string, paths []string, batchSize int) error {
	for start := 0; start < len(paths); start += batchSize {
		end := start + batchSize
		if end > len(paths) {
			end = len(paths)
		}
		batch := paths[start:end]
		cmd := "rm -f " + shellQuoteAll(batch)
		if _, err := br.RunShell(ctx, cmd, serial, 2*time.Minute); err != nil {
			return fmt.Errorf("dedup: batch delete failed: %w", err)
		}
	}
	return nil
}

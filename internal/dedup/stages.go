package dedup

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/immutable"
)

const (
	partialHashWindow    = 4096
	partialHashFullUnder = 8192
	spotCheckSkipUnder   = 32 * 1024
	spotCheckFullUnder   = 2 * 1024 * 1024
	spotCheckWindowSize  = 512
	spotCheckRandomSamples = 3
	fullHashBatchSize    = 30
)

// scanCandidates indexes Roots for files matching Extensions and at least
// MinSizeBytes, the same combined find+stat shell idiom the Transfer
// Pipeline's indexer uses, restricted here to the media-file vocabulary
// stage 1 requires.
func (e *Engine) scanCandidates(ctx context.Context, serial string, roots []string, minSize int64, extensions []string) ([]Candidate, error) {
	if len(roots) == 0 {
		roots = []string{"/sdcard"}
	}

	var all []Candidate
	for _, root := range roots {
		cmd := fmt.Sprintf(
			"find %s -type f 2>/dev/null | while read -r f; do stat -c '%%s\t%%n' \"$f\" 2>/dev/null; done",
			shellQuote(root),
		)
		out, err := e.bridge.RunShell(ctx, cmd, serial, 2*time.Minute)
		if err != nil {
			return nil, fmt.Errorf("dedup: candidate scan of %s failed: %w", root, err)
		}
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
			if err != nil || size < minSize {
				continue
			}
			if !hasMediaExtension(parts[1], extensions) {
				continue
			}
			all = append(all, Candidate{Path: parts[1], SizeBytes: size})
		}
	}
	return all, nil
}

func hasMediaExtension(path string, extensions []string) bool {
	lower := strings.ToLower(path)
	for _, ext := range extensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// groupBySize is stage 1: group candidates by exact byte size using an
// immutable.Map so each insertion produces a new persistent snapshot rather
// than mutating shared state, then discard any size-group of cardinality 1
// (spec.md §4.5 stage 1 — files of unique size cannot be duplicates).
func groupBySize(candidates []Candidate) [][]Candidate {
	groups := immutable.NewMap[string, []Candidate](nil)
	for _, c := range candidates {
		key := strconv.FormatInt(c.SizeBytes, 10)
		existing, _ := groups.Get(key)
		groups = groups.Set(key, append(existing, c))
	}
	return survivingGroups(groups)
}

func survivingGroups(groups *immutable.Map[string, []Candidate]) [][]Candidate {
	var out [][]Candidate
	itr := groups.Iterator()
	for !itr.Done() {
		_, group, _ := itr.Next()
		if len(group) > 1 {
			out = append(out, group)
		}
	}
	return out
}

// stagePartialHash is stage 2: for each candidate in a surviving size-group,
// compute SHA-256 over head[0:4096] + tail[size-4096:size] (full-file hash
// for files under 8192 bytes), then regroup by (size, partial-hash) and
// discard singletons.
func (e *Engine) stagePartialHash(ctx context.Context, serial string, sizeGroups [][]Candidate) ([][]Candidate, error) {
	var survivors [][]Candidate
	for _, group := range sizeGroups {
		keyed := immutable.NewMap[string, []Candidate](nil)
		for _, c := range group {
			hash, err := e.partialHash(ctx, serial, c)
			if err != nil {
				e.op.AddError("Falha ao calcular hash parcial", c.Path, err)
				continue
			}
			key := strconv.FormatInt(c.SizeBytes, 10) + ":" + hash
			existing, _ := keyed.Get(key)
			keyed = keyed.Set(key, append(existing, c))
		}
		survivors = append(survivors, survivingGroups(keyed)...)
	}
	return survivors, nil
}

// partialHash runs a single shell invocation that extracts the requested
// byte window(s) on-device via dd and pipes them through sha256sum, so the
// hash is computed without pulling the full file back to the host.
func (e *Engine) partialHash(ctx context.Context, serial string, c Candidate) (string, error) {
	var cmd string
	if c.SizeBytes < partialHashFullUnder {
		cmd = "sha256sum " + shellQuote(c.Path) + " 2>/dev/null | cut -d' ' -f1"
	} else {
		tailSkip := c.SizeBytes - partialHashWindow
		cmd = fmt.Sprintf(
			"{ dd if=%s bs=1 count=%d 2>/dev/null; dd if=%s bs=1 skip=%d count=%d 2>/dev/null; } | sha256sum | cut -d' ' -f1",
			shellQuote(c.Path), partialHashWindow, shellQuote(c.Path), tailSkip, partialHashWindow,
		)
	}
	out, err := e.bridge.RunShell(ctx, cmd, serial, 60*time.Second)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// stageFullHash is stage 3: compute full-file SHA-256 for every survivor via
// batched `sha256sum` invocations of up to 30 paths, regroup by hash, and
// discard singletons.
func (e *Engine) stageFullHash(ctx context.Context, serial string, partialGroups [][]Candidate) ([][]string, error) {
	var survivors [][]string
	for _, group := range partialGroups {
		sums := make(map[string]string, len(group))
		for start := 0; start < len(group); start += fullHashBatchSize {
			end := start + fullHashBatchSize
			if end > len(group) {
				end = len(group)
			}
			batch := group[start:end]
			paths := make([]string, len(batch))
			for i, c := range batch {
				paths[i] = c.Path
			}
			cmd := "sha256sum " + shellQuoteAll(paths) + " 2>/dev/null"
			out, err := e.bridge.RunShell(ctx, cmd, serial, 2*time.Minute)
			if err != nil {
				e.op.AddError("Falha ao calcular hash completo em lote", serial, err)
				continue
			}
			for path, hash := range parseSha256sumOutput(out) {
				sums[path] = hash
			}
		}

		keyed := immutable.NewMap[string, []string](nil)
		for _, c := range group {
			hash, ok := sums[c.Path]
			if !ok {
				continue
			}
			existing, _ := keyed.Get(hash)
			keyed = keyed.Set(hash, append(existing, c.Path))
		}
		itr := keyed.Iterator()
		for !itr.Done() {
			_, paths, _ := itr.Next()
			if len(paths) > 1 {
				survivors = append(survivors, paths)
			}
		}
	}
	return survivors, nil
}

func parseSha256sumOutput(out string) map[string]string {
	sums := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "  ", 2)
		if len(fields) != 2 {
			fields = strings.Fields(line)
			if len(fields) != 2 {
				continue
			}
		}
		sums[strings.TrimSpace(fields[1])] = strings.TrimSpace(fields[0])
	}
	return sums
}

// stageSpotCheck is stage 4: trust the hash outright for files under 32KB,
// run a full byte-for-byte compare for files under 2MB, and for larger
// files sample head/tail plus three random interior windows — pulling each
// tiny window locally rather than shelling out to `cmp` against a
// process-substitution pipe, which isn't portable across device shells.
// Any window mismatch removes that candidate from the group and is
// recorded as a prevented false positive.
func (e *Engine) stageSpotCheck(ctx context.Context, serial string, fullGroups [][]string) ([][]string, []PreventedFalsePositive, error) {
	var confirmed [][]string
	var prevented []PreventedFalsePositive

	for _, group := range fullGroups {
		if len(group) < 2 {
			continue
		}
		reference := group[0]
		size, err := e.remoteFileSize(ctx, serial, reference)
		if err != nil {
			e.op.AddError("Falha ao obter tamanho do arquivo de referencia", reference, err)
			continue
		}

		survivors := []string{reference}
		for _, candidate := range group[1:] {
			ok, window, err := e.spotCheck(ctx, serial, reference, candidate, size)
			if err != nil {
				e.op.AddError("Falha na verificacao byte a byte", candidate, err)
				continue
			}
			if !ok {
				prevented = append(prevented, PreventedFalsePositive{Path: candidate, Window: window})
				continue
			}
			survivors = append(survivors, candidate)
		}
		if len(survivors) > 1 {
			confirmed = append(confirmed, survivors)
		}
	}
	return confirmed, prevented, nil
}

func (e *Engine) remoteFileSize(ctx context.Context, serial, path string) (int64, error) {
	out, err := e.bridge.RunShell(ctx, "stat -c '%s' "+shellQuote(path)+" 2>/dev/null", serial, 30*time.Second)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(out), 10, 64)
}

// spotCheck returns whether candidate is confirmed identical to reference,
// and if not, which window first disagreed.
func (e *Engine) spotCheck(ctx context.Context, serial, reference, candidate string, size int64) (bool, string, error) {
	if size < spotCheckSkipUnder {
		return true, "", nil
	}
	if size < spotCheckFullUnder {
		equal, err := e.compareFull(ctx, serial, reference, candidate)
		if err != nil {
			return false, "", err
		}
		return equal, "full", nil
	}

	windows := []struct {
		name string
		skip int64
	}{
		{"head", 0},
		{"tail", size - spotCheckWindowSize},
	}
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < spotCheckRandomSamples; i++ {
		maxSkip := size - spotCheckWindowSize
		if maxSkip < 0 {
			maxSkip = 0
		}
		windows = append(windows, struct {
			name string
			skip int64
		}{fmt.Sprintf("random-%d", i), rnd.Int63n(maxSkip + 1)})
	}

	for _, w := range windows {
		equal, err := e.compareWindow(ctx, serial, reference, candidate, w.skip, spotCheckWindowSize)
		if err != nil {
			return false, "", err
		}
		if !equal {
			return false, w.name, nil
		}
	}
	return true, "", nil
}

// compareFull runs `cmp -s` between two remote paths directly on-device.
// The Shell Bridge's RunShell discards the remote command's own exit
// status, so the exit code is echoed into stdout and parsed back out
// rather than inferred from the Go-level error (which only reflects a
// failure to launch the bridge binary itself or a timeout).
func (e *Engine) compareFull(ctx context.Context, serial, a, b string) (bool, error) {
	cmd := fmt.Sprintf("cmp -s %s %s; echo $?", shellQuote(a), shellQuote(b))
	out, err := e.bridge.RunShell(ctx, cmd, serial, 2*time.Minute)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "0", nil
}

// compareWindow extracts a byte window from each remote file via dd into
// stdout and diffs the two windows locally, since neither remote shell is
// guaranteed to support <(...) process substitution.
func (e *Engine) compareWindow(ctx context.Context, serial, a, b string, skip int64, size int) (bool, error) {
	windowA, err := e.readRemoteWindow(ctx, serial, a, skip, size)
	if err != nil {
		return false, err
	}
	windowB, err := e.readRemoteWindow(ctx, serial, b, skip, size)
	if err != nil {
		return false, err
	}
	return bytes.Equal(windowA, windowB), nil
}

func (e *Engine) readRemoteWindow(ctx context.Context, serial, path string, skip int64, size int) ([]byte, error) {
	cmd := fmt.Sprintf("dd if=%s bs=1 skip=%d count=%d 2>/dev/null | base64", shellQuote(path), skip, size)
	out, err := e.bridge.RunShell(ctx, cmd, serial, 30*time.Second)
	if err != nil {
		return nil, err
	}
	return decodeBase64(strings.TrimSpace(out))
}

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

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

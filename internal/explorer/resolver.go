// Package explorer implements the Device Explorer (L3d): resolving
// well-known logical storage directories to their real on-device physical
// paths, and detecting messaging apps and high-value apps whose data isn't
// otherwise synced to the cloud (SPEC_FULL.md §3.7).
package explorer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ShellRunner is the subset of the Shell Bridge path resolution and app
// detection need.
type ShellRunner interface {
	RunShell(ctx context.Context, command, serial string, timeout time.Duration) (string, error)
}

// LogicalKey names a well-known logical storage location, independent of
// which physical path a given OEM/Android version actually uses for it.
type LogicalKey string

const (
	KeyInternalStorage LogicalKey = "internal_storage"
	KeyDCIM            LogicalKey = "dcim"
	KeyPictures        LogicalKey = "pictures"
	KeyDownloads       LogicalKey = "downloads"
	KeyDocuments       LogicalKey = "documents"
	KeyMovies          LogicalKey = "movies"
	KeyMusic           LogicalKey = "music"
	KeyExternalSD      LogicalKey = "external_sd"
)

// candidatePaths lists every physical path tried for a logical key, in
// priority order — first existing match wins (spec.md §4.7).
var candidatePaths = map[LogicalKey][]string{
	KeyInternalStorage: {"/sdcard", "/storage/emulated/0", "/storage/self/primary"},
	KeyDCIM:            {"/sdcard/DCIM", "/storage/emulated/0/DCIM"},
	KeyPictures:        {"/sdcard/Pictures", "/storage/emulated/0/Pictures"},
	KeyDownloads:       {"/sdcard/Download", "/storage/emulated/0/Download"},
	KeyDocuments:       {"/sdcard/Documents", "/storage/emulated/0/Documents"},
	KeyMovies:          {"/sdcard/Movies", "/storage/emulated/0/Movies"},
	KeyMusic:           {"/sdcard/Music", "/storage/emulated/0/Music"},
	KeyExternalSD:      {"/storage/sdcard1", "/storage/extSdCard", "/mnt/extSdCard"},
}

// PathResolver resolves LogicalKeys to their first-existing physical path
// on a given device, probing every candidate in one combined shell
// invocation and caching the result for the rest of the session.
type PathResolver struct {
	shell ShellRunner
	cache sync.Map // serial -> map[LogicalKey]string
}

// NewPathResolver constructs a PathResolver.
func NewPathResolver(shell ShellRunner) *PathResolver {
	return &PathResolver{shell: shell}
}

// Resolve returns the first-matching physical path for each requested key,
// probing the device only for keys not already cached this session.
func (r *PathResolver) Resolve(ctx context.Context, serial string, keys ...LogicalKey) (map[LogicalKey]string, error) {
	cached := r.cachedFor(serial)

	var toProbe []LogicalKey
	result := make(map[LogicalKey]string, len(keys))
	for _, k := range keys {
		if path, ok := cached[k]; ok {
			result[k] = path
			continue
		}
		toProbe = append(toProbe, k)
	}
	if len(toProbe) == 0 {
		return result, nil
	}

	out, err := r.shell.RunShell(ctx, probeCommand(toProbe), serial, 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("explorer: path probe failed: %w", err)
	}
	found := parseFoundKeyedPaths(out)
	for _, k := range toProbe {
		if path, ok := found[k]; ok {
			result[k] = path
			cached[k] = path
		}
	}
	r.cache.Store(serial, cached)
	return result, nil
}

func (r *PathResolver) cachedFor(serial string) map[LogicalKey]string {
	if v, ok := r.cache.Load(serial); ok {
		return v.(map[LogicalKey]string)
	}
	return map[LogicalKey]string{}
}

// probeCommand joins every candidate path's existence check into one `;`
// separated chain: `test -d X && echo FOUND:key:X`, first match per key
// wins since later clauses for an already-resolved key still run but are
// harmless (spec.md §4.7: "joining all checks with ; and parsing
// FOUND:<key>:<path> lines... first match wins per key").
func probeCommand(keys []LogicalKey) string {
	var clauses []string
	for _, k := range keys {
		for _, candidate := range candidatePaths[k] {
			clauses = append(clauses, fmt.Sprintf("test -d %s && echo FOUND:%s:%s", shellQuote(candidate), k, candidate))
		}
	}
	return strings.Join(clauses, " ; ")
}

func parseFoundKeyedPaths(out string) map[LogicalKey]string {
	found := map[LogicalKey]string{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(line, "FOUND:")
		if !ok {
			continue
		}
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := LogicalKey(parts[0])
		if _, already := found[key]; already {
			continue // first match per key wins
		}
		found[key] = parts[1]
	}
	return found
}

func shellQuote(p string) string {
	return "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
}

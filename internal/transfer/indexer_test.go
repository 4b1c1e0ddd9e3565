package transfer

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedShell answers RunShell by matching a command prefix, letting each
// test wire up exactly the find/stat/probe invocations it needs without a
// real device.
type scriptedShell struct {
	responses map[string]string
	calls     []string
}

func newScriptedShell() *scriptedShell {
	return &scriptedShell{responses: map[string]string{}}
}

func (s *scriptedShell) on(prefix, output string) {
	s.responses[prefix] = output
}

func (s *scriptedShell) RunShell(ctx context.Context, command, serial string, timeout time.Duration) (string, error) {
	s.calls = append(s.calls, command)
	for prefix, out := range s.responses {
		if strings.HasPrefix(command, prefix) {
			return out, nil
		}
	}
	return "", fmt.Errorf("scriptedShell: no response wired for %q", command)
}

func TestIndexFastPathParsesStatLines(t *testing.T) {
	shell := newScriptedShell()
	shell.on("find '/sdcard' -type f", "10\t/sdcard/a.txt\n20\t/sdcard/dir/b.txt\n")

	idx := NewIndexer(shell)
	entries, err := idx.Index(context.Background(), "serial1", "/sdcard", nil)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "/sdcard/a.txt", entries[0].RemotePath)
	assert.EqualValues(t, 10, entries[0].SizeBytes)
	assert.Equal(t, "/sdcard/dir/b.txt", entries[1].RemotePath)
	assert.EqualValues(t, 20, entries[1].SizeBytes)
}

func TestIndexAppliesFilter(t *testing.T) {
	shell := newScriptedShell()
	shell.on("find '/sdcard' -type f", "10\t/sdcard/cache/tmp.bin\n20\t/sdcard/DCIM/photo.jpg\n")

	idx := NewIndexer(shell)
	entries, err := idx.Index(context.Background(), "serial1", "/sdcard", NonRegenerable)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/sdcard/DCIM/photo.jpg", entries[0].RemotePath)
}

// TestIndexFallsBackWhenFastPathProducesNothing exercises the adaptive
// fallback: the combined find+stat pipeline returns empty for /broken even
// though the probe shows it's non-empty, so the indexer must split into
// subdirectories and retry each independently.
func TestIndexFallsBackWhenFastPathProducesNothing(t *testing.T) {
	shell := newScriptedShell()
	shell.on("find '/broken' -type f 2>/dev/null | while", "")
	shell.on("find '/broken' -type f 2>/dev/null | head", "1\n")
	shell.on("find '/broken' -mindepth 1 -maxdepth 1 -type d", "/broken/sub1\n/broken/sub2\n")
	shell.on("find '/broken/sub1' -type f", "5\t/broken/sub1/x.txt\n")
	shell.on("find '/broken/sub2' -type f", "7\t/broken/sub2/y.txt\n")

	idx := NewIndexer(shell)
	entries, err := idx.Index(context.Background(), "serial1", "/broken", nil)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var paths []string
	for _, e := range entries {
		paths = append(paths, e.RemotePath)
	}
	assert.ElementsMatch(t, []string{"/broken/sub1/x.txt", "/broken/sub2/y.txt"}, paths)
}

func TestIndexGenuinelyEmptyDirectoryReturnsNoEntries(t *testing.T) {
	shell := newScriptedShell()
	shell.on("find '/empty' -type f 2>/dev/null | while", "")
	shell.on("find '/empty' -type f 2>/dev/null | head", "0\n")

	idx := NewIndexer(shell)
	entries, err := idx.Index(context.Background(), "serial1", "/empty", nil)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecursiveFallbackRespectsDepthBudget(t *testing.T) {
	shell := newScriptedShell()
	shell.on("find '/deep' -type f 2>/dev/null | while", "")
	shell.on("find '/deep' -type f 2>/dev/null | head", "1\n")
	shell.on("find '/deep' -mindepth 1 -maxdepth 1 -type d", "/deep/a\n")
	shell.on("find '/deep/a' -type f", "")
	shell.on("find '/deep/a' -mindepth 1 -maxdepth 1 -type d", "/deep/a/b\n")
	shell.on("find '/deep/a/b' -type f", "3\t/deep/a/b/z.txt\n")

	idx := NewIndexer(shell)
	idx.MaxRecursionDepth = 6
	entries, err := idx.Index(context.Background(), "serial1", "/deep", nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/deep/a/b/z.txt", entries[0].RemotePath)
}

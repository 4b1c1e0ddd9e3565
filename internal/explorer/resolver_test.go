package explorer

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedShell struct {
	responses map[string]string
	calls     int
}

func newScriptedShell() *scriptedShell {
	return &scriptedShell{responses: map[string]string{}}
}

func (s *scriptedShell) on(prefix, out string) { s.responses[prefix] = out }

func (s *scriptedShell) RunShell(ctx context.Context, command, serial string, timeout time.Duration) (string, error) {
	s.calls++
	for prefix, out := range s.responses {
		if strings.HasPrefix(command, prefix) {
			return out, nil
		}
	}
	return "", fmt.Errorf("scriptedShell: no response wired for %q", command)
}

func TestResolveReturnsFirstMatchingCandidate(t *testing.T) {
	shell := newScriptedShell()
	shell.on("test -d '/sdcard' &&", "FOUND:internal_storage:/sdcard\n")

	r := NewPathResolver(shell)
	result, err := r.Resolve(context.Background(), "serial1", KeyInternalStorage)
	require.NoError(t, err)
	assert.Equal(t, "/sdcard", result[KeyInternalStorage])
}

func TestResolveCachesPerDeviceForTheSession(t *testing.T) {
	shell := newScriptedShell()
	shell.on("test -d '/sdcard' &&", "FOUND:internal_storage:/sdcard\n")

	r := NewPathResolver(shell)
	_, err := r.Resolve(context.Background(), "serial1", KeyInternalStorage)
	require.NoError(t, err)
	assert.Equal(t, 1, shell.calls)

	result, err := r.Resolve(context.Background(), "serial1", KeyInternalStorage)
	require.NoError(t, err)
	assert.Equal(t, "/sdcard", result[KeyInternalStorage])
	assert.Equal(t, 1, shell.calls, "second resolve for an already-cached key must not re-probe the device")
}

func TestResolveReturnsEmptyForUnresolvedKey(t *testing.T) {
	shell := newScriptedShell()
	shell.on("test -d", "")

	r := NewPathResolver(shell)
	result, err := r.Resolve(context.Background(), "serial1", KeyExternalSD)
	require.NoError(t, err)
	_, present := result[KeyExternalSD]
	assert.False(t, present)
}

func TestParseFoundKeyedPathsFirstMatchWinsPerKey(t *testing.T) {
	out := "FOUND:internal_storage:/sdcard\nFOUND:internal_storage:/storage/emulated/0\n"
	found := parseFoundKeyedPaths(out)
	assert.Equal(t, "/sdcard", found[KeyInternalStorage])
}

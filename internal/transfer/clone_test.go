package transfer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fly-sync/devicecore/internal/model"
)

func connectedDevice(serial string) model.Device {
	return model.Device{Serial: serial, State: model.StateConnected}
}

func TestValidateCloneDevicesRejectsSameDevice(t *testing.T) {
	d := connectedDevice("abc")
	err := validateCloneDevices(d, d)
	assert.Error(t, err)
}

func TestValidateCloneDevicesRejectsDisconnected(t *testing.T) {
	source := connectedDevice("source")
	target := model.Device{Serial: "target", State: model.StateOffline}
	assert.Error(t, validateCloneDevices(source, target))

	source.State = model.StateUnauthorized
	target.State = model.StateConnected
	assert.Error(t, validateCloneDevices(source, target))
}

func TestValidateCloneDevicesAcceptsTwoConnectedDistinctDevices(t *testing.T) {
	assert.NoError(t, validateCloneDevices(connectedDevice("source"), connectedDevice("target")))
}

func TestParseChecksumLinesParsesCoreutilsFormat(t *testing.T) {
	out := "deadbeef  /sdcard/a.txt\ncafef00d  /sdcard/dir/b.txt\n"
	sums := parseChecksumLines(out)
	assert.Equal(t, "deadbeef", sums["/sdcard/a.txt"])
	assert.Equal(t, "cafef00d", sums["/sdcard/dir/b.txt"])
}

func TestQuotePathsEscapesSingleQuotes(t *testing.T) {
	out := quotePaths([]string{"/sdcard/a b.txt", "/sdcard/it's.txt"})
	assert.Contains(t, out, `'/sdcard/a b.txt'`)
	assert.Contains(t, out, `it'\''s.txt`)
}

func TestSha256FileMatchesKnownDigest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	sum, err := sha256File(path)
	require.NoError(t, err)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", sum)
}

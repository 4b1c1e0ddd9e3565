package explorer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePackageLister struct {
	packages []string
}

func (f *fakePackageLister) ListPackages(ctx context.Context, serial string, thirdPartyOnly bool) ([]string, error) {
	return f.packages, nil
}

func TestMessagingEntryForKeyNormalizesCase(t *testing.T) {
	_, ok := messagingEntryForKey("WhatsApp")
	assert.True(t, ok)
	_, ok = messagingEntryForKey("whats_app")
	assert.True(t, ok)
	_, ok = messagingEntryForKey("not-a-real-app")
	assert.False(t, ok)
}

func TestMessagingAppDetectorProbesOnlyInstalledHits(t *testing.T) {
	packages := &fakePackageLister{packages: []string{"com.whatsapp"}}
	shell := newScriptedShell()
	shell.on("test -d '/sdcard/WhatsApp/Media'", "FOUND:whats_app:/sdcard/WhatsApp/Media\n")

	d := NewMessagingAppDetector(packages, shell)
	detected, err := d.Detect(context.Background(), "serial1")
	require.NoError(t, err)
	require.Len(t, detected, 1)
	assert.Equal(t, "com.whatsapp", detected[0].PackageID)
	assert.Equal(t, []string{"/sdcard/WhatsApp/Media"}, detected[0].MediaDirs)
}

func TestMessagingAppDetectorReturnsNoneWhenNothingInstalled(t *testing.T) {
	packages := &fakePackageLister{packages: []string{"com.some.other.app"}}
	shell := newScriptedShell()

	d := NewMessagingAppDetector(packages, shell)
	detected, err := d.Detect(context.Background(), "serial1")
	require.NoError(t, err)
	assert.Empty(t, detected)
	assert.Equal(t, 0, shell.calls, "no probe should run when no catalog package is installed")
}

package explorer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnsyncedAppDetectorMatchesHighValueCatalog(t *testing.T) {
	packages := &fakePackageLister{packages: []string{"com.authy.authy", "com.google.android.apps.photos"}}
	shell := newScriptedShell()

	d := NewUnsyncedAppDetector(packages, shell)
	apps, err := d.Scan(context.Background(), "serial1")
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, "com.authy.authy", apps[0].PackageID)
	assert.Equal(t, RiskCritical, apps[0].Risk)
}

func TestUnsyncedAppDetectorReportsUnknownAboveThreshold(t *testing.T) {
	packages := &fakePackageLister{packages: []string{"com.unknown.bigapp"}}
	shell := newScriptedShell()
	shell.on("du -sk /data/data/com.unknown.bigapp", "1024\t/data/data/com.unknown.bigapp\n")

	d := NewUnsyncedAppDetector(packages, shell)
	apps, err := d.Scan(context.Background(), "serial1")
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, RiskUnknown, apps[0].Risk)
	assert.EqualValues(t, 1024*1024, apps[0].SizeBytes)
}

func TestUnsyncedAppDetectorSkipsBelowThresholdAndCloudSynced(t *testing.T) {
	packages := &fakePackageLister{packages: []string{"com.unknown.tiny", "com.google.android.gm"}}
	shell := newScriptedShell()
	shell.on("du -sk /data/data/com.unknown.tiny", "10\t/data/data/com.unknown.tiny\n")

	d := NewUnsyncedAppDetector(packages, shell)
	apps, err := d.Scan(context.Background(), "serial1")
	require.NoError(t, err)
	assert.Empty(t, apps)
}

func TestUnsyncedAppDetectorSortsByRiskThenAlphabetically(t *testing.T) {
	packages := &fakePackageLister{packages: []string{
		"com.supercell.clashofclans", // low
		"com.authy.authy",            // critical
		"com.evernote",               // high
	}}
	shell := newScriptedShell()

	d := NewUnsyncedAppDetector(packages, shell)
	apps, err := d.Scan(context.Background(), "serial1")
	require.NoError(t, err)
	require.Len(t, apps, 3)
	assert.Equal(t, "com.authy.authy", apps[0].PackageID)
	assert.Equal(t, "com.evernote", apps[1].PackageID)
	assert.Equal(t, "com.supercell.clashofclans", apps[2].PackageID)
}

func TestDetectUnsyncedReturnsPlainPackageList(t *testing.T) {
	packages := &fakePackageLister{packages: []string{"com.authy.authy"}}
	shell := newScriptedShell()

	d := NewUnsyncedAppDetector(packages, shell)
	pkgs, err := d.DetectUnsynced(context.Background(), "serial1")
	require.NoError(t, err)
	assert.Equal(t, []string{"com.authy.authy"}, pkgs)
}

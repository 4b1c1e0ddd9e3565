package cleanup

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBridge answers RunShell by command-prefix match and ListPackages/
// PackageAPKPaths/TrimCaches from scripted fields, mirroring the
// scriptedShell pattern used for the Transfer Pipeline's Indexer tests.
type fakeBridge struct {
	shellResponses map[string]string
	packages       []string
	packagesErr    error
	apkPaths       map[string]string
	trimCalls      int
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{shellResponses: map[string]string{}, apkPaths: map[string]string{}}
}

func (f *fakeBridge) on(prefix, out string) { f.shellResponses[prefix] = out }

func (f *fakeBridge) RunShell(ctx context.Context, command, serial string, timeout time.Duration) (string, error) {
	for prefix, out := range f.shellResponses {
		if strings.HasPrefix(command, prefix) {
			return out, nil
		}
	}
	return "", fmt.Errorf("fakeBridge: no response wired for %q", command)
}

func (f *fakeBridge) ListPackages(ctx context.Context, serial string, thirdPartyOnly bool) ([]string, error) {
	return f.packages, f.packagesErr
}

func (f *fakeBridge) PackageAPKPaths(ctx context.Context, serial, pkg string) (string, []string, error) {
	if path, ok := f.apkPaths[pkg]; ok {
		return path, nil, nil
	}
	return "", nil, fmt.Errorf("no such package %q", pkg)
}

func (f *fakeBridge) TrimCaches(ctx context.Context, serial string, desiredFreeBytes int64) error {
	f.trimCalls++
	return nil
}

func manyPlausiblePackages() []string {
	pkgs := []string{"android", "com.android.settings", "com.android.systemui"}
	for i := 0; i < 20; i++ {
		pkgs = append(pkgs, fmt.Sprintf("com.example.app%d", i))
	}
	return pkgs
}

func TestGateOrphanPurgePassesWithPlausiblePackageSet(t *testing.T) {
	fb := newFakeBridge()
	fb.packages = manyPlausiblePackages()
	fb.apkPaths["android"] = "/system/framework/framework-res.apk"

	installed, ok, reason := gateOrphanPurge(context.Background(), fb, "serial1")
	require.True(t, ok, reason)
	assert.Len(t, installed, len(fb.packages))
}

func TestGateOrphanPurgeRejectsTooFewPackages(t *testing.T) {
	fb := newFakeBridge()
	fb.packages = []string{"android", "com.android.settings"}

	_, ok, reason := gateOrphanPurge(context.Background(), fb, "serial1")
	assert.False(t, ok)
	assert.Contains(t, reason, "implausibly few")
}

func TestGateOrphanPurgeRejectsMissingCanary(t *testing.T) {
	fb := newFakeBridge()
	for i := 0; i < 20; i++ {
		fb.packages = append(fb.packages, fmt.Sprintf("com.example.app%d", i))
	}

	_, ok, reason := gateOrphanPurge(context.Background(), fb, "serial1")
	assert.False(t, ok)
	assert.Contains(t, reason, "no canary")
}

func TestGateOrphanPurgeRejectsUnresolvableCanaryAPK(t *testing.T) {
	fb := newFakeBridge()
	fb.packages = manyPlausiblePackages()
	// apkPaths left empty: PackageAPKPaths will fail for every canary.

	_, ok, reason := gateOrphanPurge(context.Background(), fb, "serial1")
	assert.False(t, ok)
	assert.Contains(t, reason, "did not resolve")
}

func TestGateOrphanPurgeRejectsListFailure(t *testing.T) {
	fb := newFakeBridge()
	fb.packagesErr = fmt.Errorf("device offline")

	_, ok, reason := gateOrphanPurge(context.Background(), fb, "serial1")
	assert.False(t, ok)
	assert.Contains(t, reason, "could not retrieve")
}

func TestParseFoundPathsExtractsMarkedLines(t *testing.T) {
	out := "FOUND:/data/tombstones\nnoise\nFOUND:/sdcard/LOST.DIR\n"
	found := parseFoundPaths(out)
	assert.ElementsMatch(t, []string{"/data/tombstones", "/sdcard/LOST.DIR"}, found)
}

func TestParseStatSizeLinesDiscardsMalformedLines(t *testing.T) {
	out := "100\t/sdcard/a.txt\nmalformed-line\n200\t/sdcard/b.txt\n"
	sizes := parseStatSizeLines(out)
	assert.Equal(t, int64(100), sizes["/sdcard/a.txt"])
	assert.Equal(t, int64(200), sizes["/sdcard/b.txt"])
	assert.Len(t, sizes, 2)
}

func TestPackageLikeNameMatchesReverseDomainNotation(t *testing.T) {
	assert.True(t, packageLikeName.MatchString("com.example.app"))
	assert.True(t, packageLikeName.MatchString("com.whatsapp"))
	assert.False(t, packageLikeName.MatchString("not_a_package"))
	assert.False(t, packageLikeName.MatchString(".leadingdot.bad"))
}

func TestKnownJunkModeScanSizesOnlyPresentPaths(t *testing.T) {
	fb := newFakeBridge()
	fb.on("test -e '/data/tombstones'", "FOUND:/data/tombstones\n")
	fb.on("stat -c '%s\t%n' '/data/tombstones'", "4096\t/data/tombstones\n")

	mode := &knownJunkMode{bridge: fb}
	res, err := mode.Scan(context.Background(), "serial1")
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "/data/tombstones", res.Items[0].Path)
	assert.EqualValues(t, 4096, res.Items[0].SizeBytes)
}

func TestAppCacheModeExtrapolatesWhenPackageCountExceedsSample(t *testing.T) {
	fb := newFakeBridge()
	var pkgs []string
	for i := 0; i < 120; i++ {
		pkgs = append(pkgs, fmt.Sprintf("com.example.app%d", i))
	}
	fb.packages = pkgs
	fb.on("du -sk", "1\t/data/data/com.example.app0/cache\n")

	mode := &appCacheMode{bridge: fb}
	res, err := mode.Scan(context.Background(), "serial1")
	require.NoError(t, err)
	assert.True(t, res.Estimate.Extrapolated)
	assert.Equal(t, 240, res.Estimate.ItemCount)
}

func TestAppCacheModeExecuteInvokesTrimCachesOnce(t *testing.T) {
	fb := newFakeBridge()
	fb.on("rm -rf", "")
	mode := &appCacheMode{bridge: fb}
	_, err := mode.Execute(context.Background(), "serial1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, fb.trimCalls)
}

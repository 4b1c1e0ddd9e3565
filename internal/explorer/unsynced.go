package explorer

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// minUnsyncedDataThreshold is pass 2's minimum data-directory size to
// report an unknown-risk package (spec.md §4.7's "default 256 KB").
const minUnsyncedDataThreshold = 256 * 1024

// UnsyncedApp is one reported app whose local data isn't known to be
// synced anywhere else.
type UnsyncedApp struct {
	PackageID string
	Risk      RiskTag
	SizeBytes int64
}

// UnsyncedAppDetector runs the two-pass detection spec.md §4.7 describes:
// curated high-value catalog match, then a size-threshold sweep of
// everything else not already known to sync to the cloud.
type UnsyncedAppDetector struct {
	packages PackageLister
	shell    ShellRunner
}

// NewUnsyncedAppDetector constructs an UnsyncedAppDetector.
func NewUnsyncedAppDetector(packages PackageLister, shell ShellRunner) *UnsyncedAppDetector {
	return &UnsyncedAppDetector{packages: packages, shell: shell}
}

// Scan returns every detected at-risk app, sorted by risk then
// alphabetically (spec.md §4.7's "highest-stakes items are visible
// first").
func (d *UnsyncedAppDetector) Scan(ctx context.Context, serial string) ([]UnsyncedApp, error) {
	installed, err := d.packages.ListPackages(ctx, serial, true)
	if err != nil {
		return nil, fmt.Errorf("explorer: unsynced-app package listing failed: %w", err)
	}

	var result []UnsyncedApp
	var unmatched []string
	for _, pkg := range installed {
		if entry, ok := highValueEntry(pkg); ok {
			result = append(result, UnsyncedApp{PackageID: pkg, Risk: entry.Risk})
			continue
		}
		if isCloudSynced(pkg) {
			continue
		}
		unmatched = append(unmatched, pkg)
	}

	if len(unmatched) > 0 {
		sized, err := d.sizePackageData(ctx, serial, unmatched)
		if err != nil {
			return nil, err
		}
		for pkg, size := range sized {
			if size >= minUnsyncedDataThreshold {
				result = append(result, UnsyncedApp{PackageID: pkg, Risk: RiskUnknown, SizeBytes: size})
			}
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if riskOrder[result[i].Risk] != riskOrder[result[j].Risk] {
			return riskOrder[result[i].Risk] < riskOrder[result[j].Risk]
		}
		return result[i].PackageID < result[j].PackageID
	})
	return result, nil
}

// DetectUnsynced satisfies transfer.UnsyncedAppDetector: the
// "unsynced_apps" backup type only needs the package identifiers, already
// in risk-then-alphabetical order.
func (d *UnsyncedAppDetector) DetectUnsynced(ctx context.Context, serial string) ([]string, error) {
	apps, err := d.Scan(ctx, serial)
	if err != nil {
		return nil, err
	}
	pkgs := make([]string, len(apps))
	for i, a := range apps {
		pkgs[i] = a.PackageID
	}
	return pkgs, nil
}

func (d *UnsyncedAppDetector) sizePackageData(ctx context.Context, serial string, pkgs []string) (map[string]int64, error) {
	out, err := d.shell.RunShell(ctx, packageDataSizeCommand(pkgs), serial, 2*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("explorer: package data sizing failed: %w", err)
	}
	return parsePackageDataSizes(out, pkgs), nil
}

func packageDataSizeCommand(pkgs []string) string {
	clauses := make([]string, len(pkgs))
	for i, pkg := range pkgs {
		clauses[i] = fmt.Sprintf("du -sk /data/data/%s 2>/dev/null", pkg)
	}
	return strings.Join(clauses, " ; ")
}

// parsePackageDataSizes parses `du -sk` output lines (size-in-KB, tab,
// path) back into package→byte-size, matching each reported path's
// trailing package-directory segment against the requested list.
func parsePackageDataSizes(out string, pkgs []string) map[string]int64 {
	sizes := map[string]int64{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 {
			continue
		}
		sizeKB, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
		if err != nil {
			continue
		}
		path := strings.TrimSpace(fields[1])
		for _, pkg := range pkgs {
			if strings.HasSuffix(path, "/data/data/"+pkg) {
				sizes[pkg] = sizeKB * 1024
			}
		}
	}
	return sizes
}

package explorer

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// PackageLister is the subset of the Shell Bridge app detection needs.
type PackageLister interface {
	ListPackages(ctx context.Context, serial string, thirdPartyOnly bool) ([]string, error)
}

// DetectedMessagingApp is one messaging app confirmed installed, with the
// subset of its candidate media directories that actually exist on-device.
type DetectedMessagingApp struct {
	Key        string
	PackageID  string
	MediaDirs  []string
}

// MessagingAppDetector matches installed packages against the static
// messaging-app catalog, then probes each hit's candidate media
// directories (spec.md §4.7).
type MessagingAppDetector struct {
	packages PackageLister
	shell    ShellRunner
}

// NewMessagingAppDetector constructs a MessagingAppDetector.
func NewMessagingAppDetector(packages PackageLister, shell ShellRunner) *MessagingAppDetector {
	return &MessagingAppDetector{packages: packages, shell: shell}
}

// Detect fetches the third-party package set, intersects with the
// catalog, and probes each hit's candidate media directories.
func (d *MessagingAppDetector) Detect(ctx context.Context, serial string) ([]DetectedMessagingApp, error) {
	installed, err := d.packages.ListPackages(ctx, serial, true)
	if err != nil {
		return nil, fmt.Errorf("explorer: messaging app package listing failed: %w", err)
	}
	installedSet := make(map[string]struct{}, len(installed))
	for _, p := range installed {
		installedSet[p] = struct{}{}
	}

	var hits []MessagingAppEntry
	var hitPkg []string
	for _, entry := range messagingCatalog {
		for _, pkg := range entry.PackageIDs {
			if _, ok := installedSet[pkg]; ok {
				hits = append(hits, entry)
				hitPkg = append(hitPkg, pkg)
				break
			}
		}
	}
	if len(hits) == 0 {
		return nil, nil
	}

	probeOut, err := d.shell.RunShell(ctx, mediaDirProbeCommand(hits), serial, 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("explorer: messaging media-dir probe failed: %w", err)
	}
	present := parseFoundMediaDirs(probeOut)

	var result []DetectedMessagingApp
	for i, entry := range hits {
		var dirs []string
		for _, candidate := range entry.CandidateMediaDirs {
			if present[entry.Key+":"+candidate] {
				dirs = append(dirs, candidate)
			}
		}
		result = append(result, DetectedMessagingApp{Key: entry.Key, PackageID: hitPkg[i], MediaDirs: dirs})
	}
	return result, nil
}

func mediaDirProbeCommand(entries []MessagingAppEntry) string {
	var clauses []string
	for _, e := range entries {
		for _, dir := range e.CandidateMediaDirs {
			clauses = append(clauses, fmt.Sprintf("test -d %s && echo FOUND:%s:%s", shellQuote(dir), e.Key, dir))
		}
	}
	return strings.Join(clauses, " ; ")
}

func parseFoundMediaDirs(out string) map[string]bool {
	present := map[string]bool{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(line, "FOUND:")
		if !ok {
			continue
		}
		present[rest] = true
	}
	return present
}

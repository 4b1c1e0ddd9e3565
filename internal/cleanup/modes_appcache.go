package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/fly-sync/devicecore/internal/model"
)

// appCacheSampleSize is how many packages app_cache's Scan sizes directly
// before extrapolating a total estimate (spec.md §4.6: "estimate total via
// du -sk on a 50-package sample, extrapolate").
const appCacheSampleSize = 50

// appCacheTrimTarget is the desired-free-space argument passed to the
// bridge's trim-caches command. 512MB matches the general-purpose default
// Android's own cache trimming uses when no specific target is known.
const appCacheTrimTarget = 512 * 1024 * 1024

type appCacheMode struct {
	bridge Bridge
}

func (m *appCacheMode) Name() ModeName { return ModeAppCache }

func (m *appCacheMode) Scan(ctx context.Context, serial string) (ScanResult, error) {
	pkgs, err := m.bridge.ListPackages(ctx, serial, false)
	if err != nil {
		return ScanResult{Mode: ModeAppCache}, fmt.Errorf("cleanup: app_cache package enumeration failed: %w", err)
	}

	var candidates []string
	for _, pkg := range pkgs {
		candidates = append(candidates,
			fmt.Sprintf("/data/data/%s/cache", pkg),
			fmt.Sprintf("/data/data/%s/code_cache", pkg),
		)
	}

	sample := candidates
	extrapolated := false
	if len(pkgs) > appCacheSampleSize {
		sample = candidates[:appCacheSampleSize*2] // cache + code_cache per sampled package
		extrapolated = true
	}

	// du -sk prints "<KiB>\t<path>" per argument, the shape
	// parseStatSizeLines reads; sizes are converted to bytes below.
	out, err := m.bridge.RunShell(ctx, "du -sk "+shellQuoteAll(sample)+" 2>/dev/null", serial, 2*time.Minute)
	if err != nil {
		return ScanResult{Mode: ModeAppCache}, fmt.Errorf("cleanup: app_cache sizing failed: %w", err)
	}
	sampleSizes := parseStatSizeLines(out)

	var items []model.CleanupItem
	var sampleTotal int64
	for path, kb := range sampleSizes {
		size := kb * 1024
		items = append(items, model.CleanupItem{Path: path, SizeBytes: size, Type: model.CleanupItemDir, Detail: "app_cache"})
		sampleTotal += size
	}

	est := Estimate{ItemCount: len(candidates), SizeBytes: sampleTotal}
	if extrapolated && len(sample) > 0 {
		est.SizeBytes = sampleTotal * int64(len(candidates)) / int64(len(sample))
		est.Extrapolated = true
	}
	return ScanResult{Mode: ModeAppCache, Items: items, Estimate: est}, nil
}

func (m *appCacheMode) Execute(ctx context.Context, serial string, items []model.CleanupItem) (ExecResult, error) {
	if err := m.bridge.TrimCaches(ctx, serial, appCacheTrimTarget); err != nil {
		return ExecResult{Mode: ModeAppCache}, fmt.Errorf("cleanup: trim-caches failed: %w", err)
	}
	removed, freed, err := removeBatched(ctx, m.bridge, serial, toTargets(items), 60, true)
	return ExecResult{Mode: ModeAppCache, RemovedCount: removed, FreedBytes: freed}, err
}

package cleanup

import (
	"context"

	"github.com/fly-sync/devicecore/internal/dedup"
	"github.com/fly-sync/devicecore/internal/model"
)

// DedupAdapter satisfies DuplicatesRunner by wrapping a dedup.Engine in
// dry-run mode: the duplicates mode only ever discovers candidates through
// Scan, and deletion happens through Execute's own batched removal once
// the caller has approved a subset — so the wrapped engine run must never
// delete on its own behalf.
type DedupAdapter struct {
	Engine       *dedup.Engine
	MinSizeBytes int64
}

// Run executes the five-stage funnel restricted to roots and returns the
// confirmed duplicate groups without deleting anything.
func (a DedupAdapter) Run(ctx context.Context, serial string, roots []string) ([]model.DedupGroup, error) {
	result, err := a.Engine.Run(ctx, serial, dedup.Options{
		Roots:        roots,
		MinSizeBytes: a.MinSizeBytes,
		DryRun:       true,
	})
	if err != nil {
		return nil, err
	}
	return result.Groups, nil
}

// Package orchestrator sequences the L3 pipeline managers into composite,
// multi-stage workflows (SPEC_FULL.md §3.12). Its one workflow so far,
// FullClone, runs spec.md §4.4's full-storage clone end to end: validate →
// index → pull → push → verify → side-channel backup/restore. It maps the
// clone operation's percent into 0-90 and the side-channel steps into
// 90-100; within the 0-90 band the pull and push stages each span the
// whole band, since CloneManager does not split it between them.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fly-sync/devicecore/internal/bridge"
	"github.com/fly-sync/devicecore/internal/manifest"
	"github.com/fly-sync/devicecore/internal/model"
	"github.com/fly-sync/devicecore/internal/opbase"
	"github.com/fly-sync/devicecore/internal/transfer"
)

// SideChannelOptions configures the side-channel backup/restore step that
// follows the bulk-file clone. Side-channel data is whatever a raw file
// copy of external storage can't reach — contacts, SMS, call log — routed
// through the same content-provider-aware BackupManager/RestoreManager
// pair the standalone backup/restore workflows use, rather than a second,
// parallel implementation.
type SideChannelOptions struct {
	// Types lists the manifest types to clone through the side channel.
	// Empty disables the side channel entirely (a pure file clone).
	Types []manifest.Type

	Restore transfer.RestoreOptions

	// StagingRoot is where each side-channel backup directory is created
	// before being restored onto the target. Defaults to os.TempDir().
	StagingRoot string
}

// FullCloneRequest describes one end-to-end clone run.
type FullCloneRequest struct {
	Source model.Device
	Target model.Device

	Clone       transfer.CloneOptions
	SideChannel SideChannelOptions
}

// FullCloneResult summarizes every stage of a FullClone run.
type FullCloneResult struct {
	Clone             transfer.CloneResult
	SideChannelRun    []manifest.Type
	SideChannelErrors []error
}

// Runner sequences FullClone over a shared bridge and manifest catalog.
// Each stage constructs its own *opbase.Operation (CloneManager and every
// BackupManager/RestoreManager own their operation's completion the same
// way the teacher's download/unpack/activate FSMs each own their own
// terminal transition) and forwards progress into the overall run's
// 0-100 scale through a single sink.
type Runner struct {
	bridge  *bridge.Bridge
	catalog *manifest.Catalog
	sink    opbase.ProgressSink
}

// NewRunner constructs a Runner. catalog may be nil, same as the managers
// it wraps. sink receives every remapped progress event across the whole
// workflow; it may be nil.
func NewRunner(br *bridge.Bridge, catalog *manifest.Catalog, sink opbase.ProgressSink) *Runner {
	return &Runner{bridge: br, catalog: catalog, sink: sink}
}

// emit forwards p after rescaling its Percent from a [0,100] sub-range
// into [rangeStart, rangeEnd] of the overall workflow.
func (r *Runner) emit(rangeStart, rangeEnd float64, p opbase.Progress) {
	if r.sink == nil {
		return
	}
	p.Percent = rangeStart + (p.Percent/100)*(rangeEnd-rangeStart)
	r.sink(p)
}

// FullClone runs req: CloneManager.Run covers index/pull/push/(optional
// verify), its percent rescaled into the 0-90 band, then, when
// SideChannel.Types is non-empty, a nested
// Backup→Restore pair runs per requested type across the trailing 90-100
// band.
func (r *Runner) FullClone(ctx context.Context, req FullCloneRequest) (FullCloneResult, error) {
	cloneOp := opbase.New()
	cloneOp.SetProgressCallback(func(p opbase.Progress) { r.emit(0, 90, p) })

	cloneMgr := transfer.NewCloneManager(cloneOp, r.bridge)
	cloneResult, err := cloneMgr.Run(ctx, transfer.CloneRequest{
		Source:  req.Source,
		Target:  req.Target,
		Options: req.Clone,
	})
	if err != nil {
		return FullCloneResult{}, fmt.Errorf("orchestrator: clone stage failed: %w", err)
	}

	result := FullCloneResult{Clone: cloneResult}
	if len(req.SideChannel.Types) == 0 {
		if r.sink != nil {
			r.sink(opbase.Progress{Phase: opbase.PhaseComplete, SubPhase: "side-channel", Percent: 100})
		}
		return result, nil
	}

	stagingRoot := req.SideChannel.StagingRoot
	if stagingRoot == "" {
		stagingRoot = os.TempDir()
	}

	band := 10.0 / float64(len(req.SideChannel.Types))
	for i, t := range req.SideChannel.Types {
		bandStart := 90 + float64(i)*band
		bandEnd := bandStart + band

		if err := r.runSideChannel(ctx, req, t, stagingRoot, bandStart, bandEnd); err != nil {
			result.SideChannelErrors = append(result.SideChannelErrors, err)
			continue
		}
		result.SideChannelRun = append(result.SideChannelRun, t)
	}

	if r.sink != nil {
		phase := opbase.PhaseComplete
		if len(result.SideChannelErrors) > 0 {
			phase = opbase.PhaseCompleteWithErrors
		}
		r.sink(opbase.Progress{Phase: phase, SubPhase: "side-channel", Percent: 100})
	}
	return result, nil
}

// runSideChannel backs up t from the source device and immediately
// restores it onto the target, splitting its half of the band 50/50
// between the two nested operations.
func (r *Runner) runSideChannel(ctx context.Context, req FullCloneRequest, t manifest.Type, stagingRoot string, bandStart, bandEnd float64) error {
	mid := (bandStart + bandEnd) / 2

	backupOp := opbase.New()
	backupOp.SetProgressCallback(func(p opbase.Progress) { r.emit(bandStart, mid, p) })
	backupMgr := transfer.NewBackupManager(backupOp, r.bridge, r.catalog)

	man, err := backupMgr.Run(ctx, transfer.BackupRequest{
		Device:    req.Source,
		Type:      t,
		LocalRoot: stagingRoot,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: side-channel backup (%s) failed: %w", t, err)
	}

	restoreOp := opbase.New()
	restoreOp.SetProgressCallback(func(p opbase.Progress) { r.emit(mid, bandEnd, p) })
	restoreMgr := transfer.NewRestoreManager(restoreOp, r.bridge, r.catalog)

	dir, err := manifestDir(stagingRoot, man)
	if err != nil {
		return fmt.Errorf("orchestrator: resolving side-channel backup dir (%s): %w", t, err)
	}

	if err := restoreMgr.Run(ctx, transfer.RestoreRequest{
		Device:   req.Target,
		BackupID: man.BackupID,
		Dir:      dir,
		Options:  req.SideChannel.Restore,
	}); err != nil {
		return fmt.Errorf("orchestrator: side-channel restore (%s) failed: %w", t, err)
	}
	return nil
}

// manifestDir derives the backup directory BackupManager.Run wrote to:
// stagingRoot/<backup id>, the same layout BackupManager itself uses.
func manifestDir(stagingRoot string, m manifest.Manifest) (string, error) {
	if m.BackupID == "" {
		return "", fmt.Errorf("backup produced an empty backup id")
	}
	return filepath.Join(stagingRoot, m.BackupID), nil
}

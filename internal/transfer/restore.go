package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fly-sync/devicecore/internal/bridge"
	"github.com/fly-sync/devicecore/internal/manifest"
	"github.com/fly-sync/devicecore/internal/model"
	"github.com/fly-sync/devicecore/internal/opbase"
)

// RestoreOptions configures a restore run. AllowPrivilegedFallback is
// SPEC_FULL.md §9's Open Question decision on restored-data ownership:
// this pipeline never escalates privilege on its own.
type RestoreOptions struct {
	// AllowPrivilegedFallback marks that the caller will run its own
	// provider import after a contacts/SMS/messaging restore. The restore
	// stages the export files on the device either way and runs no import
	// or fallback itself; when the flag is false it also emits a final
	// "staged-only" progress event. Default false.
	AllowPrivilegedFallback bool

	// TargetRoot is not read by RestoreManager: "files"/"custom" restores
	// push each file back to the remote path it was stored under.
	TargetRoot string
}

// RestoreManager runs the phased restore workflow, the mirror image of
// BackupManager: read manifest → dispatch by type → transfer back (grounded
// on the teacher's unpack/activate FSM pair). No verification pass runs
// after the transfer.
type RestoreManager struct {
	op      *opbase.Operation
	bridge  Bridge
	catalog *manifest.Catalog
}

// NewRestoreManager constructs a RestoreManager. catalog may be nil; when
// set it's used to resolve a backup ID to its on-disk directory.
func NewRestoreManager(op *opbase.Operation, br Bridge, catalog *manifest.Catalog) *RestoreManager {
	return &RestoreManager{op: op, bridge: br, catalog: catalog}
}

// RestoreRequest describes one restore run.
type RestoreRequest struct {
	Device   model.Device
	BackupID string

	// Dir is the backup directory to restore from. Resolved from BackupID
	// through the catalog when empty.
	Dir string

	Options RestoreOptions
}

// Run executes req, dispatching on the manifest's recorded backup type.
func (r *RestoreManager) Run(ctx context.Context, req RestoreRequest) error {
	dir := req.Dir
	if dir == "" {
		if r.catalog == nil {
			return fmt.Errorf("transfer: restore requires a backup directory or a catalog")
		}
		_, resolvedDir, err := r.catalog.GetByID(ctx, req.BackupID)
		if err != nil {
			return fmt.Errorf("transfer: failed to resolve backup %s: %w", req.BackupID, err)
		}
		dir = resolvedDir
	}

	m, err := manifest.ReadManifestFile(dir)
	if err != nil {
		return fmt.Errorf("transfer: failed to read manifest in %s: %w", dir, err)
	}

	switch m.BackupType {
	case manifest.TypeFull:
		err = r.restoreFull(ctx, req, dir, m)
	case manifest.TypeFiles, manifest.TypeCustom:
		err = r.restoreFiles(ctx, req, dir, m)
	case manifest.TypeApps, manifest.TypeUnsyncedApps:
		err = r.restoreApps(ctx, req, dir, m)
	case manifest.TypeContacts, manifest.TypeSMS, manifest.TypeMessaging:
		err = r.restoreContentProvider(ctx, req, dir, m)
	default:
		err = fmt.Errorf("transfer: unsupported restore type %q", m.BackupType)
	}
	r.op.Finish()
	return err
}

// restoreFull replays `adb restore` against the captured .ab stream.
func (r *RestoreManager) restoreFull(ctx context.Context, req RestoreRequest, dir string, m manifest.Manifest) error {
	src := filepath.Join(dir, "backup.ab")
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("transfer: backup stream missing: %w", err)
	}

	r.op.Emit(opbase.Progress{Phase: opbase.PhaseRunning, SubPhase: "device-restore", TargetDevice: req.Device.Serial, Percent: 10})
	err := r.op.RunWithConfirmation(ctx, "Confirm restore",
		"Confirm the restore on the device screen to continue.", 10*time.Minute,
		func(ctx context.Context) error {
			return r.bridge.Restore(ctx, req.Device.Serial, src, bridge.DefaultLongOpTimeout)
		})
	if err != nil {
		return fmt.Errorf("transfer: full restore failed: %w", err)
	}
	r.op.Emit(opbase.Progress{Phase: opbase.PhaseRunning, SubPhase: "device-restore", TargetDevice: req.Device.Serial, Percent: 100})
	return nil
}

// restoreFiles walks the locally stored "files"/"custom" tree and
// parallel-pushes every file back to its recorded remote path.
func (r *RestoreManager) restoreFiles(ctx context.Context, req RestoreRequest, dir string, m manifest.Manifest) error {
	srcDir := filepath.Join(dir, "files")
	items, err := walkLocalFiles(srcDir)
	if err != nil {
		return fmt.Errorf("transfer: failed to walk restore source %s: %w", srcDir, err)
	}

	result, err := r.op.ParallelPush(ctx, r.bridge, req.Device.Serial, items, srcDir, opbase.DefaultHeuristicTable())
	if err != nil {
		return err
	}
	if result.SuccessCount < len(items) {
		r.op.AddError("Restauracao parcial", srcDir, fmt.Errorf("restored %d of %d files", result.SuccessCount, len(items)))
	}
	return nil
}

// restoreApps reinstalls every package recorded in the manifest, preferring
// install-multiple when split APKs were captured at backup time.
func (r *RestoreManager) restoreApps(ctx context.Context, req RestoreRequest, dir string, m manifest.Manifest) error {
	appsRoot := filepath.Join(dir, "apps")
	for i, pkg := range m.PackageIDs {
		if r.op.Cancelled() {
			break
		}
		apks, err := listAPKs(appsRoot, pkg)
		if err != nil || len(apks) == 0 {
			r.op.AddError("APK nao encontrado para restauracao", pkg, err)
			continue
		}

		var installErr error
		if len(apks) > 1 {
			installErr = r.bridge.InstallMultiple(ctx, req.Device.Serial, apks)
		} else {
			installErr = r.bridge.Install(ctx, req.Device.Serial, apks[0])
		}
		if installErr != nil {
			r.op.AddError("Falha ao reinstalar pacote", pkg, installErr)
			continue
		}

		r.op.Emit(opbase.Progress{
			Phase: opbase.PhaseRunning, SubPhase: "apps", TargetDevice: req.Device.Serial,
			ItemsDone: i + 1, ItemsTotal: len(m.PackageIDs), CurrentItem: pkg,
			Percent: float64(i+1) / float64(len(m.PackageIDs)) * 100,
		})
	}
	return nil
}

// restoreContentProvider pushes a captured contacts/SMS/messaging export
// back to the device and stops there: it stages the files on-device and
// invokes no import command against the content provider, whether or not
// AllowPrivilegedFallback is set, and tries no alternative restore method.
// Nothing is recorded in the manifest about how the data was restored.
func (r *RestoreManager) restoreContentProvider(ctx context.Context, req RestoreRequest, dir string, m manifest.Manifest) error {
	srcDir := filepath.Join(dir, string(m.BackupType))
	items, err := walkLocalFiles(srcDir)
	if err != nil {
		return fmt.Errorf("transfer: failed to walk restore source %s: %w", srcDir, err)
	}

	result, err := r.op.ParallelPush(ctx, r.bridge, req.Device.Serial, items, srcDir, opbase.DefaultHeuristicTable())
	if err != nil {
		return err
	}
	if result.SuccessCount < len(items) {
		r.op.AddError("Restauracao parcial", srcDir, fmt.Errorf("staged %d of %d files", result.SuccessCount, len(items)))
	}

	if !req.Options.AllowPrivilegedFallback {
		r.op.Emit(opbase.Progress{
			Phase: opbase.PhaseRunning, SubPhase: "staged-only", TargetDevice: req.Device.Serial,
			Percent: 100,
		})
		return nil
	}

	// The caller opted in: attempt the provider import via a caller-supplied
	// shell command is out of scope here too (same command-vocabulary
	// problem as the export side); this flag only exists so a higher layer
	// (the Device Explorer, which knows the device's OEM quirks) can run its
	// own import step after staging completes, without the restore pipeline
	// silently doing it on its behalf.
	return nil
}

func walkLocalFiles(root string) ([]model.FileEntry, error) {
	var items []model.FileEntry
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		items = append(items, model.FileEntry{RemotePath: "/" + filepath.ToSlash(rel), SizeBytes: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// listAPKs resolves the APK(s) backed up for pkg under appsRoot. A flat
// "<pkg>.apk" file takes precedence (single-APK package); otherwise it reads
// the per-package subdirectory a multi-APK package was stored in.
func listAPKs(appsRoot, pkg string) ([]string, error) {
	flat := filepath.Join(appsRoot, pkg+".apk")
	if info, err := os.Stat(flat); err == nil && !info.IsDir() {
		return []string{flat}, nil
	}

	dir := filepath.Join(appsRoot, pkg)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var base string
	var splits []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		full := filepath.Join(dir, e.Name())
		if e.Name() == "base.apk" {
			base = full
		} else {
			splits = append(splits, full)
		}
	}
	if base == "" {
		if len(splits) == 0 {
			return nil, nil
		}
		base, splits = splits[0], splits[1:]
	}
	return append([]string{base}, splits...), nil
}

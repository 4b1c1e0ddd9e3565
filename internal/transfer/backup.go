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

// UnsyncedAppDetector is the subset of the Device Explorer's app detection
// the "unsynced_apps" backup type delegates to.
type UnsyncedAppDetector interface {
	DetectUnsynced(ctx context.Context, serial string) ([]string, error)
}

// Bridge is the subset of the Shell Bridge BackupManager/RestoreManager
// need, mirroring internal/cleanup's and internal/explorer's own narrow
// interfaces over the same concrete *bridge.Bridge — letting each manager's
// dispatch branches run against a scripted fake in tests instead of a real
// device.
type Bridge interface {
	opbase.Transport
	PackageAPKPaths(ctx context.Context, serial, pkg string) (base string, splits []string, err error)
	Backup(ctx context.Context, serial string, opts bridge.BackupOptions, timeout time.Duration) error
	Restore(ctx context.Context, serial, file string, timeout time.Duration) error
	Install(ctx context.Context, serial, apk string) error
	InstallMultiple(ctx context.Context, serial string, apks []string) error
}

// BackupRequest describes one backup run. Only the fields relevant to
// Type need be set; the rest are ignored (spec.md §3's backup type
// variance).
type BackupRequest struct {
	Device model.Device
	Type   manifest.Type

	// LocalRoot is where the backup directory (named after the derived
	// backup ID) is created.
	LocalRoot string

	// RemoteRoots is the set of remote directories a "files" or "custom"
	// backup walks. Defaults to {"/sdcard"} for "files" when empty.
	RemoteRoots []string
	Filter      Filter

	PackageIDs       []string
	CustomPaths      []string
	MessagingAppKeys []string

	Detector UnsyncedAppDetector
}

// BackupManager runs the phased backup workflow: index/select → transfer →
// write manifest → catalog (grounded on the teacher's download FSM phase
// sequence of check-exists → fetch → validate → store-metadata, generalized
// from a single S3 object to a multi-category device backup).
type BackupManager struct {
	op      *opbase.Operation
	bridge  Bridge
	indexer *Indexer
	catalog *manifest.Catalog
}

// NewBackupManager constructs a BackupManager. catalog may be nil, in which
// case the manifest is written to disk but not indexed.
func NewBackupManager(op *opbase.Operation, br Bridge, catalog *manifest.Catalog) *BackupManager {
	return &BackupManager{op: op, bridge: br, indexer: NewIndexer(br), catalog: catalog}
}

// Run executes req and returns the resulting manifest.
func (b *BackupManager) Run(ctx context.Context, req BackupRequest) (manifest.Manifest, error) {
	start := time.Now()
	createdAt := time.Now()
	id := manifest.DeriveBackupID(req.Device.Serial, req.Type, createdAt)
	dir := filepath.Join(req.LocalRoot, id)

	m := manifest.Manifest{
		BackupID:   id,
		BackupType: req.Type,
		Device: manifest.DeviceSnapshot{
			Serial: req.Device.Serial, Manufacturer: req.Device.Manufacturer,
			Model: req.Device.Model, OSVersion: req.Device.OSVersion,
		},
		CreatedAt: createdAt,
	}

	var err error
	switch req.Type {
	case manifest.TypeFull:
		err = b.runFull(ctx, req, dir, &m)
	case manifest.TypeFiles:
		err = b.runFiles(ctx, req, dir, &m, req.RemoteRoots, req.Filter)
	case manifest.TypeCustom:
		m.CustomPaths = req.CustomPaths
		err = b.runFiles(ctx, req, dir, &m, req.CustomPaths, nil)
	case manifest.TypeApps:
		err = b.runApps(ctx, req, dir, &m, req.PackageIDs)
	case manifest.TypeUnsyncedApps:
		err = b.runUnsyncedApps(ctx, req, dir, &m)
	case manifest.TypeContacts, manifest.TypeSMS, manifest.TypeMessaging:
		err = b.runContentProvider(ctx, req, dir, &m)
	default:
		err = fmt.Errorf("transfer: unsupported backup type %q", req.Type)
	}
	if err != nil {
		b.op.Finish()
		return manifest.Manifest{}, err
	}

	m.DurationSeconds = time.Since(start).Seconds()
	if err := manifest.WriteManifestFile(dir, m); err != nil {
		b.op.Finish()
		return manifest.Manifest{}, err
	}
	if b.catalog != nil {
		if err := b.catalog.Upsert(ctx, m, dir); err != nil {
			b.op.Finish()
			return manifest.Manifest{}, err
		}
	}

	b.op.Finish()
	return m, nil
}

// runFull invokes `adb backup -all` directly, the one case that doesn't go
// through the parallel pull path: the device itself produces one opaque
// .ab stream (spec.md §6's backup subcommand contract).
func (b *BackupManager) runFull(ctx context.Context, req BackupRequest, dir string, m *manifest.Manifest) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("transfer: failed to create backup directory: %w", err)
	}
	dest := filepath.Join(dir, "backup.ab")
	b.op.Emit(opbase.Progress{Phase: opbase.PhaseRunning, SubPhase: "device-backup", SourceDevice: req.Device.Serial, Percent: 10})

	err := b.op.RunWithConfirmation(ctx, "Confirm backup",
		"Confirm the backup on the device screen to continue.", 10*time.Minute,
		func(ctx context.Context) error {
			return b.bridge.Backup(ctx, req.Device.Serial, bridge.BackupOptions{APK: true, Shared: true, System: false, DestFile: dest}, bridge.DefaultLongOpTimeout)
		})
	if err != nil {
		return fmt.Errorf("transfer: full backup failed: %w", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return fmt.Errorf("transfer: backup file missing after backup: %w", err)
	}
	m.TotalSizeBytes = info.Size()
	m.FileCount = 1
	b.op.Emit(opbase.Progress{Phase: opbase.PhaseRunning, SubPhase: "device-backup", SourceDevice: req.Device.Serial, Percent: 100})
	return nil
}

// runFiles indexes roots (applying filter) and parallel-pulls every match.
func (b *BackupManager) runFiles(ctx context.Context, req BackupRequest, dir string, m *manifest.Manifest, roots []string, filter Filter) error {
	if len(roots) == 0 {
		roots = []string{"/sdcard"}
	}
	destDir := filepath.Join(dir, "files")

	var items []model.FileEntry
	for _, root := range roots {
		found, err := b.indexer.Index(ctx, req.Device.Serial, root, filter)
		if err != nil {
			return err
		}
		items = append(items, found...)
	}

	result, err := b.op.ParallelPull(ctx, b.bridge, req.Device.Serial, items, destDir, opbase.DefaultHeuristicTable())
	if err != nil {
		return err
	}
	m.FileCount = result.SuccessCount
	m.TotalSizeBytes = result.BytesTransferred
	return nil
}

// runApps pulls the base and split APKs for each requested package.
// Packages with more than one APK are stored in a per-package subdirectory;
// single-APK packages are stored flat as "<pkg>.apk" (spec.md §3).
func (b *BackupManager) runApps(ctx context.Context, req BackupRequest, dir string, m *manifest.Manifest, packages []string) error {
	destRoot := filepath.Join(dir, "apps")
	if err := os.MkdirAll(destRoot, 0o755); err != nil {
		return fmt.Errorf("transfer: failed to create app backup directory: %w", err)
	}
	var totalSize int64
	var fileCount int

	for i, pkg := range packages {
		if b.op.Cancelled() {
			break
		}
		base, splits, err := b.bridge.PackageAPKPaths(ctx, req.Device.Serial, pkg)
		if err != nil {
			b.op.AddError("Falha ao resolver APK", pkg, err)
			continue
		}

		remotes := append([]string{base}, splits...)
		var locals []string
		if len(splits) == 0 {
			locals = []string{filepath.Join(destRoot, pkg+".apk")}
		} else {
			pkgDir := filepath.Join(destRoot, pkg)
			if err := os.MkdirAll(pkgDir, 0o755); err != nil {
				return fmt.Errorf("transfer: failed to create app backup directory for %s: %w", pkg, err)
			}
			for _, remote := range remotes {
				locals = append(locals, filepath.Join(pkgDir, filepath.Base(remote)))
			}
		}

		for j, remote := range remotes {
			if remote == "" {
				continue
			}
			local := locals[j]
			if err := b.bridge.Pull(ctx, req.Device.Serial, remote, local); err != nil {
				b.op.AddError("Falha ao copiar APK", remote, err)
				continue
			}
			if info, statErr := os.Stat(local); statErr == nil {
				totalSize += info.Size()
				fileCount++
			}
		}
		m.PackageIDs = append(m.PackageIDs, pkg)
		b.op.Emit(opbase.Progress{
			Phase: opbase.PhaseRunning, SubPhase: "apps", SourceDevice: req.Device.Serial,
			ItemsDone: i + 1, ItemsTotal: len(packages), CurrentItem: pkg,
			Percent: float64(i+1) / float64(len(packages)) * 100,
		})
	}

	m.AppCount = len(m.PackageIDs)
	m.TotalSizeBytes = totalSize
	m.FileCount = fileCount
	return nil
}

// runUnsyncedApps delegates package discovery to the Explorer's detector,
// then reuses runApps for the actual transfer.
func (b *BackupManager) runUnsyncedApps(ctx context.Context, req BackupRequest, dir string, m *manifest.Manifest) error {
	if req.Detector == nil {
		return fmt.Errorf("transfer: unsynced_apps backup requires a detector")
	}
	packages, err := req.Detector.DetectUnsynced(ctx, req.Device.Serial)
	if err != nil {
		return fmt.Errorf("transfer: unsynced app detection failed: %w", err)
	}
	return b.runApps(ctx, req, dir, m, packages)
}

// runContentProvider backs up a content-provider-backed category (contacts,
// SMS, or a keyed messaging app) by sizing and pulling export files that
// already exist on the device. The caller lists them in RemoteRoots; this
// function runs no device-side query or export command itself, since
// content-provider dump vocabularies differ across Android versions and
// OEM skins (spec.md §9's Open Question on content-provider portability).
func (b *BackupManager) runContentProvider(ctx context.Context, req BackupRequest, dir string, m *manifest.Manifest) error {
	if len(req.RemoteRoots) == 0 {
		return fmt.Errorf("transfer: %s backup requires an export path", req.Type)
	}
	destDir := filepath.Join(dir, string(req.Type))

	var items []model.FileEntry
	for _, remote := range req.RemoteRoots {
		out, err := b.bridge.RunShell(ctx, fmt.Sprintf("stat -c '%%s' %s 2>/dev/null", shellQuotePath(remote)), req.Device.Serial, 30*time.Second)
		if err != nil {
			b.op.AddError("Falha ao localizar exportacao", remote, err)
			continue
		}
		var size int64
		fmt.Sscanf(out, "%d", &size)
		items = append(items, model.FileEntry{RemotePath: remote, SizeBytes: size})
	}

	result, err := b.op.ParallelPull(ctx, b.bridge, req.Device.Serial, items, destDir, opbase.DefaultHeuristicTable())
	if err != nil {
		return err
	}
	m.FileCount = result.SuccessCount
	m.TotalSizeBytes = result.BytesTransferred
	if req.Type == manifest.TypeMessaging {
		m.MessagingAppKeys = req.MessagingAppKeys
	}
	return nil
}

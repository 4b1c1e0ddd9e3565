// Command devicecore is the device-synchronization daemon/CLI: it wires
// the Shell Bridge, Device Registry, Transfer Pipeline, Dedup Engine,
// Cleanup Engine, Device Explorer, Backup Manifest, and Orchestrator into
// one binary with one subcommand per operation (SPEC_FULL.md §1-3).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fly-sync/devicecore/internal/bridge"
	"github.com/fly-sync/devicecore/internal/cleanup"
	"github.com/fly-sync/devicecore/internal/dedup"
	"github.com/fly-sync/devicecore/internal/explorer"
	"github.com/fly-sync/devicecore/internal/manifest"
	"github.com/fly-sync/devicecore/internal/model"
	"github.com/fly-sync/devicecore/internal/opbase"
	"github.com/fly-sync/devicecore/internal/orchestrator"
	"github.com/fly-sync/devicecore/internal/registry"
	"github.com/fly-sync/devicecore/internal/transfer"
)

// Config holds every flag every subcommand can set; only the flags a given
// subcommand registers are ever parsed for it, the same per-command
// FlagSet-over-a-shared-Config shape the teacher's cmd/flyio-image-manager
// uses.
type Config struct {
	CatalogPath string
	LogLevel    string

	Serial       string
	TargetSerial string

	BackupType  string
	LocalRoot   string
	RemoteRoots string

	BackupID   string
	RestoreDir string

	DedupRoots   string
	MinSizeBytes int64
	DryRun       bool

	CleanupMode string
}

// DefaultConfig returns a Config with every default value subcommands
// overlay their own flags onto.
func DefaultConfig() Config {
	return Config{
		CatalogPath:  "devicecore-catalog.db",
		LogLevel:     "info",
		LocalRoot:    "./backups",
		MinSizeBytes: 1024,
	}
}

var log = logrus.New()

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg := DefaultConfig()

	switch os.Args[1] {
	case "devices":
		fs := flag.NewFlagSet("devices", flag.ExitOnError)
		parseCommonFlags(&cfg, fs)
		fs.Parse(os.Args[2:])
		if err := runDevices(cfg); err != nil {
			log.WithError(err).Fatal("devices failed")
		}
	case "backup":
		fs := flag.NewFlagSet("backup", flag.ExitOnError)
		parseCommonFlags(&cfg, fs)
		fs.StringVar(&cfg.Serial, "serial", "", "device serial (required)")
		fs.StringVar(&cfg.BackupType, "type", string(manifest.TypeFiles), "backup type")
		fs.StringVar(&cfg.LocalRoot, "local-root", cfg.LocalRoot, "local directory backups are written under")
		fs.StringVar(&cfg.RemoteRoots, "remote-roots", "/sdcard", "comma-separated remote roots for files/custom backups")
		fs.Parse(os.Args[2:])
		if err := runBackup(cfg); err != nil {
			log.WithError(err).Fatal("backup failed")
		}
	case "restore":
		fs := flag.NewFlagSet("restore", flag.ExitOnError)
		parseCommonFlags(&cfg, fs)
		fs.StringVar(&cfg.Serial, "serial", "", "device serial (required)")
		fs.StringVar(&cfg.BackupID, "backup-id", "", "backup id to restore (required)")
		fs.StringVar(&cfg.RestoreDir, "dir", "", "backup directory, resolved from the catalog when empty")
		fs.Parse(os.Args[2:])
		if err := runRestore(cfg); err != nil {
			log.WithError(err).Fatal("restore failed")
		}
	case "clone":
		fs := flag.NewFlagSet("clone", flag.ExitOnError)
		parseCommonFlags(&cfg, fs)
		fs.StringVar(&cfg.Serial, "source", "", "source device serial (required)")
		fs.StringVar(&cfg.TargetSerial, "target", "", "target device serial (required)")
		fs.Parse(os.Args[2:])
		if err := runClone(cfg); err != nil {
			log.WithError(err).Fatal("clone failed")
		}
	case "dedup":
		fs := flag.NewFlagSet("dedup", flag.ExitOnError)
		parseCommonFlags(&cfg, fs)
		fs.StringVar(&cfg.Serial, "serial", "", "device serial (required)")
		fs.StringVar(&cfg.DedupRoots, "roots", "/sdcard/DCIM", "comma-separated remote roots to scan")
		fs.Int64Var(&cfg.MinSizeBytes, "min-size", cfg.MinSizeBytes, "minimum candidate size in bytes")
		fs.BoolVar(&cfg.DryRun, "dry-run", false, "report duplicates without deleting")
		fs.Parse(os.Args[2:])
		if err := runDedup(cfg); err != nil {
			log.WithError(err).Fatal("dedup failed")
		}
	case "cleanup":
		fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
		parseCommonFlags(&cfg, fs)
		fs.StringVar(&cfg.Serial, "serial", "", "device serial (required)")
		fs.StringVar(&cfg.CleanupMode, "mode", "", "report only this mode's scan result; all modes reported when empty")
		fs.Parse(os.Args[2:])
		if err := runCleanup(cfg); err != nil {
			log.WithError(err).Fatal("cleanup failed")
		}
	case "serve":
		fs := flag.NewFlagSet("serve", flag.ExitOnError)
		parseCommonFlags(&cfg, fs)
		fs.Parse(os.Args[2:])
		if err := runServe(cfg); err != nil {
			log.WithError(err).Fatal("daemon failed")
		}
	case "archive-check":
		if err := runArchiveCheck(cfg); err != nil {
			log.WithError(err).Fatal("archive-check failed")
		}
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func parseCommonFlags(cfg *Config, fs *flag.FlagSet) {
	fs.StringVar(&cfg.CatalogPath, "catalog", cfg.CatalogPath, "backup manifest catalog path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
}

func printUsage() {
	fmt.Println("devicecore: mobile-device synchronization and data-lifecycle daemon")
	fmt.Println()
	fmt.Println("Usage: devicecore <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  devices   List currently enumerable devices")
	fmt.Println("  backup    Run a backup against one device")
	fmt.Println("  restore   Restore a backup onto one device")
	fmt.Println("  clone     Full-storage clone between two devices")
	fmt.Println("  dedup     Run the duplicate-media funnel against one device")
	fmt.Println("  cleanup   Scan cleanup modes and report reclaimable space (removes nothing)")
	fmt.Println("  serve     Run the long-lived device registry and wait for shutdown")
	fmt.Println("  archive-check  Verify S3 permissions the Archive Store needs")
	fmt.Println()
	fmt.Println("Run 'devicecore <command> -h' for a command's flags.")
}

func setupLogger(level string) error {
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(lvl)
	return nil
}

func newADBBridge() (*bridge.Bridge, error) {
	return bridge.New(bridge.KindADB, bridge.WithLogger(log.WithField("component", "bridge")))
}

func openCatalog(path string) (*manifest.Catalog, error) {
	cfg := manifest.DefaultConfig()
	cfg.Path = path
	return manifest.OpenCatalog(cfg)
}

// resolveDevice enumerates once through a bare *bridge.Bridge (bypassing
// the Registry's polling loop, appropriate for a single short-lived CLI
// invocation) and looks up serial.
func resolveDevice(ctx context.Context, br *bridge.Bridge, serial string) (model.Device, error) {
	devices, err := br.Enumerate(ctx)
	if err != nil {
		return model.Device{}, fmt.Errorf("enumerating devices: %w", err)
	}
	for _, d := range devices {
		if d.Serial == serial {
			return d, nil
		}
	}
	return model.Device{}, fmt.Errorf("device %q not found or not connected", serial)
}

func runDevices(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}
	br, err := newADBBridge()
	if err != nil {
		return err
	}
	ctx := context.Background()
	devices, err := br.Enumerate(ctx)
	if err != nil {
		return err
	}
	for _, d := range devices {
		fmt.Printf("%-20s %-10s %-16s %s\n", d.Serial, d.State, d.Manufacturer, d.Model)
	}
	return nil
}

func runBackup(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}
	if cfg.Serial == "" {
		return fmt.Errorf("backup: -serial is required")
	}

	br, err := newADBBridge()
	if err != nil {
		return err
	}
	ctx := context.Background()
	device, err := resolveDevice(ctx, br, cfg.Serial)
	if err != nil {
		return err
	}

	catalog, err := openCatalog(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer catalog.Close()

	op := opbase.New(opbase.WithLogger(log.WithField("op", "backup")))
	op.SetProgressCallback(logProgress)

	mgr := transfer.NewBackupManager(op, br, catalog)
	man, err := mgr.Run(ctx, transfer.BackupRequest{
		Device:      device,
		Type:        manifest.Type(cfg.BackupType),
		LocalRoot:   cfg.LocalRoot,
		RemoteRoots: splitNonEmpty(cfg.RemoteRoots),
		Detector:    explorer.NewUnsyncedAppDetector(br, br),
	})
	if err != nil {
		return err
	}
	fmt.Printf("backup complete: %s (%d files, %d bytes)\n", man.BackupID, man.FileCount, man.TotalSizeBytes)
	return nil
}

func runRestore(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}
	if cfg.Serial == "" || cfg.BackupID == "" {
		return fmt.Errorf("restore: -serial and -backup-id are required")
	}

	br, err := newADBBridge()
	if err != nil {
		return err
	}
	ctx := context.Background()
	device, err := resolveDevice(ctx, br, cfg.Serial)
	if err != nil {
		return err
	}

	catalog, err := openCatalog(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer catalog.Close()

	op := opbase.New(opbase.WithLogger(log.WithField("op", "restore")))
	op.SetProgressCallback(logProgress)

	mgr := transfer.NewRestoreManager(op, br, catalog)
	if err := mgr.Run(ctx, transfer.RestoreRequest{
		Device:   device,
		BackupID: cfg.BackupID,
		Dir:      cfg.RestoreDir,
	}); err != nil {
		return err
	}
	fmt.Printf("restore of %s complete\n", cfg.BackupID)
	return nil
}

func runClone(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}
	if cfg.Serial == "" || cfg.TargetSerial == "" {
		return fmt.Errorf("clone: -source and -target are required")
	}

	br, err := newADBBridge()
	if err != nil {
		return err
	}
	ctx := context.Background()
	source, err := resolveDevice(ctx, br, cfg.Serial)
	if err != nil {
		return err
	}
	target, err := resolveDevice(ctx, br, cfg.TargetSerial)
	if err != nil {
		return err
	}

	catalog, err := openCatalog(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer catalog.Close()

	runner := orchestrator.NewRunner(br, catalog, logProgress)
	result, err := runner.FullClone(ctx, orchestrator.FullCloneRequest{
		Source: source,
		Target: target,
		Clone:  transfer.CloneOptions{Verify: true},
		SideChannel: orchestrator.SideChannelOptions{
			Types: []manifest.Type{manifest.TypeContacts, manifest.TypeSMS},
		},
	})
	if err != nil {
		return err
	}
	fmt.Printf("clone complete: pulled %d, pushed %d, side-channel ok=%v errors=%d\n",
		result.Clone.FilesPulled, result.Clone.FilesPushed, result.SideChannelRun, len(result.SideChannelErrors))
	return nil
}

func runDedup(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}
	if cfg.Serial == "" {
		return fmt.Errorf("dedup: -serial is required")
	}

	br, err := newADBBridge()
	if err != nil {
		return err
	}
	ctx := context.Background()

	op := opbase.New(opbase.WithLogger(log.WithField("op", "dedup")))
	op.SetProgressCallback(logProgress)

	engine := dedup.NewEngine(op, br)
	result, err := engine.Run(ctx, cfg.Serial, dedup.Options{
		Roots:        splitNonEmpty(cfg.DedupRoots),
		MinSizeBytes: cfg.MinSizeBytes,
		DryRun:       cfg.DryRun,
	})
	if err != nil {
		return err
	}
	fmt.Printf("dedup complete: %d groups, %d deleted, %d false positives prevented\n",
		len(result.Groups), result.DeletedCount, len(result.PreventedFalsePositives))
	return nil
}

func runCleanup(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}
	if cfg.Serial == "" {
		return fmt.Errorf("cleanup: -serial is required")
	}

	br, err := newADBBridge()
	if err != nil {
		return err
	}
	ctx := context.Background()

	op := opbase.New(opbase.WithLogger(log.WithField("op", "cleanup")))
	op.SetProgressCallback(logProgress)

	dedupOp := opbase.New(opbase.WithLogger(log.WithField("op", "cleanup-dedup")))
	dedupAdapter := &cleanup.DedupAdapter{Engine: dedup.NewEngine(dedupOp, br), MinSizeBytes: cfg.MinSizeBytes}

	engine := cleanup.NewEngine(op, br, dedupAdapter)
	results, err := engine.ScanAll(ctx, cfg.Serial)
	if err != nil {
		return err
	}
	for _, r := range results {
		if cfg.CleanupMode != "" && string(r.Mode) != cfg.CleanupMode {
			continue
		}
		if r.RefusalReason != "" {
			fmt.Printf("%-14s refused: %s\n", r.Mode, r.RefusalReason)
			continue
		}
		fmt.Printf("%-14s %d items, ~%d bytes reclaimable\n", r.Mode, len(r.Items), r.Estimate.SizeBytes)
	}
	return nil
}

func runServe(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}
	log.Info("starting devicecore daemon")

	br, err := newADBBridge()
	if err != nil {
		return err
	}

	reg, err := registry.New(br, registry.DefaultConfig())
	if err != nil {
		return fmt.Errorf("starting device registry: %w", err)
	}
	reg.OnEvent(func(e registry.Event) {
		log.WithFields(logrus.Fields{"kind": e.Kind, "serial": e.Device.Serial}).Info("device event")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.Start(ctx)
	defer reg.Stop()

	log.Info("devicecore daemon started, watching for devices")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig).Info("received shutdown signal")

	cancel()
	time.Sleep(500 * time.Millisecond)
	log.Info("shutdown complete")
	return nil
}

// logProgress is the default progress sink every CLI subcommand wires in:
// one structured log line per emitted event rather than a live-updating
// terminal widget, since this binary's front end is left to an embedder
// (Progress is a callback contract, not a UI).
func logProgress(p opbase.Progress) {
	log.WithFields(logrus.Fields{
		"phase":     p.Phase,
		"sub_phase": p.SubPhase,
		"percent":   fmt.Sprintf("%.1f", p.Percent),
		"items":     fmt.Sprintf("%d/%d", p.ItemsDone, p.ItemsTotal),
	}).Info("progress")
}

// splitNonEmpty splits a comma-separated flag value, dropping empty
// segments (a trailing comma or an empty flag shouldn't produce a bogus
// root/path entry).
func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

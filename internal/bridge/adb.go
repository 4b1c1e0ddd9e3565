package bridge

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fly-sync/devicecore/internal/model"
)

// EnumeratedDevice is one line of `adb devices -l` parsed into its serial,
// raw state token, and key:value attribute map.
type EnumeratedDevice struct {
	Serial     string
	State      string
	Attributes map[string]string
}

// ListDevices runs `adb devices -l` and parses stdout line by line. Malformed
// lines are discarded silently rather than aborting the whole listing.
func (b *Bridge) ListDevices(ctx context.Context) ([]EnumeratedDevice, error) {
	res, err := b.Run(ctx, []string{"devices", "-l"}, "", DefaultEnumerateTimeout)
	if err != nil {
		return nil, err
	}

	var out []EnumeratedDevice
	lines := strings.Split(res.Stdout, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		dev := EnumeratedDevice{
			Serial:     fields[0],
			State:      fields[1],
			Attributes: map[string]string{},
		}
		for _, kv := range fields[2:] {
			parts := strings.SplitN(kv, ":", 2)
			if len(parts) != 2 {
				continue
			}
			dev.Attributes[parts[0]] = parts[1]
		}
		out = append(out, dev)
	}
	return out, nil
}

// parseState converts adb's raw state token into a model.ConnectionState,
// defaulting unknown tokens to StateOffline rather than erroring: an
// unrecognized state from an OEM-patched adb is still better surfaced as
// "not usable" than dropped.
func parseState(raw string) model.ConnectionState {
	switch raw {
	case "device":
		return model.StateConnected
	case "unauthorized":
		return model.StateUnauthorized
	case "recovery":
		return model.StateRecovery
	default:
		return model.StateOffline
	}
}

// GetProp fetches a single device property via `getprop`.
func (b *Bridge) GetProp(ctx context.Context, serial, key string) (string, error) {
	out, err := b.RunShell(ctx, "getprop "+shellQuote(key), serial, DefaultShellTimeout)
	if err != nil {
		return "", err
	}
	return strings.Trim(strings.TrimSpace(out), "[]"), nil
}

// DescribeDevice assembles a model.Device from an enumerated line plus a
// handful of getprop lookups, matching the human-friendly labels spec.md §3
// lists (manufacturer, model, OS version, storage summary).
func (b *Bridge) DescribeDevice(ctx context.Context, e EnumeratedDevice) model.Device {
	d := model.Device{
		Serial:   e.Serial,
		Platform: model.PlatformAndroid,
		State:    parseState(e.State),
		LastSeen: time.Now(),
	}
	if e.State != "device" {
		// Unauthorized/offline devices generally refuse shell access; don't
		// waste a subprocess round-trip discovering that.
		return d
	}

	if v, err := b.GetProp(ctx, e.Serial, "ro.product.manufacturer"); err == nil {
		d.Manufacturer = v
	}
	if v, err := b.GetProp(ctx, e.Serial, "ro.product.model"); err == nil {
		d.Model = v
	}
	if v, err := b.GetProp(ctx, e.Serial, "ro.build.version.release"); err == nil {
		d.OSVersion = v
	}
	if total, free, err := b.StorageSummary(ctx, e.Serial); err == nil {
		d.Storage = model.StorageSummary{TotalBytes: total, FreeBytes: free}
	}
	return d
}

// StorageSummary parses `df` for the primary shared storage mount.
func (b *Bridge) StorageSummary(ctx context.Context, serial string) (total, free int64, err error) {
	out, err := b.RunShell(ctx, "df /storage/emulated/0 2>/dev/null || df /sdcard", serial, DefaultShellTimeout)
	if err != nil {
		return 0, 0, err
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return 0, 0, fmt.Errorf("bridge: unexpected df output")
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 4 {
		return 0, 0, fmt.Errorf("bridge: unexpected df field count")
	}
	// df reports 1K blocks on most Android builds.
	totalK, err1 := strconv.ParseInt(fields[1], 10, 64)
	freeK, err2 := strconv.ParseInt(fields[3], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, fmt.Errorf("bridge: non-numeric df fields")
	}
	return totalK * 1024, freeK * 1024, nil
}

// PackageAPKPaths resolves a package's base and split APK paths via
// `pm path`, returning base first and any split APKs after (spec.md §6).
func (b *Bridge) PackageAPKPaths(ctx context.Context, serial, pkg string) (base string, splits []string, err error) {
	out, runErr := b.RunShell(ctx, "pm path "+shellQuote(pkg), serial, DefaultShellTimeout)
	if runErr != nil {
		return "", nil, runErr
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		path, ok := strings.CutPrefix(line, "package:")
		if !ok {
			continue
		}
		if strings.Contains(filepathBase(path), "base.apk") {
			base = path
		} else if strings.HasSuffix(path, ".apk") {
			splits = append(splits, path)
		}
	}
	if base == "" && len(splits) > 0 {
		// Some OEMs don't name the primary split "base.apk"; treat the
		// first reported path as base and keep the rest as splits.
		base, splits = splits[0], splits[1:]
	}
	return base, splits, nil
}

func filepathBase(p string) string {
	idx := strings.LastIndexByte(p, '/')
	if idx < 0 {
		return p
	}
	return p[idx+1:]
}

// ListPackages lists installed package names, optionally restricted to
// third-party packages (`-3`).
func (b *Bridge) ListPackages(ctx context.Context, serial string, thirdPartyOnly bool) ([]string, error) {
	cmd := "pm list packages"
	if thirdPartyOnly {
		cmd += " -3"
	}
	out, err := b.RunShell(ctx, cmd, serial, DefaultShellTimeout)
	if err != nil {
		return nil, err
	}
	var pkgs []string
	for _, line := range strings.Split(out, "\n") {
		name, ok := strings.CutPrefix(strings.TrimSpace(line), "package:")
		if ok && name != "" {
			pkgs = append(pkgs, name)
		}
	}
	return pkgs, nil
}

// Push runs `adb push <local> <remote>` with the extended file-transfer
// timeout spec.md §4.1 mandates.
func (b *Bridge) Push(ctx context.Context, serial, local, remote string) error {
	res, err := b.Run(ctx, []string{"push", local, remote}, serial, DefaultTransferTimeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("bridge: push failed (exit %d): %s", res.ExitCode, res.Stderr)
	}
	return nil
}

// Pull runs `adb pull <remote> <local>`.
func (b *Bridge) Pull(ctx context.Context, serial, remote, local string) error {
	res, err := b.Run(ctx, []string{"pull", remote, local}, serial, DefaultTransferTimeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("bridge: pull failed (exit %d): %s", res.ExitCode, res.Stderr)
	}
	return nil
}

// BackupOptions configures `adb backup`.
type BackupOptions struct {
	APK     bool
	Shared  bool
	System  bool
	DestFile string
}

// Backup runs `adb backup -all [-apk|-noapk] [-shared|-noshared]
// [-system|-nosystem] -f <file>`, preserving the argument order spec.md §6
// requires reimplementations to keep.
func (b *Bridge) Backup(ctx context.Context, serial string, opts BackupOptions, timeout time.Duration) error {
	args := []string{"backup", "-all"}
	args = append(args, boolFlag(opts.APK, "-apk", "-noapk"))
	args = append(args, boolFlag(opts.Shared, "-shared", "-noshared"))
	args = append(args, boolFlag(opts.System, "-system", "-nosystem"))
	args = append(args, "-f", opts.DestFile)

	res, err := b.Run(ctx, args, serial, timeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("bridge: backup failed (exit %d): %s", res.ExitCode, res.Stderr)
	}
	return nil
}

// Restore runs `adb restore <file>`.
func (b *Bridge) Restore(ctx context.Context, serial, file string, timeout time.Duration) error {
	res, err := b.Run(ctx, []string{"restore", file}, serial, timeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("bridge: restore failed (exit %d): %s", res.ExitCode, res.Stderr)
	}
	return nil
}

// Install runs `adb install -r <apk>`.
func (b *Bridge) Install(ctx context.Context, serial, apk string) error {
	res, err := b.Run(ctx, []string{"install", "-r", apk}, serial, DefaultTransferTimeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("bridge: install failed (exit %d): %s", res.ExitCode, res.Stderr)
	}
	return nil
}

// InstallMultiple runs `adb install-multiple -r <apk>...`, used when a
// package shape recorded during backup is a base+splits directory
// (spec.md §4.4's split-APK handling).
func (b *Bridge) InstallMultiple(ctx context.Context, serial string, apks []string) error {
	args := append([]string{"install-multiple", "-r"}, apks...)
	res, err := b.Run(ctx, args, serial, DefaultTransferTimeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("bridge: install-multiple failed (exit %d): %s", res.ExitCode, res.Stderr)
	}
	return nil
}

// TrimCaches runs `pm trim-caches <desiredFreeBytes>`, which asks the
// package manager to trim every app's cache until the requested amount of
// free space is available — the single bridge-level command the Cleanup
// Engine's app_cache mode invokes before its own batched directory removal
// (spec.md §4.6).
func (b *Bridge) TrimCaches(ctx context.Context, serial string, desiredFreeBytes int64) error {
	_, err := b.RunShell(ctx, fmt.Sprintf("pm trim-caches %d", desiredFreeBytes), serial, DefaultShellTimeout)
	return err
}

// Reboot runs `adb reboot [recovery|bootloader]`.
func (b *Bridge) Reboot(ctx context.Context, serial, mode string) error {
	args := []string{"reboot"}
	if mode != "" {
		args = append(args, mode)
	}
	_, err := b.Run(ctx, args, serial, DefaultShellTimeout)
	return err
}

// Enumerate satisfies registry.Enumerator: list every device adb currently
// sees and describe each one (manufacturer/model/OS/storage).
func (b *Bridge) Enumerate(ctx context.Context) ([]model.Device, error) {
	raw, err := b.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	devices := make([]model.Device, 0, len(raw))
	for _, e := range raw {
		devices = append(devices, b.DescribeDevice(ctx, e))
	}
	return devices, nil
}

// StartServer and KillServer manage the adb server process lifecycle.
func (b *Bridge) StartServer(ctx context.Context) error {
	_, err := b.Run(ctx, []string{"start-server"}, "", DefaultShellTimeout)
	return err
}

func (b *Bridge) KillServer(ctx context.Context) error {
	_, err := b.Run(ctx, []string{"kill-server"}, "", DefaultShellTimeout)
	return err
}

func boolFlag(v bool, yes, no string) string {
	if v {
		return yes
	}
	return no
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

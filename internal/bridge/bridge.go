// Package bridge wraps the external adb/ios command-line binary: the L0
// Shell Bridge of SPEC_FULL.md. It exposes the two primitives spec.md §4.1
// names (Run, RunShell) and serializes every invocation under a single
// mutex because the bridge binary has process-level state (server port,
// transport) that interleaved invocations would corrupt.
package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fly-sync/devicecore/internal/telemetry"
)

// ErrNotConfigured is returned when the bridge binary cannot be located by
// any of the discovery strategies in spec.md §4.1.
var ErrNotConfigured = errors.New("bridge: binary not configured")

// Kind distinguishes which external tool a Bridge wraps.
type Kind string

const (
	KindADB Kind = "adb"
	KindIOS Kind = "ios"
)

// Default timeouts, spec.md §5.
const (
	DefaultEnumerateTimeout = 30 * time.Second
	DefaultShellTimeout     = 60 * time.Second
	DefaultTransferTimeout  = 10 * time.Minute
	DefaultLongOpTimeout    = 2 * time.Hour
)

// Result is the outcome of a Run invocation. ExitCode != 0 is not fatal to
// the bridge itself; it is returned to the caller to interpret.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Bridge serializes all invocations of one external binary behind a single
// mutex, mirroring the teacher's safeguards.OperationGuard with
// MaxConcurrent pinned at 1: a bridge instance always talks to one
// transport, so two logical operations on the same bridge never overlap at
// the process level. Two bridges (one Android, one iOS) may run
// concurrently without interfering with each other.
type Bridge struct {
	kind   Kind
	binary string
	mu     sync.Mutex
	logger logrus.FieldLogger
	tracer *telemetry.Tracer
	metrics *telemetry.Metrics
}

// Option configures a Bridge at construction time.
type Option func(*Bridge)

// WithLogger overrides the default standard logrus logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithTelemetry wires a tracer/metrics pair; both default to no-ops.
func WithTelemetry(t *telemetry.Tracer, m *telemetry.Metrics) Option {
	return func(b *Bridge) {
		b.tracer = t
		b.metrics = m
	}
}

// New locates the bridge binary using the discovery order spec.md §4.1
// defines: a sibling platform-tools/ directory, then PATH, otherwise
// ErrNotConfigured.
func New(kind Kind, opts ...Option) (*Bridge, error) {
	binary, err := locate(kind)
	if err != nil {
		return nil, err
	}
	b := &Bridge{
		kind:    kind,
		binary:  binary,
		logger:  logrus.StandardLogger().WithField("component", "bridge").WithField("kind", string(kind)),
		tracer:  telemetry.NoopTracer(),
		metrics: telemetry.NoopMetrics(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func binaryName(kind Kind) string {
	if kind == KindIOS {
		return "ios"
	}
	return "adb"
}

func locate(kind Kind) (string, error) {
	name := binaryName(kind)

	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), "platform-tools", name)
		if info, statErr := os.Stat(sibling); statErr == nil && !info.IsDir() {
			return sibling, nil
		}
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("%w: %s not found beside executable or on PATH", ErrNotConfigured, name)
}

// Binary returns the resolved path to the wrapped binary, for diagnostics.
func (b *Bridge) Binary() string { return b.binary }

// Run executes the bridge binary with the given arguments against the given
// device serial (empty for commands that do not target one device) and
// returns within timeout. A timeout kills the child process and returns an
// empty Result; the caller decides how to treat that (spec.md §4.1, §5).
func (b *Bridge) Run(ctx context.Context, args []string, serial string, timeout time.Duration) (Result, error) {
	full := args
	if serial != "" {
		full = append([]string{"-s", serial}, args...)
	}

	ctx, span := b.tracer.StartSpan(ctx, "bridge.run")
	defer span.End()

	b.mu.Lock()
	defer b.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b.logger.WithField("args", full).Debug("invoking bridge binary")

	cmd := exec.CommandContext(runCtx, b.binary, full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	b.metrics.IncBridgeCalls()

	if runCtx.Err() == context.DeadlineExceeded {
		b.logger.WithField("args", full).Warn("bridge invocation timed out")
		return Result{}, fmt.Errorf("bridge: command timed out after %s", timeout)
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{}, fmt.Errorf("bridge: failed to start command: %w", err)
		}
	}

	return Result{
		ExitCode: exitCode,
		Stdout:   toValidUTF8(stdout.String()),
		Stderr:   toValidUTF8(stderr.String()),
	}, nil
}

// RunShell runs `<bridge> [-s serial] shell <command>` and returns decoded
// stdout. Non-UTF-8 bytes are replaced with the Unicode replacement
// character rather than dropped (spec.md §4.1).
func (b *Bridge) RunShell(ctx context.Context, command string, serial string, timeout time.Duration) (string, error) {
	res, err := b.Run(ctx, []string{"shell", command}, serial, timeout)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

func toValidUTF8(s string) string {
	return strings.ToValidUTF8(s, "�")
}

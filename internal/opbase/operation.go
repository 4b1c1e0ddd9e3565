// Package opbase is the Operation Framework (L2): the shared manager
// substrate every L3 pipeline manager embeds. It provides cancellation,
// progress emission, a device-side confirmation overlay protocol,
// parallelism heuristics, and adaptive batching over the high-latency
// subprocess-based Shell Bridge (SPEC_FULL.md §3.3).
//
// This is the spiritual successor to the teacher's hidden `fsm` engine core
// (Manager/Register/Transition) and to safeguards.OperationGuard /
// safeguards.RecoverableOperation, generalized from "serialize devicemapper
// operations" to "run one device-synchronization operation with
// cancellation, progress, and a durable run-state checkpoint."
package opbase

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/fly-sync/devicecore/internal/telemetry"
)

// OpError is one entry in an operation's accumulated error list. A single
// file's or stage's failure is recorded here and does not abort the batch
// or workflow (spec.md §7's "maximum-data-recovered" propagation policy).
type OpError struct {
	Message string
	Path    string
	Err     error
}

func (e OpError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// ProgressSink receives Progress events. Its contract requires it not to
// block (spec.md §5): it is called inline from whichever goroutine produced
// the update.
type ProgressSink func(Progress)

// ConfirmationSink is the device-side confirmation overlay pair: show is
// called before a confirmation-gated bridge command launches, dismiss is
// guaranteed to be called exactly once per show, even on failure paths
// (spec.md §4.3, §6).
type ConfirmationSink struct {
	Show    func(title, message string)
	Dismiss func()
}

// Operation owns the cancellation flag, start timestamp, accumulated error
// list, and progress sink for exactly one in-flight backup/restore/
// transfer/clone/dedup/cleanup. Concurrent operations require distinct
// Operation instances (spec.md §3).
type Operation struct {
	ID ulid.ULID

	cancelled atomic.Bool
	startedAt time.Time

	mu     sync.Mutex
	errors []OpError

	progressSink ProgressSink
	confirmation ConfirmationSink

	logger  logrus.FieldLogger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	store   *Store
}

// Option configures an Operation at construction time.
type Option func(*Operation)

func WithLogger(l logrus.FieldLogger) Option      { return func(o *Operation) { o.logger = l } }
func WithTelemetry(m *telemetry.Metrics, t *telemetry.Tracer) Option {
	return func(o *Operation) { o.metrics, o.tracer = m, t }
}
func WithStore(s *Store) Option { return func(o *Operation) { o.store = s } }

// New creates an Operation. Call BeginOperation before using it.
func New(opts ...Option) *Operation {
	op := &Operation{
		logger:  logrus.StandardLogger().WithField("component", "operation"),
		metrics: telemetry.NoopMetrics(),
		tracer:  telemetry.NoopTracer(),
	}
	for _, opt := range opts {
		opt(op)
	}
	op.BeginOperation()
	return op
}

// BeginOperation resets the cancellation flag, clears accumulated errors,
// and records a new start time. The cancellation flag remains set until
// this is called again (spec.md §8's invariant).
func (o *Operation) BeginOperation() {
	o.cancelled.Store(false)
	o.mu.Lock()
	o.errors = nil
	o.mu.Unlock()
	o.startedAt = time.Now()
	o.ID = ulid.Make()
	if o.store != nil {
		o.store.checkpoint(o.ID, Progress{Phase: PhaseRunning})
	}
}

// Cancel sets the cancellation flag. Cancellation is cooperative: it does
// not kill any in-flight subprocess, which is left to run to its own
// timeout so device-side writes never land in an inconsistent state
// (spec.md §5, §9).
func (o *Operation) Cancel() {
	o.cancelled.Store(true)
}

// Cancelled reports whether cancellation has been requested. Callers check
// this at every loop boundary and before every bridge call (spec.md §5).
func (o *Operation) Cancelled() bool {
	return o.cancelled.Load()
}

// SetProgressCallback installs the progress sink. Set once before the
// operation starts and read freely thereafter (spec.md §5).
func (o *Operation) SetProgressCallback(cb ProgressSink) {
	o.progressSink = cb
}

// SetConfirmationCallback installs the device confirmation overlay pair.
func (o *Operation) SetConfirmationCallback(show func(title, message string), dismiss func()) {
	o.confirmation = ConfirmationSink{Show: show, Dismiss: dismiss}
}

// Emit fills in ElapsedSeconds/EtaSeconds and forwards p to the progress
// sink, if any. Progress emission is non-blocking by contract.
func (o *Operation) Emit(p Progress) {
	fillDerived(&p, o.startedAt)
	if len(o.Errors()) > 0 {
		p.Errors = o.errorStrings()
	}
	if o.store != nil {
		o.store.checkpoint(o.ID, p)
	}
	if o.progressSink != nil {
		o.progressSink(p)
	}
}

// AddError appends to the operation's error accumulator under the same
// mutex that guards progress (spec.md §5's "Error accumulators are mutated
// under the progress mutex").
func (o *Operation) AddError(message string, path string, err error) {
	o.mu.Lock()
	o.errors = append(o.errors, OpError{Message: message, Path: path, Err: err})
	o.mu.Unlock()
	o.logger.WithFields(logrus.Fields{"path": path, "error": err}).Warn(message)
}

// Errors returns a copy of the accumulated error list.
func (o *Operation) Errors() []OpError {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]OpError, len(o.errors))
	copy(out, o.errors)
	return out
}

func (o *Operation) errorStrings() []string {
	errs := o.Errors()
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Error()
	}
	return out
}

// FinalPhase returns "complete" if the error list is empty, otherwise
// "complete_with_errors" (spec.md §7).
func (o *Operation) FinalPhase() string {
	if len(o.Errors()) == 0 {
		return PhaseComplete
	}
	return PhaseCompleteWithErrors
}

// Finish emits a terminal progress event and records operation duration.
func (o *Operation) Finish() {
	phase := o.FinalPhase()
	o.Emit(Progress{Phase: phase, Percent: 100})
	o.metrics.ObserveOperation(phase, time.Since(o.startedAt).Seconds())
}

// RunWithConfirmation invokes show(title, message), runs fn with an
// extended timeout context, and invokes dismiss() exactly once regardless
// of outcome (spec.md §4.3's wrapper around confirmation-gated bridge
// commands, grounded on safeguards.RecoverableOperation's
// defer+recover shape).
func (o *Operation) RunWithConfirmation(ctx context.Context, title, message string, timeout time.Duration, fn func(context.Context) error) (err error) {
	if o.confirmation.Show != nil {
		o.confirmation.Show(title, message)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("opbase: panic during confirmed operation %q: %v", title, r)
		}
		if o.confirmation.Dismiss != nil {
			o.confirmation.Dismiss()
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(runCtx)
}

// Package registry implements the Device Registry (L1): a single background
// task that polls device enumeration and dispatches connect/changed/
// disconnected events, backed by an in-memory MVCC table
// (github.com/hashicorp/go-memdb) instead of a bare map+mutex so that
// consumers can take consistent snapshot reads while the poll goroutine
// keeps writing (SPEC_FULL.md §3.2).
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-memdb"
	"github.com/sirupsen/logrus"

	"github.com/fly-sync/devicecore/internal/model"
)

const devicesTable = "devices"

// EventKind enumerates the three transitions spec.md §4.2 defines.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventChanged      EventKind = "changed"
	EventDisconnected EventKind = "disconnected"
)

// Event is dispatched to every registered callback on each poll diff.
type Event struct {
	Kind   EventKind
	Device model.Device
}

// Enumerator is implemented by a bridge (or a fan-in of several bridges);
// it is the only thing the registry needs from the outside world.
type Enumerator interface {
	Enumerate(ctx context.Context) ([]model.Device, error)
}

// Handler receives registry events. Handlers must not block — the registry
// calls them synchronously from the poll goroutine.
type Handler func(Event)

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			devicesTable: {
				Name: devicesTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Serial"},
					},
					"platform": {
						Name:    "platform",
						Indexer: &memdb.StringFieldIndex{Field: "Platform"},
					},
					"state": {
						Name:    "state",
						Indexer: &memdb.StringFieldIndex{Field: "State"},
					},
				},
			},
		},
	}
}

// memdb requires its indexed fields to be plain Go kinds; deviceRow is the
// table row shape, kept separate from model.Device only so the indexer
// field types (string, not a named type) are unambiguous.
type deviceRow struct {
	Serial   string
	Platform string
	State    string
	Device   model.Device
}

// Registry owns the authoritative serial->device mapping. Consumers treat
// it as read-only; only the poll goroutine mutates it (SPEC_FULL.md §3.2).
type Registry struct {
	db     *memdb.MemDB
	enum   Enumerator
	logger logrus.FieldLogger

	pollInterval time.Duration

	mu       sync.Mutex
	handlers []Handler

	cancel context.CancelFunc
	done   chan struct{}
}

// Config configures the registry's poll cadence.
type Config struct {
	PollInterval time.Duration
	Logger       logrus.FieldLogger
}

// DefaultConfig mirrors spec.md's default poll interval of 2 seconds.
func DefaultConfig() Config {
	return Config{PollInterval: 2 * time.Second}
}

// New creates a registry; it does not start polling until Start is called.
func New(enum Enumerator, cfg Config) (*Registry, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Registry{
		db:           db,
		enum:         enum,
		logger:       cfg.Logger.WithField("component", "registry"),
		pollInterval: cfg.PollInterval,
	}, nil
}

// OnEvent registers a handler invoked for every connect/change/disconnect.
func (r *Registry) OnEvent(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// Start launches the background poll goroutine.
func (r *Registry) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()
		for {
			r.pollOnce(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop cancels the poll goroutine and joins it with a 5-second deadline;
// past that it returns regardless, matching spec.md §4.2's cancellation
// contract.
func (r *Registry) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		r.logger.Warn("registry poll task did not stop within 5s deadline")
	}
}

// pollOnce enumerates devices (retrying transient failures with bounded
// exponential backoff so one flaky poll can't masquerade as a mass
// disconnect), diffs against the previous snapshot, and dispatches events.
func (r *Registry) pollOnce(ctx context.Context) {
	var current []model.Device
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(), 2), ctx)

	err := backoff.Retry(func() error {
		devices, enumErr := r.enum.Enumerate(ctx)
		if enumErr != nil {
			r.logger.WithError(enumErr).Warn("device enumeration failed, retrying")
			return enumErr
		}
		current = devices
		return nil
	}, policy)
	if err != nil {
		r.logger.WithError(err).Error("device enumeration failed after retries; skipping this poll")
		return
	}

	txn := r.db.Txn(true)
	seen := map[string]bool{}

	for _, dev := range current {
		seen[dev.Serial] = true
		raw, _ := txn.First(devicesTable, "id", dev.Serial)

		if raw == nil {
			txn.Insert(devicesTable, deviceRow{Serial: dev.Serial, Platform: string(dev.Platform), State: string(dev.State), Device: dev})
			r.dispatch(Event{Kind: EventConnected, Device: dev})
			continue
		}

		prev := raw.(deviceRow).Device
		txn.Insert(devicesTable, deviceRow{Serial: dev.Serial, Platform: string(dev.Platform), State: string(dev.State), Device: dev})
		if !sameDevice(prev, dev) {
			r.dispatch(Event{Kind: EventChanged, Device: dev})
		}
	}

	readTxn := r.db.Txn(false)
	it, _ := readTxn.Get(devicesTable, "id")
	var stale []model.Device
	for raw := it.Next(); raw != nil; raw = it.Next() {
		row := raw.(deviceRow)
		if !seen[row.Serial] {
			stale = append(stale, row.Device)
		}
	}
	readTxn.Abort()

	for _, dev := range stale {
		// Disconnected fires before removal so handlers can still see the
		// last-known state (spec.md §4.2's ordering guarantee).
		r.dispatch(Event{Kind: EventDisconnected, Device: dev})
		txn.Delete(devicesTable, deviceRow{Serial: dev.Serial})
	}

	txn.Commit()
}

func sameDevice(a, b model.Device) bool {
	return a.State == b.State && a.Storage == b.Storage && a.OSVersion == b.OSVersion
}

func (r *Registry) dispatch(e Event) {
	r.mu.Lock()
	handlers := append([]Handler(nil), r.handlers...)
	r.mu.Unlock()
	for _, h := range handlers {
		h(e)
	}
}

// Get returns a snapshot copy of one device, or false if unknown.
func (r *Registry) Get(serial string) (model.Device, bool) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(devicesTable, "id", serial)
	if err != nil || raw == nil {
		return model.Device{}, false
	}
	return raw.(deviceRow).Device.Clone(), true
}

// List returns a consistent snapshot of every currently-known device.
func (r *Registry) List() []model.Device {
	txn := r.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(devicesTable, "id")
	if err != nil {
		return nil
	}
	var out []model.Device
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(deviceRow).Device.Clone())
	}
	return out
}

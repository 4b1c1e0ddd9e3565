// Package model holds the shared data types that flow between the bridge,
// registry, and the L3 pipelines: devices, file entries, cleanup items, and
// dedup groups. None of these types own I/O handles; ownership rules are
// spelled out in SPEC_FULL.md §3.
package model

import "time"

// Platform identifies which bridge family a device speaks to.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// ConnectionState mirrors the states adb/ios report for an enumerated device.
type ConnectionState string

const (
	StateConnected   ConnectionState = "connected"
	StateUnauthorized ConnectionState = "unauthorized"
	StateOffline     ConnectionState = "offline"
	StateRecovery    ConnectionState = "recovery"
)

// StorageSummary holds total/free bytes as last reported by the device.
type StorageSummary struct {
	TotalBytes int64
	FreeBytes  int64
}

// Device is identified by an opaque serial assigned by the bridge. It is
// created on enumeration, refreshed on state transitions, and discarded on
// disconnect; it never owns I/O handles directly (SPEC_FULL.md §3).
type Device struct {
	Serial       string
	Platform     Platform
	State        ConnectionState
	Manufacturer string
	Model        string
	OSVersion    string
	Storage      StorageSummary
	LastSeen     time.Time
}

// Clone returns a value copy safe to hand to a consumer without sharing the
// registry's internal memdb-backed record.
func (d Device) Clone() Device {
	return d
}

// FileEntry is a (remote_path, size_bytes) pair produced by storage
// indexing. Size may be zero for empty or unreadable files.
type FileEntry struct {
	RemotePath string
	SizeBytes  int64
}

// CleanupItemType distinguishes a directory cleanup target from a file.
type CleanupItemType string

const (
	CleanupItemDir  CleanupItemType = "dir"
	CleanupItemFile CleanupItemType = "file"
)

// CleanupItem is a single candidate for removal discovered by a Cleanup
// Engine scan mode. GroupTag links duplicates sharing a dedup hash.
type CleanupItem struct {
	Path     string
	SizeBytes int64
	Type     CleanupItemType
	Detail   string
	GroupTag string
}

// DedupGroup is a set of paths verified equal through every funnel stage,
// plus the original chosen by the Stage 5 keep-policy tie-break ordering.
type DedupGroup struct {
	Paths    []string
	Original string
	SizeBytes int64
}

// Package manifest implements the Backup Manifest model of SPEC_FULL.md §3:
// a persisted descriptor for a completed backup, plus a SQLite-backed
// catalog for enumerating and deleting backups. Schema and migration style
// mirror the teacher's database package (WAL mode, schema_migrations
// table, idempotent CREATE TABLE IF NOT EXISTS).
package manifest

import (
	"encoding/json"
	"time"
)

// Type enumerates the backup types spec.md §3 defines.
type Type string

const (
	TypeFull          Type = "full"
	TypeFiles         Type = "files"
	TypeApps          Type = "apps"
	TypeContacts      Type = "contacts"
	TypeSMS           Type = "sms"
	TypeMessaging     Type = "messaging"
	TypeUnsyncedApps  Type = "unsynced_apps"
	TypeCustom        Type = "custom"
)

// ValidTypes lists every backup type the enumeration in spec.md §3 allows;
// enumeration rejects any manifest whose BackupType isn't in this set.
var ValidTypes = map[Type]bool{
	TypeFull: true, TypeFiles: true, TypeApps: true, TypeContacts: true,
	TypeSMS: true, TypeMessaging: true, TypeUnsyncedApps: true, TypeCustom: true,
}

// DeviceSnapshot is the device record captured at backup creation time —
// a value copy, never a live reference (spec.md §3's ownership rule that a
// backup manifest never shares mutable state with the registry).
type DeviceSnapshot struct {
	Serial       string `json:"serial"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	OSVersion    string `json:"os_version"`
}

// Manifest is the on-disk manifest.json descriptor, fields exactly as
// spec.md §3 lists them.
type Manifest struct {
	BackupID         string         `json:"backup_id"`
	BackupType       Type           `json:"backup_type"`
	Categories       []string       `json:"categories,omitempty"`
	Device           DeviceSnapshot `json:"device"`
	TotalSizeBytes   int64          `json:"total_size_bytes"`
	FileCount        int            `json:"file_count"`
	AppCount         int            `json:"app_count"`
	PackageIDs       []string       `json:"package_ids,omitempty"`
	CustomPaths      []string       `json:"custom_paths,omitempty"`
	MessagingAppKeys []string       `json:"messaging_app_keys,omitempty"`
	Encrypted        bool           `json:"encrypted"`
	Compressed       bool           `json:"compressed"`
	DurationSeconds  float64        `json:"duration_seconds"`
	CreatedAt        time.Time      `json:"created_at"`
	Notes            string         `json:"notes,omitempty"`
}

// Marshal/Unmarshal implement the teacher's Codec-interface idiom (types.go)
// for manifest.json serialization.
func (m *Manifest) Marshal() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

func (m *Manifest) Unmarshal(data []byte) error {
	return json.Unmarshal(data, m)
}

// Valid reports whether m has a recognized backup type — the enumeration
// invariant of spec.md §3/§8: directories with an unparseable or unknown
// type are treated as invalid, same as directories missing manifest.json
// entirely.
func (m *Manifest) Valid() bool {
	return m.BackupID != "" && ValidTypes[m.BackupType]
}

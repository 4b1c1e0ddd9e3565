package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// backupIDNamespace is a stable, process-wide namespace used when deriving
// deterministic backup IDs. It must not change, or previously derived IDs
// stop matching their inputs on recomputation.
const backupIDNamespace = "devicecore-backup-v1"

// DeriveBackupID deterministically derives a backup_id from the device
// label, backup type, and creation timestamp. The same three inputs always
// produce the same ID, so re-running a backup enumeration or re-deriving an
// ID for a known directory converges on the same identifier rather than
// minting a new one (spec.md §3's identity rule for backups).
func DeriveBackupID(deviceLabel string, backupType Type, createdAt time.Time) string {
	key := deviceLabel + ":" + string(backupType) + ":" + createdAt.UTC().Format(time.RFC3339Nano)
	h := sha256.Sum256([]byte(backupIDNamespace + ":" + key))
	return "bkp_" + hex.EncodeToString(h[:])[:32]
}

package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveBackupIDDeterministic(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := DeriveBackupID("pixel-8", TypeFull, ts)
	b := DeriveBackupID("pixel-8", TypeFull, ts)
	c := DeriveBackupID("pixel-8", TypeFiles, ts)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestManifestValid(t *testing.T) {
	m := Manifest{BackupID: "bkp_x", BackupType: TypeApps}
	assert.True(t, m.Valid())

	m.BackupType = "not-a-type"
	assert.False(t, m.Valid())

	m2 := Manifest{BackupType: TypeApps}
	assert.False(t, m2.Valid())
}

func TestEnumerateRootSkipsMissingOrInvalidManifests(t *testing.T) {
	root := t.TempDir()

	good := filepath.Join(root, "good")
	require.NoError(t, WriteManifestFile(good, Manifest{
		BackupID: "bkp_good", BackupType: TypeFull,
		Device: DeviceSnapshot{Serial: "SERIAL1"}, CreatedAt: time.Now(),
	}))

	noManifest := filepath.Join(root, "empty")
	require.NoError(t, os.MkdirAll(noManifest, 0o755))

	corrupt := filepath.Join(root, "corrupt")
	require.NoError(t, os.MkdirAll(corrupt, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(corrupt, manifestFileName), []byte("{not json"), 0o644))

	unknownType := filepath.Join(root, "unknown-type")
	require.NoError(t, os.MkdirAll(unknownType, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(unknownType, manifestFileName), []byte(`{"backup_id":"bkp_bad","backup_type":"nonsense"}`), 0o644))

	cat, err := OpenCatalog(Config{Path: filepath.Join(root, "catalog.db"), MaxOpenConns: 1, MaxIdleConns: 1, ConnMaxLifetime: time.Hour})
	require.NoError(t, err)
	defer cat.Close()

	found, err := cat.EnumerateRoot(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "bkp_good", found[0].BackupID)

	ids, err := cat.ListByDevice(context.Background(), "SERIAL1")
	require.NoError(t, err)
	assert.Equal(t, []string{"bkp_good"}, ids)
}

func TestUpsertRoundTripsChildRows(t *testing.T) {
	root := t.TempDir()
	cat, err := OpenCatalog(Config{Path: filepath.Join(root, "catalog.db"), MaxOpenConns: 1, MaxIdleConns: 1, ConnMaxLifetime: time.Hour})
	require.NoError(t, err)
	defer cat.Close()

	m := Manifest{
		BackupID:         "bkp_custom",
		BackupType:       TypeCustom,
		Device:           DeviceSnapshot{Serial: "S1"},
		CustomPaths:      []string{"/sdcard/DCIM", "/sdcard/Download"},
		PackageIDs:       []string{"com.example.app"},
		MessagingAppKeys: []string{"whatsapp"},
		Categories:       []string{"media"},
		CreatedAt:        time.Now(),
	}
	require.NoError(t, cat.Upsert(context.Background(), m, filepath.Join(root, "custom")))

	got, dir, err := cat.GetByID(context.Background(), "bkp_custom")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, filepath.Join(root, "custom"), dir)
	assert.ElementsMatch(t, m.CustomPaths, got.CustomPaths)
	assert.ElementsMatch(t, m.PackageIDs, got.PackageIDs)
	assert.ElementsMatch(t, m.MessagingAppKeys, got.MessagingAppKeys)

	require.NoError(t, cat.Delete(context.Background(), "bkp_custom"))
	got, _, err = cat.GetByID(context.Background(), "bkp_custom")
	require.NoError(t, err)
	assert.Nil(t, got)
}

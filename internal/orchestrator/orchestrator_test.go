package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fly-sync/devicecore/internal/manifest"
	"github.com/fly-sync/devicecore/internal/opbase"
)

func TestEmitRescalesPercentIntoSubRange(t *testing.T) {
	var got []opbase.Progress
	r := &Runner{sink: func(p opbase.Progress) { got = append(got, p) }}

	r.emit(50, 80, opbase.Progress{Percent: 0})
	r.emit(50, 80, opbase.Progress{Percent: 50})
	r.emit(50, 80, opbase.Progress{Percent: 100})

	require.Len(t, got, 3)
	assert.InDelta(t, 50, got[0].Percent, 0.001)
	assert.InDelta(t, 65, got[1].Percent, 0.001)
	assert.InDelta(t, 80, got[2].Percent, 0.001)
}

func TestEmitIsNoOpWithoutASink(t *testing.T) {
	r := &Runner{}
	assert.NotPanics(t, func() { r.emit(0, 100, opbase.Progress{Percent: 50}) })
}

func TestManifestDirJoinsStagingRootAndBackupID(t *testing.T) {
	dir, err := manifestDir("/tmp/staging", manifest.Manifest{BackupID: "01HBACKUP"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/staging/01HBACKUP", dir)
}

func TestManifestDirRejectsEmptyBackupID(t *testing.T) {
	_, err := manifestDir("/tmp/staging", manifest.Manifest{})
	assert.Error(t, err)
}

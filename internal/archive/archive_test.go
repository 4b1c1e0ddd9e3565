package archive

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateKeyRejectsTraversalAndAbsolutePaths(t *testing.T) {
	assert.NoError(t, validateKey("01H.../manifest.json"))
	assert.Error(t, validateKey(""))
	assert.Error(t, validateKey("../escape"))
	assert.Error(t, validateKey("/absolute"))
	assert.Error(t, validateKey("has\x00null"))
}

func TestObjectKeyJoinsBackupIDAndRelPath(t *testing.T) {
	key, err := objectKey("01HBACKUP", "DCIM/IMG_001.jpg")
	require.NoError(t, err)
	assert.Equal(t, "01HBACKUP/DCIM/IMG_001.jpg", key)
}

func TestObjectKeyRejectsTraversalInRelPath(t *testing.T) {
	_, err := objectKey("01HBACKUP", "../../etc/passwd")
	assert.Error(t, err)
}

func TestProgressReaderCountsBytesAndInvokesCallback(t *testing.T) {
	var lastRead, lastTotal int64
	payload := []byte("devicecore archive payload")
	src := bytes.NewReader(payload)
	pr := newProgressReader(src, func(read, total int64) {
		lastRead = read
		lastTotal = total
	}, int64(len(payload)))

	n, err := io.Copy(io.Discard, pr)
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), n)
	assert.EqualValues(t, len(payload), lastRead)
	assert.EqualValues(t, len(payload), lastTotal)
}

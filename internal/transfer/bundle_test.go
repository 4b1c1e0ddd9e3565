package transfer

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTarFile(t *testing.T, entries map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	w := tar.NewWriter(&buf)
	for name, content := range entries {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		require.NoError(t, w.WriteHeader(hdr))
		_, err := w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	path := filepath.Join(t.TempDir(), "bundle.tar")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestExtractBundleExtractsRegularFiles(t *testing.T) {
	src := writeTarFile(t, map[string]string{
		"a.txt":     "hello",
		"dir/b.txt": "world",
	})
	dest := t.TempDir()

	result, err := ExtractBundle(context.Background(), src, dest, DefaultBundleOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, result.FilesExtracted)
	assert.EqualValues(t, 10, result.BytesExtracted)

	got, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	got, err = os.ReadFile(filepath.Join(dest, "dir", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))
}

func TestExtractBundleRejectsPathTraversal(t *testing.T) {
	var buf bytes.Buffer
	w := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: "../../etc/passwd", Mode: 0o644, Size: 4}
	require.NoError(t, w.WriteHeader(hdr))
	_, err := w.Write([]byte("evil"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	path := filepath.Join(t.TempDir(), "evil.tar")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	dest := t.TempDir()

	result, err := ExtractBundle(context.Background(), path, dest, DefaultBundleOptions())
	require.NoError(t, err)
	assert.Equal(t, 0, result.FilesExtracted)

	_, statErr := os.Stat(filepath.Join(filepath.Dir(dest), "etc", "passwd"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractBundleRejectsAbsolutePath(t *testing.T) {
	var buf bytes.Buffer
	w := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: "/etc/passwd", Mode: 0o644, Size: 4}
	require.NoError(t, w.WriteHeader(hdr))
	_, err := w.Write([]byte("evil"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	path := filepath.Join(t.TempDir(), "evil.tar")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	dest := t.TempDir()

	result, err := ExtractBundle(context.Background(), path, dest, DefaultBundleOptions())
	require.NoError(t, err)
	assert.Equal(t, 0, result.FilesExtracted)
}

func TestExtractBundleRejectsSymlinkEscape(t *testing.T) {
	var buf bytes.Buffer
	w := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:     "escape",
		Typeflag: tar.TypeSymlink,
		Linkname: "../../outside",
		Mode:     0o777,
	}
	require.NoError(t, w.WriteHeader(hdr))
	require.NoError(t, w.Close())

	path := filepath.Join(t.TempDir(), "symlink.tar")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	dest := t.TempDir()

	_, err := ExtractBundle(context.Background(), path, dest, DefaultBundleOptions())
	require.Error(t, err)
}

func TestExtractBundleEnforcesFileSizeCeiling(t *testing.T) {
	src := writeTarFile(t, map[string]string{"huge.bin": "0123456789"})
	dest := t.TempDir()

	opts := DefaultBundleOptions()
	opts.MaxFileSize = 5
	_, err := ExtractBundle(context.Background(), src, dest, opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestExtractBundleEnforcesFileCountCeiling(t *testing.T) {
	src := writeTarFile(t, map[string]string{"a.txt": "x", "b.txt": "y", "c.txt": "z"})
	dest := t.TempDir()

	opts := DefaultBundleOptions()
	opts.MaxFiles = 2
	_, err := ExtractBundle(context.Background(), src, dest, opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file count limit")
}

func TestExtractBundleRejectsSetuidBit(t *testing.T) {
	var buf bytes.Buffer
	w := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: "suid.bin", Mode: 0o4755, Size: 3}
	require.NoError(t, w.WriteHeader(hdr))
	_, err := w.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	path := filepath.Join(t.TempDir(), "suid.tar")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	dest := t.TempDir()

	_, err = ExtractBundle(context.Background(), path, dest, DefaultBundleOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "setuid")
}

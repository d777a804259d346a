package store

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() logrus.FieldLogger {
	log := logrus.New()
	log.Out = io.Discard
	return log
}

func TestIngest(t *testing.T) {
	content := strings.Repeat("artifact data ", 1000)
	wantDigest := sha256.Sum256([]byte(content))

	t.Run("disk only", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "v1", "app.jar")
		got, err := Ingest(strings.NewReader(content), dest, false)
		require.NoError(t, err)

		assert.Equal(t, hex.EncodeToString(wantDigest[:]), got.SHA256)
		assert.EqualValues(t, len(content), got.Size)
		assert.Nil(t, got.Content)

		onDisk, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.Equal(t, content, string(onDisk))
	})

	t.Run("disk and memory", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "v1", "app.jar")
		got, err := Ingest(strings.NewReader(content), dest, true)
		require.NoError(t, err)

		assert.Equal(t, hex.EncodeToString(wantDigest[:]), got.SHA256)
		assert.Equal(t, content, string(got.Content))
	})

	t.Run("failed read removes partial file", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "v1", "app.jar")
		src := io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(io.ErrUnexpectedEOF))

		_, err := Ingest(src, dest, false)
		require.Error(t, err)
		_, err = os.Stat(dest)
		assert.True(t, os.IsNotExist(err), "partial file must not survive")
	})
}

func TestIngestFileRoundTrip(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "app.jar")
	first, err := Ingest(strings.NewReader("stable bytes"), dest, false)
	require.NoError(t, err)

	again, err := IngestFile(dest, true)
	require.NoError(t, err)
	assert.Equal(t, first.SHA256, again.SHA256, "digest must reproduce")
	assert.Equal(t, first.Size, again.Size)
	assert.Equal(t, "stable bytes", string(again.Content))
}

func TestMetadataRoundTrip(t *testing.T) {
	dataPath := filepath.Join(t.TempDir(), "app.jar")
	require.NoError(t, os.WriteFile(dataPath, []byte("x"), 0o644))

	require.NoError(t, WriteMetadata(dataPath, "jar"))
	identifier, err := ReadMetadata(dataPath)
	require.NoError(t, err)
	assert.Equal(t, "jar", identifier)
}

func TestScanVersionDirs(t *testing.T) {
	dir := t.TempDir()

	write := func(path, content string) {
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	// Complete version: data file + sidecar.
	complete := filepath.Join(dir, "abc123", "app.jar")
	write(complete, "data")
	require.NoError(t, WriteMetadata(complete, "jar"))

	// Orphan data file (no sidecar) and orphan sidecar (no data file).
	write(filepath.Join(dir, "def456", "loose.jar"), "data")
	write(filepath.Join(dir, "def456", "gone.jar.metadata"), `{"identifier":"jar"}`)

	versions, err := ScanVersionDirs(dir, discardLogger())
	require.NoError(t, err)

	require.Contains(t, versions, "abc123")
	assert.Equal(t, "app.jar", versions["abc123"]["jar"].FileName)

	assert.NotContains(t, versions, "def456", "orphan-only directory is dropped")
	_, err = os.Stat(filepath.Join(dir, "def456"))
	assert.True(t, os.IsNotExist(err), "emptied directory is deleted")
	_, err = os.Stat(filepath.Join(dir, "def456", "loose.jar"))
	assert.True(t, os.IsNotExist(err), "orphan data file is deleted")
}

func TestRemoveVersionDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "v1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "app.jar")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	require.NoError(t, WriteMetadata(path, "jar"))

	require.NoError(t, RemoveVersionDir(dir))
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, RemoveVersionDir(dir), "removing an absent directory is not an error")
}

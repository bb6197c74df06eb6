package stage_test

import (
	"compress/gzip"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"target-redshift/internal/stage"
)

func TestWriterWritesUncompressedRows(t *testing.T) {
	dir := t.TempDir()
	w, err := stage.NewWriter(dir, "orders", stage.None)
	require.NoError(t, err)

	require.NoError(t, w.WriteRow("1,a\n"))
	require.NoError(t, w.WriteRow("2,b\n"))
	require.Equal(t, int64(2), w.Rows())

	sealed, err := w.Seal()
	require.NoError(t, err)

	data, err := os.ReadFile(sealed.Path)
	require.NoError(t, err)
	require.Equal(t, "1,a\n2,b\n", string(data))
}

func TestWriterGzipRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := stage.NewWriter(dir, "orders", stage.Gzip)
	require.NoError(t, err)
	require.NoError(t, w.WriteRow("1,a\n"))

	sealed, err := w.Seal()
	require.NoError(t, err)

	f, err := os.Open(sealed.Path)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	require.Equal(t, "1,a\n", string(data))
}

func TestRotateSealsAndProvidesFreshWriter(t *testing.T) {
	dir := t.TempDir()
	w, err := stage.NewWriter(dir, "orders", stage.None)
	require.NoError(t, err)
	require.NoError(t, w.WriteRow("1,a\n"))

	sealed, fresh, err := stage.Rotate(w)
	require.NoError(t, err)
	require.NotEqual(t, sealed.Path, fresh.Path())
	require.Equal(t, int64(0), fresh.Rows())

	require.NoError(t, fresh.WriteRow("2,b\n"))
	require.Equal(t, int64(1), fresh.Rows())

	require.NoError(t, sealed.Delete())
	_, err = os.Stat(sealed.Path)
	require.True(t, os.IsNotExist(err))
}

func TestSweepRemovesAllScratchFiles(t *testing.T) {
	dir := t.TempDir()
	w1, err := stage.NewWriter(dir, "orders", stage.None)
	require.NoError(t, err)
	_, err = w1.Seal()
	require.NoError(t, err)

	w2, err := stage.NewWriter(dir, "customers", stage.None)
	require.NoError(t, err)
	_, err = w2.Seal()
	require.NoError(t, err)

	require.NoError(t, stage.Sweep(dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestExtensionByCompression(t *testing.T) {
	require.Equal(t, ".csv", stage.None.Extension())
	require.Equal(t, ".csv.gz", stage.Gzip.Extension())
	require.Equal(t, ".csv.bz2", stage.Bzip2.Extension())
}

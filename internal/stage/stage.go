// Package stage owns the per-stream scratch files that accumulate
// normalized CSV rows between flushes. A Writer wraps one open
// append-only file; Rotate hands the sealed file off to the caller
// (the flush orchestrator) and swaps in a fresh one, so a stream
// never blocks on a flush of its own earlier rows.
package stage

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dsnet/compress/bzip2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// Compression selects the stage file's on-disk encoding.
type Compression string

const (
	None  Compression = ""
	Gzip  Compression = "gzip"
	Bzip2 Compression = "bzip2"
)

// Extension returns the file-suffix fragment for c, e.g. ".csv.gz".
func (c Compression) Extension() string {
	switch c {
	case Gzip:
		return ".csv.gz"
	case Bzip2:
		return ".csv.bz2"
	default:
		return ".csv"
	}
}

// Writer is one stream's open scratch file. Not safe for concurrent
// use; the caller (internal/stream) serializes access with its
// per-stream mutex.
type Writer struct {
	dir         string
	stream      string
	compression Compression

	path  string
	file  *os.File
	buf   *bufio.Writer
	comp  io.WriteCloser // nil when compression == None
	rows  int64
	bytes int64
}

// NewWriter opens a fresh scratch file for stream under dir, using the
// given compression. The file name is "<stream>_<uuid><ext>".
func NewWriter(dir, stream string, compression Compression) (*Writer, error) {
	name := fmt.Sprintf("%s_%s%s", sanitizeFileComponent(stream), uuid.NewString(), compression.Extension())
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("stage: open %s: %w", path, err)
	}

	w := &Writer{dir: dir, stream: stream, compression: compression, path: path, file: f}
	switch compression {
	case Gzip:
		gz := gzip.NewWriter(f)
		w.comp = gz
		w.buf = bufio.NewWriter(gz)
	case Bzip2:
		bz, err := bzip2.NewWriter(f, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stage: bzip2 writer: %w", err)
		}
		w.comp = bz
		w.buf = bufio.NewWriter(bz)
	default:
		w.buf = bufio.NewWriter(f)
	}
	return w, nil
}

// WriteRow appends one pre-encoded CSV line (including its trailing
// newline) to the stage file.
func (w *Writer) WriteRow(line string) error {
	n, err := w.buf.WriteString(line)
	w.bytes += int64(n)
	if err != nil {
		return fmt.Errorf("stage: write row to %s: %w", w.path, err)
	}
	w.rows++
	return nil
}

// Rows returns the number of rows written so far.
func (w *Writer) Rows() int64 { return w.rows }

// Bytes returns the number of uncompressed bytes written so far.
func (w *Writer) Bytes() int64 { return w.bytes }

// Path returns the scratch file's path on disk.
func (w *Writer) Path() string { return w.path }

// Seal flushes and closes the underlying file, making it ready for
// upload. After Seal, the Writer must not be used again.
func (w *Writer) Seal() (Sealed, error) {
	if err := w.buf.Flush(); err != nil {
		return Sealed{}, fmt.Errorf("stage: flush %s: %w", w.path, err)
	}
	if w.comp != nil {
		if err := w.comp.Close(); err != nil {
			return Sealed{}, fmt.Errorf("stage: close compressor for %s: %w", w.path, err)
		}
	}
	if err := w.file.Sync(); err != nil {
		return Sealed{}, fmt.Errorf("stage: sync %s: %w", w.path, err)
	}
	if err := w.file.Close(); err != nil {
		return Sealed{}, fmt.Errorf("stage: close %s: %w", w.path, err)
	}
	return Sealed{Path: w.path, Rows: w.rows, Bytes: w.bytes, Compression: w.compression}, nil
}

// Sealed is an immutable handle to a flushed stage file, owned
// exclusively by whichever flush task sealed it: the old handle moves
// into the flush task while the stream gets a fresh Writer.
type Sealed struct {
	Path        string
	Rows        int64
	Bytes       int64
	Compression Compression
}

// Delete removes the sealed file from disk. Called after a successful
// load.
func (s Sealed) Delete() error {
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("stage: delete %s: %w", s.Path, err)
	}
	return nil
}

// Rotate seals w and returns the sealed handle alongside a brand-new
// Writer for the same stream and directory, so the stream can keep
// ingesting without waiting on the flush that now owns the sealed
// file.
func Rotate(w *Writer) (Sealed, *Writer, error) {
	sealed, err := w.Seal()
	if err != nil {
		return Sealed{}, nil, err
	}
	fresh, err := NewWriter(w.dir, w.stream, w.compression)
	if err != nil {
		return Sealed{}, nil, err
	}
	return sealed, fresh, nil
}

// Sweep removes every stage file left in dir. Called on clean exit and
// on fatal abort.
func Sweep(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stage: reading scratch dir %s: %w", dir, err)
	}
	var firstErr error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if err := os.Remove(p); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stage: sweeping %s: %w", p, err)
		}
	}
	return firstErr
}

func sanitizeFileComponent(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

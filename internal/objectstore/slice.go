package objectstore

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Slice splits an uncompressed CSV file at path into n row-aligned
// chunks of roughly equal byte size, returning one temp file path per
// chunk, so a COPY can fan the load across slices in parallel.
// Splitting at arbitrary byte offsets would
// cut rows in half, so this groups whole lines into buckets sized by
// running byte total instead of slicing the byte stream directly — the
// same outcome ("N roughly-equal-sized files") without truncating a
// row across a boundary. Compressed stage files are never split: n<=1
// or an already-compressed path returns the single original path
// unchanged.
func Slice(path string, n int) ([]string, error) {
	if n <= 1 || strings.HasSuffix(path, ".gz") || strings.HasSuffix(path, ".bz2") {
		return []string{path}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("objectstore: slice open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("objectstore: slice stat %s: %w", path, err)
	}
	targetSize := info.Size() / int64(n)
	if targetSize == 0 {
		targetSize = info.Size()
	}

	var outputs []string
	var cur *os.File
	var curSize int64

	closeCur := func() error {
		if cur == nil {
			return nil
		}
		err := cur.Close()
		cur = nil
		return err
	}
	defer closeCur()

	newChunk := func(index int) error {
		if err := closeCur(); err != nil {
			return fmt.Errorf("objectstore: slice close chunk: %w", err)
		}
		chunkPath := fmt.Sprintf("%s.part%d", path, index)
		c, err := os.Create(chunkPath)
		if err != nil {
			return fmt.Errorf("objectstore: slice create %s: %w", chunkPath, err)
		}
		cur = c
		curSize = 0
		outputs = append(outputs, chunkPath)
		return nil
	}

	if err := newChunk(0); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if curSize >= targetSize && len(outputs) < n {
			if err := newChunk(len(outputs)); err != nil {
				return nil, err
			}
		}
		written, err := cur.Write(line)
		if err == nil {
			_, err = cur.Write([]byte{'\n'})
		}
		if err != nil {
			return nil, fmt.Errorf("objectstore: slice write %s: %w", outputs[len(outputs)-1], err)
		}
		curSize += int64(written) + 1
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("objectstore: slice scan %s: %w", path, err)
	}

	return outputs, nil
}

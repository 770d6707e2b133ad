// Package artifact persists gamma parameter grids and keeps a catalog of
// them keyed by their identity, so index runs can retrieve the parameters
// fitted over a baseline years later.
package artifact

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/chrissnell/climatepipe/internal/metrics"
)

// WriteAtomic writes a file by streaming into a temporary file in the same
// directory and renaming it over path. Readers never observe a partial file.
func WriteAtomic(path, kind string, write func(w *bufio.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	bw := bufio.NewWriter(tmp)
	if err := write(bw); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	metrics.ArtifactsWrittenTotal.WithLabelValues(kind).Inc()
	return nil
}

// WriteMsgpack atomically encodes v to path.
func WriteMsgpack(path, kind string, v any) error {
	return WriteAtomic(path, kind, func(w *bufio.Writer) error {
		return msgpack.NewEncoder(w).Encode(v)
	})
}

// ReadMsgpack decodes the file at path into v.
func ReadMsgpack(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := msgpack.NewDecoder(bufio.NewReader(f)).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

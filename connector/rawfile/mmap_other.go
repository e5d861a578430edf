//go:build !linux && !darwin

package rawfile

import (
	"fmt"
	"io"
	"os"
)

// mmapRegion falls back to a plain in-memory copy of the file on
// platforms without a portable mmap primitive in this module's dependency
// set. Writes through WriteAt only affect the copy, not the file.
type mmapRegion struct {
	data []byte
}

func mmapFile(f *os.File, size int64, _ bool) (mmapRegion, error) {
	data := make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return mmapRegion{}, fmt.Errorf("read: %w", err)
	}
	return mmapRegion{data: data}, nil
}

func (m mmapRegion) Bytes() []byte { return m.data }

func (m mmapRegion) Close() error { return nil }

//go:build !unix

package shm

import (
	"encoding/binary"
	"os"
	"sync"

	"taskfarm/errs"
)

// fileMapping goes through the page cache with positioned reads and writes
// where no mmap binding is available.
type fileMapping struct {
	mu sync.Mutex
	f  *os.File
}

func mapFile(path string, size int) (mapping, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errs.ConfigError.Wrap(err)
	}
	return &fileMapping{f: f}, nil
}

func (m *fileMapping) ReadAt(p []byte, off int64) (int, error)  { return m.f.ReadAt(p, off) }
func (m *fileMapping) WriteAt(p []byte, off int64) (int, error) { return m.f.WriteAt(p, off) }

func (m *fileMapping) Load32(off int64) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b [4]byte
	if _, err := m.f.ReadAt(b[:], off); err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b[:])
}

func (m *fileMapping) Store32(off int64, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	m.f.WriteAt(b[:], off)
}

func (m *fileMapping) Close() error { return m.f.Close() }

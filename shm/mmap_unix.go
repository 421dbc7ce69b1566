//go:build unix

package shm

import (
	"io"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"taskfarm/errs"
)

type mmapping struct {
	f    *os.File
	data []byte
}

func mapFile(path string, size int) (mapping, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errs.ConfigError.Wrap(err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errs.ConfigError.Wrap(err)
	}
	return &mmapping{f: f, data: data}, nil
}

func (m *mmapping) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, io.ErrUnexpectedEOF
	}
	return copy(p, m.data[off:]), nil
}

func (m *mmapping) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, io.ErrShortWrite
	}
	return copy(m.data[off:], p), nil
}

// the mapping is page aligned, so 4-byte offsets are aligned for atomics
func (m *mmapping) word(off int64) *uint32 {
	return (*uint32)(unsafe.Pointer(&m.data[off]))
}

func (m *mmapping) Load32(off int64) uint32 {
	return atomic.LoadUint32(m.word(off))
}

func (m *mmapping) Store32(off int64, v uint32) {
	atomic.StoreUint32(m.word(off), v)
}

func (m *mmapping) Close() error {
	err := unix.Munmap(m.data)
	m.data = nil
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Package shm implements the handoff channel between the invoking process
// and the cluster coordinator: three fixed-size memory-mapped regions (task
// descriptor, input batch, results) and a stage flag that hands write access
// for them back and forth.
//
// Every region holds one frame starting at offset zero:
//
//	[1 byte flag][8 byte little-endian length][length bytes payload]
//
// The flag byte is the streaming bit for the task region and the error bit
// for the result region. Each stage overwrites the previous frame; the
// channel is not a ring buffer.
package shm

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"time"

	"taskfarm/errs"
)

// Region names one of the three payload areas.
type Region int

const (
	RegionTask Region = iota
	RegionInput
	RegionResult
)

var regionFiles = [...]string{
	RegionTask:   "task.comm",
	RegionInput:  "input.comm",
	RegionResult: "result.comm",
}

func (r Region) String() string {
	switch r {
	case RegionTask:
		return "task"
	case RegionInput:
		return "input"
	case RegionResult:
		return "result"
	default:
		return "unknown"
	}
}

// HeaderSize is the fixed framing overhead of every region.
const HeaderSize = 9

const (
	flagsFile = "flags.comm"
	flagsSize = 16

	stageOffset = 0
	pidOffset   = 8
)

// mapping is a shared, fixed-size byte area backed by a file.
type mapping interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Load32(off int64) uint32
	Store32(off int64, v uint32)
	Close() error
}

type Channel struct {
	dir      string
	capacity int
	poll     time.Duration

	flags   mapping
	regions [len(regionFiles)]mapping

	// mu keeps Close from unmapping under a reader
	mu     sync.RWMutex
	closed bool
}

// Create lays out a fresh channel in dir with capacity bytes per region and
// the stage flag at StageIdle. It is called once, by the invoker.
func Create(dir string, capacity int) (*Channel, error) {
	if capacity <= HeaderSize {
		return nil, errs.ConfigError.New("channel capacity %d does not exceed the %d byte header", capacity, HeaderSize)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errs.ConfigError.Wrap(err)
	}
	if err := sizedFile(filepath.Join(dir, flagsFile), flagsSize); err != nil {
		return nil, err
	}
	for _, name := range regionFiles {
		if err := sizedFile(filepath.Join(dir, name), capacity); err != nil {
			return nil, err
		}
	}
	return Open(dir)
}

func sizedFile(path string, size int) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errs.ConfigError.Wrap(err)
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		return errs.ConfigError.Wrap(err)
	}
	return nil
}

// Open maps an existing channel laid out by Create. It is called by the coordinator.
func Open(dir string) (*Channel, error) {
	info, err := os.Stat(filepath.Join(dir, regionFiles[RegionTask]))
	if err != nil {
		return nil, errs.ConfigError.Wrap(err)
	}
	c := &Channel{dir: dir, capacity: int(info.Size()), poll: time.Millisecond}

	if c.flags, err = mapFile(filepath.Join(dir, flagsFile), flagsSize); err != nil {
		return nil, err
	}
	for r, name := range regionFiles {
		m, err := mapFile(filepath.Join(dir, name), c.capacity)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.regions[r] = m
	}
	return c, nil
}

func (c *Channel) Dir() string   { return c.dir }
func (c *Channel) Capacity() int { return c.capacity }

// SetPollInterval caps the sleep between two flag checks while waiting.
func (c *Channel) SetPollInterval(d time.Duration) {
	if d > 0 {
		c.poll = d
	}
}

// Check reports a BufferTooSmallError if a payload of n bytes cannot be framed.
func (c *Channel) Check(n int) error {
	if n+HeaderSize > c.capacity {
		return errs.BufferTooSmallError.New("payload of %d bytes exceeds the %d byte region (header %d)", n, c.capacity, HeaderSize)
	}
	return nil
}

// Write frames payload into r, overwriting from offset zero. Only the side
// that currently owns r may call it.
func (c *Channel) Write(r Region, flag byte, payload []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, err := c.region(r)
	if err != nil {
		return err
	}
	if err := c.Check(len(payload)); err != nil {
		return err
	}
	var header [HeaderSize]byte
	header[0] = flag
	binary.LittleEndian.PutUint64(header[1:], uint64(len(payload)))
	if _, err := m.WriteAt(header[:], 0); err != nil {
		return errs.ProtocolError.Wrap(err)
	}
	if _, err := m.WriteAt(payload, HeaderSize); err != nil {
		return errs.ProtocolError.Wrap(err)
	}
	return nil
}

// Read returns a copy of the frame in r. It is only meaningful after
// observing the stage the writer advanced to after writing.
func (c *Channel) Read(r Region) (byte, []byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, err := c.region(r)
	if err != nil {
		return 0, nil, err
	}
	var header [HeaderSize]byte
	if _, err := m.ReadAt(header[:], 0); err != nil {
		return 0, nil, errs.ProtocolError.Wrap(err)
	}
	n := binary.LittleEndian.Uint64(header[1:])
	if n > uint64(c.capacity-HeaderSize) {
		return 0, nil, errs.ProtocolError.New("%v region frame claims %d bytes, capacity is %d", r, n, c.capacity-HeaderSize)
	}
	payload := make([]byte, n)
	if _, err := m.ReadAt(payload, HeaderSize); err != nil {
		return 0, nil, errs.ProtocolError.Wrap(err)
	}
	return header[0], payload, nil
}

// region must be called with mu held for reading.
func (c *Channel) region(r Region) (mapping, error) {
	if c.closed {
		return nil, errs.ClosedError.New("channel %s closed", c.dir)
	}
	if r < 0 || int(r) >= len(c.regions) {
		return nil, errs.ProtocolError.New("no region %d", int(r))
	}
	return c.regions[r], nil
}

// Stage reads the flag. A closed channel reads as StageIdle.
func (c *Channel) Stage() Stage {
	s, _ := c.load()
	return s
}

func (c *Channel) load() (Stage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return StageIdle, false
	}
	return Stage(c.flags.Load32(stageOffset)), true
}

// SetStage publishes s. It does nothing once the channel is closed.
func (c *Channel) SetStage(s Stage) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.closed {
		c.flags.Store32(stageOffset, uint32(s))
	}
}

// CoordinatorPID is the process id the coordinator published, or 0.
func (c *Channel) CoordinatorPID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0
	}
	return int(c.flags.Load32(pidOffset))
}

func (c *Channel) SetCoordinatorPID(pid int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.closed {
		c.flags.Store32(pidOffset, uint32(pid))
	}
}

// Await polls the stage flag until ok accepts it. Between polls it checks
// alive (if non-nil); once the peer is gone and the flag still does not
// satisfy ok, it returns a PeerExitedError.
func (c *Channel) Await(ctx context.Context, alive func() bool, ok func(Stage) bool) (Stage, error) {
	const (
		minSleep   = 10 * time.Microsecond
		aliveEvery = 5 * time.Millisecond
	)
	sleep := minSleep
	lastAlive := time.Now()
	for {
		s, open := c.load()
		if !open {
			return s, errs.ClosedError.New("channel %s closed", c.dir)
		}
		if ok(s) {
			return s, nil
		}
		if !s.Valid() {
			return s, errs.ProtocolError.New("unexpected stage flag %d", uint32(s))
		}
		if alive != nil && time.Since(lastAlive) >= aliveEvery {
			lastAlive = time.Now()
			if !alive() {
				// the peer may have advanced the flag right before exiting
				if s, open = c.load(); open && ok(s) {
					return s, nil
				}
				return s, errs.PeerExitedError.New("peer exited while waiting at stage %v", s)
			}
		}

		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-time.After(sleep):
		}
		if sleep *= 2; sleep > c.poll {
			sleep = c.poll
		}
	}
}

// AwaitAtLeast waits for the flag to reach s or any later stage.
func (c *Channel) AwaitAtLeast(ctx context.Context, alive func() bool, s Stage) (Stage, error) {
	return c.Await(ctx, alive, func(cur Stage) bool { return cur >= s })
}

// AwaitOneOf waits for the flag to equal one of want.
func (c *Channel) AwaitOneOf(ctx context.Context, alive func() bool, want ...Stage) (Stage, error) {
	return c.Await(ctx, alive, func(cur Stage) bool {
		for _, w := range want {
			if cur == w {
				return true
			}
		}
		return false
	})
}

// Close unmaps the channel. The files stay until their directory is removed.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var first error
	unmap := func(m mapping) {
		if m == nil {
			return
		}
		if err := m.Close(); err != nil && first == nil {
			first = err
		}
	}
	unmap(c.flags)
	for _, m := range c.regions {
		unmap(m)
	}
	return first
}

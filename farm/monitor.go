package farm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"taskfarm/comm"
	"taskfarm/farm/rpc"
)

// Monitor pings a set of peers and declares one lost once it has not
// answered for heartbeatTimeout, or as soon as a caller reports it
// unreachable. Lost is permanent.
type Monitor struct {
	comm  comm.Comm
	peers []comm.Rank

	// indexed by rank; only Lost is meaningful here
	WorkerStates []rpc.WorkerState

	// per-peer heartbeat timers
	workerTimers      []*time.Timer
	workerTimeouts    []time.Time // last successful ping
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	onLost func(r comm.Rank, reason string)

	log      *zap.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

func NewMonitor(c comm.Comm, peers []comm.Rank, interval, timeout time.Duration, onLost func(comm.Rank, string), log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Monitor{
		comm:              c,
		peers:             peers,
		WorkerStates:      make([]rpc.WorkerState, c.Size()),
		workerTimers:      make([]*time.Timer, c.Size()),
		workerTimeouts:    make([]time.Time, c.Size()),
		heartbeatInterval: interval,
		heartbeatTimeout:  timeout,
		onLost:            onLost,
		log:               log,
		stopChan:          make(chan struct{}),
	}
	return m
}

// Run arms a timer per peer and starts pinging.
func (m *Monitor) Run() {
	m.mu.Lock()
	for _, r := range m.peers {
		m.workerTimeouts[r] = time.Now()
		m.startWorkerTimer(r)
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopChan:
				return
			case <-ticker.C:
				m.sendHeartbeats()
			}
		}
	}()
}

func (m *Monitor) stopped() bool {
	select {
	case <-m.stopChan:
		return true
	default:
		return false
	}
}

// startWorkerTimer must be called with mu held.
func (m *Monitor) startWorkerTimer(r comm.Rank) {
	if int(r) >= len(m.workerTimers) || m.WorkerStates[r] == rpc.Lost {
		return
	}
	if m.workerTimers[r] != nil {
		m.workerTimers[r].Stop()
	}
	m.workerTimers[r] = time.AfterFunc(m.heartbeatTimeout, func() {
		m.handleWorkerTimeout(r)
	})
}

func (m *Monitor) resetWorkerTimer(r comm.Rank) {
	if int(r) >= len(m.workerTimers) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.WorkerStates[r] == rpc.Lost || m.stopped() {
		return
	}

	m.workerTimeouts[r] = time.Now()
	m.startWorkerTimer(r)
}

func (m *Monitor) handleWorkerTimeout(r comm.Rank) {
	m.mu.Lock()
	if m.stopped() {
		m.mu.Unlock()
		return
	}
	silent := time.Since(m.workerTimeouts[r])
	m.mu.Unlock()

	m.MarkLost(r, fmt.Sprintf("no heartbeat for %v", silent.Round(time.Millisecond)))
}

// MarkLost declares r lost and reports it once.
func (m *Monitor) MarkLost(r comm.Rank, reason string) {
	if r < 0 || int(r) >= len(m.WorkerStates) {
		return
	}
	m.mu.Lock()
	if m.WorkerStates[r] == rpc.Lost {
		m.mu.Unlock()
		return
	}
	m.WorkerStates[r] = rpc.Lost
	if t := m.workerTimers[r]; t != nil {
		t.Stop()
	}
	m.mu.Unlock()

	m.log.Warn("peer lost", zap.Stringer("peer", r), zap.String("reason", reason))
	if m.onLost != nil {
		m.onLost(r, reason)
	}
}

func (m *Monitor) Lost(r comm.Rank) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(r) < len(m.WorkerStates) && m.WorkerStates[r] == rpc.Lost
}

func (m *Monitor) sendHeartbeats() {
	for _, r := range m.peers {
		m.mu.Lock()
		lost := m.WorkerStates[r] == rpc.Lost
		m.mu.Unlock()
		if lost {
			continue
		}

		m.wg.Add(1)
		go func(r comm.Rank) {
			defer m.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), m.heartbeatInterval)
			defer cancel()
			if err := m.comm.Ping(ctx, r); err == nil {
				m.resetWorkerTimer(r)
			} else if !m.stopped() {
				// the timer keeps running and decides
				m.log.Debug("heartbeat failed", zap.Stringer("peer", r), zap.Error(err))
			}
		}(r)
	}
}

// Stop halts pinging and disarms every timer.
func (m *Monitor) Stop() {
	m.mu.Lock()
	select {
	case <-m.stopChan:
	default:
		close(m.stopChan)
	}
	for _, t := range m.workerTimers {
		if t != nil {
			t.Stop()
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
}

package farm

import (
	"context"

	"go.uber.org/zap"

	"taskfarm/comm"
	"taskfarm/config"
	"taskfarm/errs"
	"taskfarm/farm/rpc"
	"taskfarm/shm"
)

// Master runs in the coordinator. It serves one batch per task descriptor
// the invoker hands over until it reads the empty shutdown descriptor.
type Master struct {
	Id comm.Rank

	comm    comm.Comm
	channel *shm.Channel
	monitor *Monitor

	policy string
	// invokerAlive bounds every wait on the handoff channel
	invokerAlive func() bool

	batch uint64
	log   *zap.Logger
}

func NewMaster(c comm.Comm, channel *shm.Channel, cfg *config.Config, log *zap.Logger) *Master {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Master{
		Id:      c.Rank(),
		comm:    c,
		channel: channel,
		policy:  cfg.Scheduler.FailurePolicy,
		log:     log,
	}
	invoker := cfg.Member.InvokerPID
	m.invokerAlive = func() bool { return shm.PIDAlive(invoker) }
	m.monitor = NewMonitor(c, m.workers(), cfg.Scheduler.HeartbeatInterval, cfg.Scheduler.HeartbeatTimeout, m.postLost, log)
	return m
}

func (m *Master) workers() []comm.Rank {
	var ws []comm.Rank
	for r := comm.Rank(0); int(r) < m.comm.Size(); r++ {
		if r != m.Id {
			ws = append(ws, r)
		}
	}
	return ws
}

// postLost turns a liveness verdict into a message the dispatch loop sees
// in order with worker replies.
func (m *Master) postLost(r comm.Rank, reason string) {
	payload, err := rpc.Marshal(rpc.LostMessage{Reason: reason})
	if err != nil {
		return
	}
	if err := m.comm.Post(comm.Message{Source: r, Tag: rpc.TagLost, Payload: payload}); err != nil {
		m.log.Debug("cannot post lost worker", zap.Stringer("worker", r), zap.Error(err))
	}
}

func (m *Master) Run(ctx context.Context) error {
	m.monitor.Run()
	defer m.monitor.Stop()

	m.log.Info("coordinator ready", zap.Int("workers", m.comm.Size()-1), zap.String("policy", m.policy))
	for {
		done, err := m.serveBatch(ctx)
		if err != nil {
			m.log.Error("coordinator stopped", zap.Error(err))
			return err
		}
		if done {
			m.log.Info("coordinator shut down")
			return nil
		}
	}
}

type batch struct {
	seq       uint64
	streaming bool

	inputs   [][]byte
	outcomes []rpc.Outcome
	done     []bool

	next    int // lowest undispatched index
	flushed int // lowest index not yet handed to the invoker

	assigned    map[comm.Rank]int
	states      []rpc.WorkerState
	outstanding int
	// set once a flush failed; later chunks are dropped but work still drains
	faulted bool
}

func (b *batch) complete() bool {
	return b.next == len(b.inputs) && b.outstanding == 0
}

func (m *Master) serveBatch(ctx context.Context) (bool, error) {
	// the invoker may already have moved on to writing the inputs
	if _, err := m.channel.Await(ctx, m.invokerAlive, func(s shm.Stage) bool {
		return s == shm.StageTaskReady || s == shm.StageInputReady
	}); err != nil {
		return false, err
	}
	flag, desc, err := m.channel.Read(shm.RegionTask)
	if err != nil {
		return false, err
	}
	if len(desc) == 0 {
		m.broadcast(ctx, rpc.TaskMessage{})
		m.channel.SetStage(shm.StageIdle)
		return true, nil
	}

	m.batch++
	b := &batch{seq: m.batch, streaming: flag == 1}
	cut := m.broadcast(ctx, rpc.TaskMessage{Batch: b.seq, Streaming: b.streaming, Descriptor: desc})

	// the input region is the invoker's until it reports InputReady
	if _, err := m.channel.AwaitOneOf(ctx, m.invokerAlive, shm.StageInputReady); err != nil {
		return false, err
	}
	_, raw, err := m.channel.Read(shm.RegionInput)
	if err == nil {
		err = rpc.Unmarshal(raw, &b.inputs)
	}
	switch {
	case cut != nil:
		m.log.Error("coordinator cannot reach its workers", zap.Uint64("batch", b.seq), zap.Error(cut))
		err = m.abort(ctx, b, rpc.FaultTransport, cut)
	case err != nil:
		m.log.Error("cannot read input batch", zap.Uint64("batch", b.seq), zap.Error(err))
		err = m.abort(ctx, b, rpc.FaultProtocol, err)
	default:
		err = m.dispatch(ctx, b)
	}
	if err != nil {
		return false, err
	}
	if err := m.release(ctx, b); err != nil {
		return false, err
	}
	// a coordinator that reaches no one cannot serve later batches either
	return false, cut
}

// broadcast sends t to every worker. Workers it cannot reach are marked
// lost, unless the coordinator's own endpoint is closed or none of the live
// ones could be reached: that is a TransportError of the coordinator.
func (m *Master) broadcast(ctx context.Context, t rpc.TaskMessage) error {
	payload, err := rpc.Marshal(t)
	if err != nil {
		m.log.Error("cannot encode task", zap.Error(err))
		return err
	}
	live := 0
	for _, r := range m.workers() {
		if !m.monitor.Lost(r) {
			live++
		}
	}
	unreachable, err := comm.Broadcast(ctx, m.comm, payload)
	if t.Shutdown() {
		return nil
	}
	if err != nil {
		return errs.TransportError.New("task broadcast: %v", err)
	}
	var failed []comm.Rank
	for _, r := range unreachable {
		if !m.monitor.Lost(r) {
			failed = append(failed, r)
		}
	}
	if live > 0 && len(failed) == live {
		return errs.TransportError.New("task broadcast reached none of %d workers", live)
	}
	for _, r := range failed {
		m.monitor.MarkLost(r, "unreachable for task broadcast")
	}
	return nil
}

// abort replaces the whole batch with an error frame.
func (m *Master) abort(ctx context.Context, b *batch, kind string, cause error) error {
	err := m.fault(ctx, b, kind, cause)
	if err == nil && b.streaming {
		m.channel.SetStage(shm.StageStreamDone)
	}
	return err
}

func (m *Master) dispatch(ctx context.Context, b *batch) error {
	n := len(b.inputs)
	b.outcomes = make([]rpc.Outcome, n)
	b.done = make([]bool, n)
	b.assigned = make(map[comm.Rank]int)
	b.states = make([]rpc.WorkerState, m.comm.Size())
	m.log.Debug("dispatching batch", zap.Uint64("batch", b.seq), zap.Int("inputs", n), zap.Bool("streaming", b.streaming))

	for _, r := range m.workers() {
		if m.monitor.Lost(r) {
			b.states[r] = rpc.Lost
			continue
		}
		if b.next < n {
			m.assign(ctx, b, r)
		}
	}

	for !b.complete() {
		if b.outstanding == 0 {
			// nobody is left to hand the rest to
			for ; b.next < n; b.next++ {
				m.record(b, b.next, rpc.Outcome{Failed: true, Err: "no live workers left"})
			}
			break
		}

		msg, err := m.comm.Recv(ctx, comm.AnySource, comm.AnyTag)
		if err != nil {
			return err
		}
		switch msg.Tag {
		case rpc.TagResult, rpc.TagError:
			m.handleReply(ctx, b, msg)
		case rpc.TagLost:
			m.handleLost(b, msg)
		default:
			m.log.Warn("unexpected message", zap.Stringer("from", msg.Source), zap.Int("tag", int(msg.Tag)))
		}

		if b.streaming {
			if err := m.flushPrefix(ctx, b); err != nil {
				return err
			}
		}
	}

	if !b.streaming {
		return m.deliver(ctx, b, rpc.Chunk{Start: 0, Outcomes: b.outcomes})
	}
	if err := m.flushPrefix(ctx, b); err != nil {
		return err
	}
	m.channel.SetStage(shm.StageStreamDone)
	return nil
}

func (m *Master) assign(ctx context.Context, b *batch, r comm.Rank) {
	idx := b.next
	b.next++
	b.assigned[r] = idx
	b.states[r] = rpc.Busy
	b.outstanding++

	payload, err := rpc.Marshal(rpc.WorkMessage{Batch: b.seq, Index: idx, Input: b.inputs[idx]})
	if err == nil {
		err = m.comm.Send(ctx, r, rpc.TagWork, payload)
	}
	if err != nil {
		// the Lost message fails idx
		m.monitor.MarkLost(r, err.Error())
	}
}

func (m *Master) record(b *batch, idx int, o rpc.Outcome) {
	b.outcomes[idx] = o
	b.done[idx] = true
}

// settle clears r's assignment; the caller records its outcome.
func (b *batch) settle(r comm.Rank) (int, bool) {
	idx, busy := b.assigned[r]
	if !busy {
		return 0, false
	}
	delete(b.assigned, r)
	b.outstanding--
	return idx, true
}

func (m *Master) handleReply(ctx context.Context, b *batch, msg comm.Message) {
	r := msg.Source
	var res rpc.ResultMessage
	if err := rpc.Unmarshal(msg.Payload, &res); err != nil {
		m.log.Warn("undecodable reply", zap.Stringer("worker", r), zap.Error(err))
		return
	}
	if res.Batch != b.seq {
		m.log.Debug("stale reply", zap.Stringer("worker", r), zap.Uint64("batch", res.Batch))
		return
	}
	if int(r) >= len(b.states) || b.states[r] == rpc.Lost {
		return
	}

	if res.Index == rpc.LoadFailed {
		m.log.Warn("worker could not load task", zap.Stringer("worker", r), zap.String("error", res.Err))
		if idx, ok := b.settle(r); ok {
			m.record(b, idx, rpc.Outcome{Failed: true, Err: res.Err})
		}
		b.states[r] = rpc.Failed
		return
	}

	if cur, busy := b.assigned[r]; !busy || cur != res.Index {
		m.log.Debug("reply for unassigned index", zap.Stringer("worker", r), zap.Int("index", res.Index))
		return
	}
	idx, _ := b.settle(r)
	b.states[r] = rpc.Idle
	if msg.Tag == rpc.TagError {
		m.record(b, idx, rpc.Outcome{Failed: true, Err: res.Err})
		if m.policy == config.PolicyRemove {
			b.states[r] = rpc.Failed
		}
	} else {
		m.record(b, idx, rpc.Outcome{Value: res.Output})
	}

	if b.states[r] == rpc.Idle && b.next < len(b.inputs) {
		m.assign(ctx, b, r)
	}
}

func (m *Master) handleLost(b *batch, msg comm.Message) {
	r := msg.Source
	if int(r) >= len(b.states) {
		return
	}
	var lost rpc.LostMessage
	rpc.Unmarshal(msg.Payload, &lost)
	b.states[r] = rpc.Lost
	if idx, ok := b.settle(r); ok {
		m.record(b, idx, rpc.Outcome{Failed: true, Err: "worker " + r.String() + " lost: " + lost.Reason})
	}
}

// flushPrefix hands over the longest run of finished outcomes starting at
// the lowest unflushed index, then forgets them.
func (m *Master) flushPrefix(ctx context.Context, b *batch) error {
	end := b.flushed
	for end < len(b.inputs) && b.done[end] {
		end++
	}
	if end == b.flushed {
		return nil
	}
	var err error
	if !b.faulted {
		err = m.deliver(ctx, b, rpc.Chunk{Start: b.flushed, Outcomes: b.outcomes[b.flushed:end]})
	}
	for i := b.flushed; i < end; i++ {
		b.outcomes[i] = rpc.Outcome{}
	}
	b.flushed = end
	return err
}

// deliver writes one chunk and, when streaming, waits for the invoker to consume it.
func (m *Master) deliver(ctx context.Context, b *batch, chunk rpc.Chunk) error {
	payload, err := rpc.Marshal(chunk)
	if err == nil {
		err = m.channel.Check(len(payload))
	}
	if err != nil {
		kind := rpc.FaultProtocol
		if errs.Is(err, errs.BufferTooSmallError) {
			kind = rpc.FaultBuffer
		}
		m.log.Error("cannot deliver results", zap.Uint64("batch", b.seq), zap.Int("start", chunk.Start), zap.Error(err))
		return m.fault(ctx, b, kind, err)
	}
	if err := m.channel.Write(shm.RegionResult, 0, payload); err != nil {
		return err
	}
	return m.handOver(ctx, b)
}

// fault replaces the pending results with an error frame and stops any
// further chunks of this batch.
func (m *Master) fault(ctx context.Context, b *batch, kind string, cause error) error {
	b.faulted = true
	msg := cause.Error()
	if limit := m.channel.Capacity() / 2; len(msg) > limit {
		msg = msg[:limit]
	}
	payload, err := rpc.Marshal(rpc.Fault{Kind: kind, Message: msg})
	if err != nil || m.channel.Check(len(payload)) != nil {
		payload = nil
	}
	if err := m.channel.Write(shm.RegionResult, 1, payload); err != nil {
		return err
	}
	return m.handOver(ctx, b)
}

func (m *Master) handOver(ctx context.Context, b *batch) error {
	m.channel.SetStage(shm.StageResultsReady)
	if !b.streaming {
		return nil
	}
	_, err := m.channel.AwaitOneOf(ctx, m.invokerAlive, shm.StageConsumed)
	return err
}

// release ends the batch on the workers and waits for the invoker to let go.
func (m *Master) release(ctx context.Context, b *batch) error {
	payload, err := rpc.Marshal(rpc.DieMessage{Batch: b.seq})
	if err != nil {
		return err
	}
	for _, r := range m.workers() {
		if m.monitor.Lost(r) {
			continue
		}
		if err := m.comm.Send(ctx, r, rpc.TagDie, payload); err != nil {
			m.monitor.MarkLost(r, err.Error())
		}
	}

	if _, err := m.channel.AwaitOneOf(ctx, m.invokerAlive, shm.StageReleased); err != nil {
		return err
	}
	m.channel.SetStage(shm.StageIdle)
	m.log.Debug("batch released", zap.Uint64("batch", b.seq))
	return nil
}

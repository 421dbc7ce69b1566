package farm

import (
	"context"
	"iter"

	"taskfarm/errs"
	"taskfarm/farm/rpc"
	"taskfarm/shm"
)

// Stream yields the results of an IMap batch in input order. It is forward
// only and cannot be restarted.
type Stream struct {
	c     *Cluster
	ctx   context.Context
	total int

	next    int // index the next chunk must start at
	pending []Result
	done    bool
	err     error
}

// Next returns the next result, blocking until its chunk arrives. It
// returns false once the stream is exhausted or failed; see Err.
func (s *Stream) Next() (Result, bool) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()

	if len(s.pending) == 0 && !s.done {
		s.receive()
	}
	if len(s.pending) == 0 {
		return Result{}, false
	}
	r := s.pending[0]
	s.pending = s.pending[1:]
	return r, true
}

// receive waits for the next chunk or the end of the stream.
func (s *Stream) receive() {
	stage, err := s.c.await(s.ctx, shm.StageResultsReady, shm.StageStreamDone)
	if err != nil {
		// the protocol is resumed by the next batch's settle, if at all
		s.finish(err)
		return
	}
	if stage == shm.StageStreamDone {
		s.c.channel.SetStage(shm.StageReleased)
		if s.next != s.total {
			s.finish(errs.ProtocolError.New("stream ended after %d of %d results", s.next, s.total))
			return
		}
		s.finish(nil)
		return
	}

	flag, payload, err := s.c.channel.Read(shm.RegionResult)
	s.c.channel.SetStage(shm.StageConsumed)
	if err == nil && flag == 1 {
		err = decodeFault(payload)
	}
	var chunk rpc.Chunk
	if err == nil {
		err = rpc.Unmarshal(payload, &chunk)
	}
	if err == nil && chunk.Start != s.next {
		err = errs.ProtocolError.New("chunk starts at %d, expected %d", chunk.Start, s.next)
	}
	if err != nil {
		s.finish(err)
		s.drain()
		return
	}
	s.pending = toResults(chunk)
	s.next += len(chunk.Outcomes)
}

// drain acknowledges every remaining chunk so the coordinator can finish the batch.
func (s *Stream) drain() error {
	for {
		stage, err := s.c.await(s.ctx, shm.StageResultsReady, shm.StageStreamDone)
		if err != nil {
			return err
		}
		if stage == shm.StageStreamDone {
			s.c.channel.SetStage(shm.StageReleased)
			return nil
		}
		s.c.channel.SetStage(shm.StageConsumed)
	}
}

func (s *Stream) finish(err error) {
	s.done = true
	if s.err == nil {
		s.err = err
	}
	if s.c.active == s {
		s.c.active = nil
	}
}

// abandon is called with the cluster lock held when a newer batch or
// Shutdown takes over the channel.
func (s *Stream) abandon() {
	if !s.done {
		s.finish(errs.ClosedError.New("stream abandoned before it was drained"))
	}
	s.pending = nil
}

// Err returns the error that ended the stream early, if any.
func (s *Stream) Err() error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.err
}

// Close discards the rest of the stream, acknowledging remaining chunks so
// the cluster is ready for the next batch.
func (s *Stream) Close() error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.pending = nil
	if s.done {
		return nil
	}
	s.finish(nil)
	return s.drain()
}

// All ranges over the remaining results.
func (s *Stream) All() iter.Seq[Result] {
	return func(yield func(Result) bool) {
		for {
			r, ok := s.Next()
			if !ok || !yield(r) {
				return
			}
		}
	}
}

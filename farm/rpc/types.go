package rpc

import (
	"github.com/fxamacker/cbor/v2"

	"taskfarm/comm"
	"taskfarm/errs"
)

// Point-to-point tags between the coordinator and its workers. Task
// descriptors travel under comm.TagBcast.
const (
	TagWork comm.Tag = iota + 1
	TagDie
	TagResult
	TagError
	// posted by the coordinator's liveness monitor into its own mailbox
	TagLost
)

// LoadFailed is the Index of a ResultMessage reporting that the task itself
// could not be loaded.
const LoadFailed = -1

type WorkerState int

const (
	Idle WorkerState = iota
	Busy
	// removed from the current batch after a failure
	Failed
	// unreachable; never given work again
	Lost
)

func (s WorkerState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	case Failed:
		return "failed"
	case Lost:
		return "lost"
	default:
		return "unknown"
	}
}

// TaskMessage opens a batch. An empty Descriptor asks every worker to exit.
type TaskMessage struct {
	Batch      uint64 `cbor:"1,keyasint"`
	Streaming  bool   `cbor:"2,keyasint"`
	Descriptor []byte `cbor:"3,keyasint"`
}

func (t TaskMessage) Shutdown() bool { return len(t.Descriptor) == 0 }

type WorkMessage struct {
	Batch uint64 `cbor:"1,keyasint"`
	Index int    `cbor:"2,keyasint"`
	Input []byte `cbor:"3,keyasint"`
}

type ResultMessage struct {
	Batch  uint64 `cbor:"1,keyasint"`
	Index  int    `cbor:"2,keyasint"`
	Output []byte `cbor:"3,keyasint,omitempty"`
	Err    string `cbor:"4,keyasint,omitempty"`
}

type DieMessage struct {
	Batch uint64 `cbor:"1,keyasint"`
}

type LostMessage struct {
	Reason string `cbor:"1,keyasint"`
}

// Outcome is the coordinator's record for one input index.
type Outcome struct {
	Value  []byte `cbor:"1,keyasint,omitempty"`
	Failed bool   `cbor:"2,keyasint,omitempty"`
	Err    string `cbor:"3,keyasint,omitempty"`
}

// Chunk is what the coordinator writes to the result region: the outcomes
// of the contiguous indices Start..Start+len(Outcomes)-1.
type Chunk struct {
	Start    int       `cbor:"1,keyasint"`
	Outcomes []Outcome `cbor:"2,keyasint"`
}

// Fault kinds carried by an error frame in the result region.
const (
	FaultBuffer    = "buffer"
	FaultProtocol  = "protocol"
	FaultTransport = "transport"
)

type Fault struct {
	Kind    string `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`
}

// Error maps a fault back onto the error class the coordinator raised.
func (f Fault) Error() error {
	switch f.Kind {
	case FaultBuffer:
		return errs.BufferTooSmallError.New("coordinator: %s", f.Message)
	case FaultTransport:
		return errs.TransportError.New("coordinator: %s", f.Message)
	default:
		return errs.ProtocolError.New("coordinator: %s", f.Message)
	}
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func Marshal(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, errs.ProtocolError.Wrap(err)
	}
	return b, nil
}

func Unmarshal(b []byte, v any) error {
	if err := cbor.Unmarshal(b, v); err != nil {
		return errs.ProtocolError.Wrap(err)
	}
	return nil
}

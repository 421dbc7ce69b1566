package shm

import "fmt"

// Stage is the value of the shared stage flag. The invoker and the
// coordinator take turns advancing it; each transition has exactly one writer.
type Stage uint32

const (
	// channel free (coordinator resets to it)
	StageIdle Stage = iota
	// task descriptor written (invoker)
	StageTaskReady
	// input batch written (invoker)
	StageInputReady
	// a result chunk or the bulk result is in the result region (coordinator)
	StageResultsReady
	// the invoker has read the chunk; the coordinator may reuse the region (invoker)
	StageConsumed
	// streaming batch fully drained, no further chunks (coordinator)
	StageStreamDone
	// the invoker is done with the batch (invoker)
	StageReleased
)

var stageNames = [...]string{
	StageIdle:         "idle",
	StageTaskReady:    "task-ready",
	StageInputReady:   "input-ready",
	StageResultsReady: "results-ready",
	StageConsumed:     "consumed",
	StageStreamDone:   "stream-done",
	StageReleased:     "released",
}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", uint32(s))
}

// Valid reports whether s is one of the defined stages.
func (s Stage) Valid() bool {
	return s <= StageReleased
}

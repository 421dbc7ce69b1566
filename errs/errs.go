// Package errs holds the error classes shared by every taskfarm package.
package errs

import (
	"github.com/spacemonkeygo/errors"
)

// grouping, do not instantiate
var Error = errors.NewClass("TaskfarmError", errors.NoCaptureStack())

// Raised synchronously to the invoker when the cluster cannot operate
// with the given settings: too few processes, unknown policies, or a
// payload that does not fit the configured buffer.
var ConfigError = Error.NewClass("ConfigError")

// A serialized payload exceeded the capacity of a handoff region.
var BufferTooSmallError = ConfigError.NewClass("BufferTooSmallError")

// Raised when one side of the handoff protocol observes a state it
// cannot have been given by a well-behaved peer: an unexpected stage
// flag, a short frame, or an undecodable message. The current batch
// is aborted.
var ProtocolError = Error.NewClass("ProtocolError")

// The process on the other side of a blocking wait exited.
var PeerExitedError = Error.NewClass("PeerExitedError")

// The coordinator went away while the invoker or a worker was waiting on it.
var CoordinatorLostError = PeerExitedError.NewClass("CoordinatorLostError")

// Marks a single input whose application failed; the rest of the batch is unaffected.
var ItemError = Error.NewClass("ItemError")

// The task descriptor could not be resolved into a callable.
var TaskError = Error.NewClass("TaskError")

// Sending to or receiving from a group member failed.
var TransportError = Error.NewClass("TransportError")

// No coordinator could be agreed on.
var ElectionError = Error.NewClass("ElectionError")

// Use of a cluster, channel or group after it was released.
var ClosedError = Error.NewClass("ClosedError")

// Is reports whether err belongs to class or one of its descendants.
func Is(err error, class *errors.ErrorClass) bool {
	if err == nil {
		return false
	}
	return errors.GetClass(err).Is(class)
}

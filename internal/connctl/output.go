package connctl

import (
	"log/slog"
	"sync"
)

// OutputStateKind discriminates the output-side state variants.
type OutputStateKind int

const (
	OutputIdle OutputStateKind = iota
	OutputWriting
	OutputStreaming
	OutputTerminated
)

type outputState struct {
	kind      OutputStateKind
	postWrite func(OutputResult)
	source    *Source
}

// OutputResult is delivered to a QueuedItem's PostWrite callback exactly
// once, regardless of how the write concludes.
type OutputResult int

const (
	OutputSuccess OutputResult = iota
	OutputFailure
	OutputCancelled
)

// QueuedItem is one message waiting for its turn to be encoded and
// written.
type QueuedItem struct {
	Message   any
	PostWrite func(OutputResult)
}

// OutputController is the outbound half of a connection: a bounded FIFO
// of messages drained through encode-then-write, suspending whenever the
// endpoint reports a partial write and resuming on ReadyForData. A
// streamed message holds the queue until its body source closes, so
// completion callbacks always fire in push order. See InputController
// for why a mutex guards the state fields.
type OutputController struct {
	mu sync.Mutex

	codec         Codec
	connState     func() ConnectionState
	endpoint      func() Endpoint
	notifySettled func()
	notifyFault   func(error)
	logger        *slog.Logger

	bufferSize int
	queue      []QueuedItem

	state         outputState
	writesEnabled bool
}

func newOutputController(codec Codec, connState func() ConnectionState, endpoint func() Endpoint, bufferSize int, logger *slog.Logger) *OutputController {
	return &OutputController{
		codec:      codec,
		connState:  connState,
		endpoint:   endpoint,
		logger:     logger,
		bufferSize: bufferSize,
		state:      outputState{kind: OutputTerminated},
	}
}

// State reports the current output state.
func (oc *OutputController) State() OutputStateKind {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return oc.state.kind
}

// QueueLen reports how many messages are waiting to be encoded; exposed
// for the waitingToSend <= outputBufferSize invariant in tests.
func (oc *OutputController) QueueLen() int {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return len(oc.queue)
}

func (oc *OutputController) reset() {
	oc.mu.Lock()
	oc.state = outputState{kind: OutputIdle}
	oc.writesEnabled = true
	oc.queue = nil
	oc.mu.Unlock()
}

// Push enqueues msg for writing. It reports false (and enqueues nothing)
// if the connection isn't Connected or the queue is already at capacity;
// the caller owns backpressure at the application level in that case.
func (oc *OutputController) Push(msg any, postWrite func(OutputResult)) bool {
	oc.mu.Lock()
	if oc.connState() != ConnConnected || len(oc.queue) >= oc.bufferSize {
		oc.mu.Unlock()
		return false
	}
	oc.queue = append(oc.queue, QueuedItem{Message: msg, PostWrite: postWrite})
	oc.mu.Unlock()

	oc.checkQueue()
	return true
}

// checkQueue drains the pending-message queue through encode/write as long
// as writes are enabled and the output side is Idle.
func (oc *OutputController) checkQueue() {
	defer oc.checkSettled()

	for {
		oc.mu.Lock()
		if !oc.writesEnabled || oc.state.kind != OutputIdle || len(oc.queue) == 0 {
			oc.mu.Unlock()
			return
		}
		item := oc.queue[0]
		oc.queue = oc.queue[1:]
		oc.mu.Unlock()

		enc, err := oc.codec.Encode(item.Message)
		if err != nil {
			item.PostWrite(OutputFailure)
			oc.fail(err)
			return
		}

		switch enc.Kind {
		case EncodedStream:
			oc.mu.Lock()
			oc.state = outputState{kind: OutputStreaming, postWrite: item.PostWrite, source: enc.Source}
			oc.mu.Unlock()
			oc.drain(enc.Source, item.PostWrite)
			return

		default: // EncodedBuffer
			ep := oc.endpoint()
			var res WriteResult
			if ep != nil {
				res = ep.Write(enc.Buf)
			} else {
				res = WriteFailed
			}
			switch res {
			case WriteComplete:
				item.PostWrite(OutputSuccess)
				continue
			case WritePartial:
				oc.mu.Lock()
				oc.state = outputState{kind: OutputWriting, postWrite: item.PostWrite}
				oc.mu.Unlock()
				return
			default: // WriteZero, WriteFailed
				item.PostWrite(OutputFailure)
				oc.fail(ErrEndpointWrite)
				return
			}
		}
	}
}

// drain repeatedly pulls from source and writes each chunk, recursing
// until the source closes, a write suspends on backpressure, or something
// fails.
func (oc *OutputController) drain(source *Source, postWrite func(OutputResult)) {
	source.Pull(func(out PullOutcome) {
		if out.Err != nil {
			oc.fail(out.Err)
			return
		}
		if out.Closed {
			postWrite(OutputSuccess)
			oc.mu.Lock()
			oc.state = outputState{kind: OutputIdle}
			oc.mu.Unlock()
			oc.checkQueue()
			return
		}

		ep := oc.endpoint()
		var res WriteResult
		if ep != nil {
			res = ep.Write(out.Buf)
		} else {
			res = WriteFailed
		}

		switch res {
		case WriteComplete:
			oc.drain(source, postWrite)
		case WritePartial:
			// stays Streaming; ReadyForData resumes the drain
			return
		default: // WriteZero, WriteFailed
			source.Terminate(ErrConnectionClosed)
			postWrite(OutputFailure)
			oc.fail(ErrEndpointWrite)
		}
	})
}

// ReadyForData is driven by the endpoint adapter when the transport can
// accept more bytes after a previous Partial write.
func (oc *OutputController) ReadyForData() error {
	oc.mu.Lock()
	kind := oc.state.kind
	src := oc.state.source
	pw := oc.state.postWrite
	oc.mu.Unlock()

	switch kind {
	case OutputStreaming:
		oc.drain(src, pw)
		return nil
	case OutputWriting:
		oc.mu.Lock()
		oc.state = outputState{kind: OutputIdle}
		oc.mu.Unlock()
		pw(OutputSuccess)
		oc.checkQueue()
		return nil
	default:
		return newFault("readyForData", ErrInvalidState)
	}
}

// PauseWrites stops checkQueue from draining further messages, without
// disturbing an in-flight write or stream.
func (oc *OutputController) PauseWrites() {
	oc.mu.Lock()
	oc.writesEnabled = false
	oc.mu.Unlock()
}

// ResumeWrites re-enables draining and immediately resumes it.
func (oc *OutputController) ResumeWrites() {
	oc.mu.Lock()
	oc.writesEnabled = true
	oc.mu.Unlock()
	oc.checkQueue()
}

// PurgeOutgoing fails whatever is currently in flight (Writing or
// Streaming) and returns output to Idle, or Terminated if the connection
// is already disconnecting.
func (oc *OutputController) PurgeOutgoing() {
	oc.mu.Lock()
	st := oc.state
	if st.kind == OutputIdle || st.kind == OutputTerminated {
		oc.mu.Unlock()
		return
	}
	if oc.connState() == ConnDisconnecting {
		oc.state = outputState{kind: OutputTerminated}
	} else {
		oc.state = outputState{kind: OutputIdle}
	}
	oc.mu.Unlock()

	if st.source != nil {
		st.source.Terminate(ErrConnectionClosed)
	}
	if st.postWrite != nil {
		st.postWrite(OutputFailure)
	}
	oc.checkSettled()
}

// PurgePending cancels every message still waiting in the queue without
// touching whatever is currently in flight.
func (oc *OutputController) PurgePending() {
	oc.mu.Lock()
	pending := oc.queue
	oc.queue = nil
	oc.mu.Unlock()

	for _, item := range pending {
		item.PostWrite(OutputCancelled)
	}
}

// PurgeAll purges both in-flight and pending output.
func (oc *OutputController) PurgeAll() {
	oc.PurgeOutgoing()
	oc.PurgePending()
}

// OnClosed tears the output side down in response to an unexpected
// connection loss.
func (oc *OutputController) OnClosed() {
	oc.mu.Lock()
	st := oc.state
	oc.state = outputState{kind: OutputTerminated}
	pending := oc.queue
	oc.queue = nil
	oc.mu.Unlock()

	if st.source != nil {
		st.source.Terminate(ErrConnectionClosed)
	}
	if st.postWrite != nil {
		st.postWrite(OutputFailure)
	}
	for _, item := range pending {
		item.PostWrite(OutputCancelled)
	}
}

// GracefulDisconnect marks output Terminated once it's already quiescent
// (Idle with nothing queued); otherwise the in-flight write/stream and any
// queued messages are left to finish naturally, and checkSettled catches
// the transition when the queue drains.
func (oc *OutputController) GracefulDisconnect() {
	oc.checkSettled()
}

// fail terminates output after an unrecoverable write/encode error and
// escalates to the connection level, so the whole connection tears down
// and later pushes are rejected instead of queueing behind a dead writer.
func (oc *OutputController) fail(err error) {
	oc.mu.Lock()
	oc.state = outputState{kind: OutputTerminated}
	pending := oc.queue
	oc.queue = nil
	oc.mu.Unlock()
	for _, item := range pending {
		item.PostWrite(OutputCancelled)
	}
	if oc.notifySettled != nil {
		oc.notifySettled()
	}
	if oc.notifyFault != nil {
		oc.notifyFault(err)
	}
}

// checkSettled finishes a graceful shutdown that was waiting on output: a
// controller that reaches Idle with an empty queue while the connection is
// Disconnecting has nothing left to write and becomes Terminated.
func (oc *OutputController) checkSettled() {
	oc.mu.Lock()
	if oc.state.kind == OutputIdle && len(oc.queue) == 0 && oc.connState() == ConnDisconnecting {
		oc.state = outputState{kind: OutputTerminated}
	}
	oc.mu.Unlock()

	if oc.notifySettled != nil {
		oc.notifySettled()
	}
}

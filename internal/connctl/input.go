package connctl

import (
	"log/slog"
	"sync"
)

// InputStateKind discriminates the input-side state variants.
type InputStateKind int

const (
	InputDecoding InputStateKind = iota
	InputReadingStream
	InputBlockedStream
	InputTerminated
)

type inputState struct {
	kind    InputStateKind
	sink    *Sink
	trigger *Trigger
}

// InputController is the inbound half of a connection: it routes every
// received buffer either through the codec (between frames) or into the
// current message's body sink (mid-stream), and propagates sink
// backpressure to the endpoint by disabling reads. The mutex exists
// because a Trigger's continuation may fire from whichever goroutine
// drains the body Pipe (e.g. an application thread reading a request body
// concurrently with the connection's own reader), so state transitions
// are guarded the same way ChunkBuffer and RingBuffer guard theirs.
type InputController struct {
	mu sync.Mutex

	codec          Codec
	processMessage func(msg any)
	connState      func() ConnectionState
	endpoint       func() Endpoint
	notifySettled  func()
	logger         *slog.Logger

	state            inputState
	pendingRemainder []byte
}

func newInputController(codec Codec, processMessage func(any), connState func() ConnectionState, endpoint func() Endpoint, logger *slog.Logger) *InputController {
	return &InputController{
		codec:          codec,
		processMessage: processMessage,
		connState:      connState,
		endpoint:       endpoint,
		logger:         logger,
		state:          inputState{kind: InputTerminated},
	}
}

// State reports the current input state; used by tests and by the owning
// Controller to evaluate the graceful-disconnect invariant.
func (ic *InputController) State() InputStateKind {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.state.kind
}

func (ic *InputController) reset() {
	ic.mu.Lock()
	ic.state = inputState{kind: InputDecoding}
	ic.pendingRemainder = nil
	ic.mu.Unlock()
}

// ReceivedData is the sole entry point driven by the endpoint adapter
// whenever bytes arrive. It is a fault to call this while BlockedStream or
// Terminated (reads should have been disabled before either state began).
func (ic *InputController) ReceivedData(data []byte) error {
	ic.mu.Lock()
	kind := ic.state.kind
	if kind == InputBlockedStream || kind == InputTerminated {
		ic.mu.Unlock()
		return newFault("receivedData", ErrInvalidState)
	}
	remainder := ic.pendingRemainder
	ic.pendingRemainder = nil
	ic.mu.Unlock()

	buf := NewByteBuffer(data)
	if len(remainder) > 0 {
		buf = prependBuffer(remainder, buf)
	}
	return ic.process(buf)
}

func (ic *InputController) process(buf *ByteBuffer) error {
	for {
		ic.mu.Lock()
		kind := ic.state.kind
		sink := ic.state.sink
		ic.mu.Unlock()

		switch kind {
		case InputDecoding:
			dr, err := ic.codec.Decode(buf)
			if err != nil {
				ic.setTerminated()
				return newFault("decode", err)
			}
			switch dr.Status {
			case DecodedNone:
				return nil
			case DecodedStatic:
				ic.processMessage(dr.Msg)
				if !buf.HasUnreadData() {
					return nil
				}
				continue
			case DecodedStreamed:
				ic.setReadingStream(dr.Sink)
				ic.processMessage(dr.Msg)
				if !buf.HasUnreadData() {
					return nil
				}
				continue
			}
			return nil

		case InputReadingStream:
			done, err := ic.feedStream(sink, buf)
			if err != nil {
				return err
			}
			if done {
				continue
			}
			return nil

		default:
			ic.setTerminated()
			return newFault("receivedData", ErrInvalidState)
		}
	}
}

// feedStream pushes the buffer's remaining bytes into sink. It returns
// done=true when the caller should loop back into process() to keep
// decoding from the same buffer (frame boundary reached with bytes still
// unread), or done=false when receivedData should simply return (body
// still filling, or suspended on backpressure).
func (ic *InputController) feedStream(sink *Sink, buf *ByteBuffer) (bool, error) {
	remaining := buf.Remaining()
	if len(remaining) == 0 {
		return false, nil
	}

	res, err := sink.Push(remaining)
	switch err {
	case nil:
		// fall through
	case ErrPipeTerminated:
		ic.setTerminated()
		return false, nil
	case ErrPipeClosed:
		// Infinite pipe already ended from the consumer's side: none of
		// these bytes were body, treat this as a frame boundary and
		// re-decode the same (fully unconsumed) bytes as the next frame.
		ic.setDecoding()
		return buf.HasUnreadData(), nil
	default:
		ic.setTerminated()
		return false, newFault("stream push", err)
	}

	switch res.Status {
	case PushOk:
		buf.Advance(res.Consumed)
		return false, nil

	case PushDone:
		buf.Advance(res.Consumed)
		switch ic.connState() {
		case ConnDisconnecting:
			if ep := ic.endpoint(); ep != nil {
				ep.DisableReads()
			}
			ic.setTerminated()
			return false, nil
		default:
			ic.setDecoding()
			return buf.HasUnreadData(), nil
		}

	case PushFull:
		// All-or-nothing: none of remaining was accepted. Retain it to
		// replay, prepended to whatever arrives next, once the trigger
		// fires and reads resume. A consumer draining the pipe from another
		// goroutine can fire the trigger before Fill below registers the
		// continuation; Fill then runs it synchronously, so the re-enable
		// is never lost to that window.
		retained := append([]byte(nil), remaining...)
		if ep := ic.endpoint(); ep != nil {
			ep.DisableReads()
		}
		trig := res.Trigger
		ic.mu.Lock()
		ic.pendingRemainder = retained
		ic.mu.Unlock()
		ic.setBlocked(sink, trig)
		trig.Fill(func() {
			if ep := ic.endpoint(); ep != nil {
				ep.EnableReads()
			}
			ic.setReadingStream(sink)
		})
		return false, nil
	}

	return false, nil
}

// OnClosed tears the input side down in response to an unexpected
// connection loss: any open body sink is terminated, any pending trigger
// cancelled, and the state forced to Terminated.
func (ic *InputController) OnClosed() {
	ic.mu.Lock()
	st := ic.state
	ic.state = inputState{kind: InputTerminated}
	ic.pendingRemainder = nil
	ic.mu.Unlock()

	if st.trigger != nil {
		st.trigger.Cancel()
	}
	if st.sink != nil {
		st.sink.Terminate(ErrConnectionClosed)
	}
}

// GracefulDisconnect begins an orderly shutdown: if currently idle between
// frames, reads stop immediately and input is done. If mid-stream, the
// existing body keeps draining; feedStream's PushDone branch finishes the
// transition to Terminated once the body completes.
func (ic *InputController) GracefulDisconnect() {
	ic.mu.Lock()
	kind := ic.state.kind
	ic.mu.Unlock()

	if kind == InputDecoding {
		if ep := ic.endpoint(); ep != nil {
			ep.DisableReads()
		}
		ic.setTerminated()
	}
}

func (ic *InputController) setDecoding() {
	ic.mu.Lock()
	ic.state = inputState{kind: InputDecoding}
	ic.mu.Unlock()
}

func (ic *InputController) setReadingStream(sink *Sink) {
	ic.mu.Lock()
	ic.state = inputState{kind: InputReadingStream, sink: sink}
	ic.mu.Unlock()
}

func (ic *InputController) setBlocked(sink *Sink, trig *Trigger) {
	ic.mu.Lock()
	ic.state = inputState{kind: InputBlockedStream, sink: sink, trigger: trig}
	ic.mu.Unlock()
}

func (ic *InputController) setTerminated() {
	ic.mu.Lock()
	ic.state = inputState{kind: InputTerminated}
	ic.mu.Unlock()
	if ic.notifySettled != nil {
		ic.notifySettled()
	}
}

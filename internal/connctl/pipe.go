package connctl

import "sync"

// Trigger is a one-shot continuation handed back by a full push. Exactly one
// Fill call's callback ever runs, invoked the first time the pipe has room
// again; Cancel discards it without firing. Modeled after the one-shot
// drainSignal channel in internal/server/chunkbuffer.go, generalized to a
// callback so the caller isn't tied to a particular scheduling primitive.
type Trigger struct {
	mu        sync.Mutex
	fn        func()
	fired     bool
	cancelled bool
}

// Fill registers the continuation. If the pipe already drained between the
// rejected push and this call (a consumer on another goroutine can pull at
// any time), the trigger has fired empty and fn runs immediately instead
// of being dropped. A no-op after Cancel.
func (t *Trigger) Fill(fn func()) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	if t.fired {
		t.mu.Unlock()
		fn()
		return
	}
	t.fn = fn
	t.mu.Unlock()
}

// Cancel discards the trigger; its callback, if one was ever filled, will
// not run.
func (t *Trigger) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
	t.fn = nil
}

func (t *Trigger) fire() {
	t.mu.Lock()
	if t.fired || t.cancelled {
		t.mu.Unlock()
		return
	}
	fn := t.fn
	t.fired = true
	t.fn = nil
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// PushStatus is the outcome of a single Sink.Push call.
type PushStatus int

const (
	PushOk PushStatus = iota
	PushDone
	PushFull
)

// PushResult reports the outcome of a push. Trigger is only set when
// Status == PushFull. Consumed is how many leading bytes of the pushed
// buffer the pipe actually accepted: equal to len(buf) unless a bounded
// pipe's length was reached mid-buffer, in which case only the prefix up
// to the boundary is consumed and the caller must treat the rest as
// belonging to whatever comes after the body.
type PushResult struct {
	Status   PushStatus
	Trigger  *Trigger
	Consumed int
}

// PullOutcome is delivered to a Source.Pull callback.
type PullOutcome struct {
	Buf    []byte
	Closed bool // producer closed the pipe; no more data will ever arrive
	Err    error
}

type pullWaiter func(PullOutcome)

// Pipe is a bounded byte-buffer conduit: a single producer pushes buffers
// in, a single consumer pulls them out, with backpressure in both
// directions. Unlike ChunkBuffer and RingBuffer, Pipe has no background
// goroutine of its own; callers drive it directly from their own
// scheduling context. The mutex below exists only because Sink and Source
// may legitimately be held by two different goroutines (e.g. the
// connection's reader and an application thread consuming a message
// body); it is not a scheduling device.
type Pipe struct {
	mu sync.Mutex

	capacity int64 // max buffered bytes before Push reports Full
	length   int64 // total expected bytes, -1 if unbounded ("infinite")
	written  int64 // bytes ever accepted by Push

	queue []byte // buffered, not-yet-pulled bytes
	size  int64  // len(queue), cached

	producerClosed bool // Sink.Close called (unbounded pipes only)
	consumerClosed bool // Source.CloseRead called
	terminated     bool
	termErr        error

	waiter  pullWaiter
	trigger *Trigger
}

// NewPipe creates an unbounded-length pipe (the producer signals end of
// data explicitly via Sink.Close), buffering up to capacity bytes before a
// push reports Full.
func NewPipe(capacity int64) *Pipe {
	return newPipe(capacity, -1)
}

// NewBoundedPipe creates a pipe whose total length is known up front (the
// common case: a Content-Length-style body). The push that reaches length
// reports Done automatically; the producer never needs to call Sink.Close.
func NewBoundedPipe(capacity, length int64) *Pipe {
	return newPipe(capacity, length)
}

func newPipe(capacity, length int64) *Pipe {
	return &Pipe{capacity: capacity, length: length}
}

// Sink returns the producer-side handle.
func (p *Pipe) Sink() *Sink { return &Sink{p: p} }

// Source returns the consumer-side handle.
func (p *Pipe) Source() *Source { return &Source{p: p} }

// Sink is the producer-side handle to a Pipe.
type Sink struct{ p *Pipe }

// Push offers buf to the pipe. It is all-or-nothing: either the whole of
// buf is accepted or none of it is, so a refused caller can retain and
// replay the exact same buffer after the trigger fires.
func (s *Sink) Push(buf []byte) (PushResult, error) {
	p := s.p
	p.mu.Lock()

	if p.terminated {
		p.mu.Unlock()
		return PushResult{}, ErrPipeTerminated
	}
	if p.consumerClosed {
		bounded := p.length >= 0
		p.mu.Unlock()
		if bounded {
			// The consumer walked away from a known-length body early;
			// that still completes the body from the producer's point of
			// view.
			return PushResult{Status: PushDone}, nil
		}
		// Unbounded body: there is no length to have reached, so this is
		// a frame boundary, not a completed body.
		return PushResult{}, ErrPipeClosed
	}
	if p.producerClosed || (p.length >= 0 && p.written >= p.length) {
		p.mu.Unlock()
		return PushResult{}, ErrPipeClosed
	}

	// A bounded pipe only ever accepts up to its declared length; bytes
	// past the boundary belong to whatever comes after the body and are
	// left for the caller to re-decode (Consumed < len(buf)).
	take := buf
	truncated := false
	if p.length >= 0 {
		if remainingBound := p.length - p.written; int64(len(buf)) > remainingBound {
			take = buf[:remainingBound]
			truncated = true
		}
	}

	if p.size+int64(len(take)) > p.capacity && p.size > 0 {
		trig := &Trigger{}
		p.trigger = trig
		p.mu.Unlock()
		return PushResult{Status: PushFull, Trigger: trig}, nil
	}

	p.queue = append(p.queue, take...)
	p.size += int64(len(take))
	p.written += int64(len(take))

	status := PushOk
	if truncated || (p.length >= 0 && p.written >= p.length) {
		status = PushDone
		p.producerClosed = true
	}

	waiter := p.popWaiterLocked()
	p.mu.Unlock()

	if waiter != nil {
		p.deliver(waiter)
	}
	return PushResult{Status: status, Consumed: len(take)}, nil
}

// Close signals that no further bytes will be pushed (unbounded pipes
// only). The next Pull delivers Closed: true.
func (s *Sink) Close() {
	p := s.p
	p.mu.Lock()
	if p.terminated || p.producerClosed {
		p.mu.Unlock()
		return
	}
	p.producerClosed = true
	waiter := p.popWaiterLocked()
	p.mu.Unlock()
	if waiter != nil {
		p.deliver(waiter)
	}
}

// Terminate aborts the pipe with err; any pending Pull fails immediately
// and the outstanding Full trigger, if any, never fires.
func (s *Sink) Terminate(err error) { s.p.terminate(err) }

// Source is the consumer-side handle to a Pipe.
type Source struct{ p *Pipe }

// Pull delivers the next available chunk to cb. If data is already
// buffered, cb runs synchronously before Pull returns; otherwise cb is
// stored and invoked later from whichever goroutine next calls Push,
// Close, or Terminate.
func (src *Source) Pull(cb func(PullOutcome)) {
	p := src.p
	p.mu.Lock()

	if p.terminated {
		err := p.termErr
		p.mu.Unlock()
		cb(PullOutcome{Err: err})
		return
	}

	if len(p.queue) > 0 {
		buf := p.queue
		p.queue = nil
		p.size = 0
		trig := p.fireTriggerIfRoomLocked()
		p.mu.Unlock()
		if trig != nil {
			trig.fire()
		}
		cb(PullOutcome{Buf: buf})
		return
	}

	if p.producerClosed {
		p.mu.Unlock()
		cb(PullOutcome{Closed: true})
		return
	}

	p.waiter = cb
	p.mu.Unlock()
}

// CloseRead signals that the consumer will not pull again. Any push still
// in flight, or arriving later, reports PushDone immediately (treated as an
// early, consumer-initiated end of the body).
func (src *Source) CloseRead() {
	p := src.p
	p.mu.Lock()
	p.consumerClosed = true
	p.mu.Unlock()
}

// Terminate aborts the pipe with err; see Sink.Terminate.
func (src *Source) Terminate(err error) { src.p.terminate(err) }

func (p *Pipe) terminate(err error) {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return
	}
	p.terminated = true
	p.termErr = err
	waiter := p.waiter
	p.waiter = nil
	trig := p.trigger
	p.trigger = nil
	p.mu.Unlock()

	if trig != nil {
		trig.Cancel()
	}
	if waiter != nil {
		waiter(PullOutcome{Err: err})
	}
}

// popWaiterLocked removes and returns a pending Pull waiter, if there is
// buffered data (or a close) for it to consume. Caller holds p.mu.
func (p *Pipe) popWaiterLocked() pullWaiter {
	if p.waiter == nil {
		return nil
	}
	if len(p.queue) == 0 && !p.producerClosed {
		return nil
	}
	w := p.waiter
	p.waiter = nil
	return w
}

// deliver invokes a popped waiter outside the lock, draining the queue the
// same way Pull's synchronous path does.
func (p *Pipe) deliver(w pullWaiter) {
	p.mu.Lock()
	if len(p.queue) > 0 {
		buf := p.queue
		p.queue = nil
		p.size = 0
		trig := p.fireTriggerIfRoomLocked()
		p.mu.Unlock()
		if trig != nil {
			trig.fire()
		}
		w(PullOutcome{Buf: buf})
		return
	}
	closed := p.producerClosed
	p.mu.Unlock()
	if closed {
		w(PullOutcome{Closed: true})
	}
}

// fireTriggerIfRoomLocked returns (and clears) the outstanding Full trigger
// if the drain just performed freed enough room to accept another push.
// Caller holds p.mu.
func (p *Pipe) fireTriggerIfRoomLocked() *Trigger {
	if p.trigger == nil {
		return nil
	}
	if p.size > 0 {
		return nil
	}
	trig := p.trigger
	p.trigger = nil
	return trig
}

package connctl

import (
	"log/slog"
	"sync"
)

// ConnectionState is the top-level lifecycle state of a connection.
type ConnectionState int

const (
	ConnNotConnected ConnectionState = iota
	ConnConnected
	ConnDisconnecting
)

// Config carries the controller's own tunables: everything
// else about a connection belongs to the Codec/Endpoint it's built with.
type Config struct {
	// OutputBufferSize bounds how many not-yet-encoded messages Push will
	// accept before reporting false.
	OutputBufferSize int
}

// Controller composes an InputController and OutputController over one
// ConnectionState. It is transport-agnostic: the endpoint adapter drives
// it with ReceivedData/ReadyForData/ConnectionClosed/ConnectionLost, the
// application with Push and the pause/purge/disconnect surface.
type Controller struct {
	mu sync.Mutex

	state    ConnectionState
	endpoint Endpoint

	input  *InputController
	output *OutputController
	logger *slog.Logger
}

// New builds a Controller bound to codec and processMessage (invoked for
// every decoded message, static or streamed-header). The controller starts
// NotConnected; call Connected to attach a live Endpoint.
func New(codec Codec, processMessage func(msg any), cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{state: ConnNotConnected, logger: logger}

	connState := func() ConnectionState {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.state
	}
	endpointFn := func() Endpoint {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.endpoint
	}

	c.input = newInputController(codec, processMessage, connState, endpointFn, logger)
	c.output = newOutputController(codec, connState, endpointFn, cfg.OutputBufferSize, logger)
	c.input.notifySettled = c.checkGracefulDisconnect
	c.output.notifySettled = c.checkGracefulDisconnect
	c.output.notifyFault = c.ConnectionLost

	return c
}

// State reports the current connection state.
func (c *Controller) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the controller is in the Connected state.
func (c *Controller) IsConnected() bool { return c.State() == ConnConnected }

// Input returns the input-side state machine, for direct driving by the
// endpoint adapter (ReceivedData) and for tests.
func (c *Controller) Input() *InputController { return c.input }

// Output returns the output-side state machine, for Push/ReadyForData and
// for tests.
func (c *Controller) Output() *OutputController { return c.output }

// Connected attaches endpoint and transitions NotConnected -> Connected. It
// is a Fault to call this from any other state.
func (c *Controller) Connected(endpoint Endpoint) error {
	c.mu.Lock()
	if c.state != ConnNotConnected {
		c.mu.Unlock()
		return newFault("connected", ErrInvalidState)
	}
	c.state = ConnConnected
	c.endpoint = endpoint
	c.mu.Unlock()

	c.input.reset()
	c.output.reset()
	return nil
}

// ReceivedData forwards bytes from the endpoint adapter into the input
// state machine, tearing the connection down on Fault.
func (c *Controller) ReceivedData(data []byte) {
	if err := c.input.ReceivedData(data); err != nil {
		c.ConnectionLost(err)
	}
}

// ReadyForData forwards a write-readiness notification into the output
// state machine, tearing the connection down on Fault.
func (c *Controller) ReadyForData() {
	if err := c.output.ReadyForData(); err != nil {
		c.ConnectionLost(err)
	}
}

// Push queues msg for writing; see OutputController.Push.
func (c *Controller) Push(msg any, postWrite func(OutputResult)) bool {
	return c.output.Push(msg, postWrite)
}

// PauseWrites/ResumeWrites/PurgeOutgoing/PurgePending/PurgeAll delegate to
// the output controller.
func (c *Controller) PauseWrites()    { c.output.PauseWrites() }
func (c *Controller) ResumeWrites()   { c.output.ResumeWrites() }
func (c *Controller) PurgeOutgoing()  { c.output.PurgeOutgoing() }
func (c *Controller) PurgePending()   { c.output.PurgePending() }
func (c *Controller) PurgeAll()       { c.output.PurgeAll() }

// PauseReads/ResumeReads delegate directly to the endpoint; the input
// controller itself only ever disables reads in response to its own
// backpressure (PushFull) or a graceful shutdown.
func (c *Controller) PauseReads() {
	if ep := c.currentEndpoint(); ep != nil {
		ep.DisableReads()
	}
}

func (c *Controller) ResumeReads() {
	if ep := c.currentEndpoint(); ep != nil {
		ep.EnableReads()
	}
}

func (c *Controller) currentEndpoint() Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// Disconnect tears the connection down immediately (abortive close): the
// endpoint is told to disconnect right away, without waiting for in-flight
// input/output to settle.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	alive := c.state != ConnNotConnected
	ep := c.endpoint
	c.mu.Unlock()
	if alive && ep != nil {
		ep.Disconnect()
	}
}

// GracefulDisconnect begins an orderly shutdown: input and
// output are told to finish what they're doing and stop; once both report
// Terminated, the endpoint is disconnected and the controller returns to
// NotConnected. A no-op unless currently Connected.
func (c *Controller) GracefulDisconnect() {
	c.mu.Lock()
	if c.state != ConnConnected {
		c.mu.Unlock()
		return
	}
	c.state = ConnDisconnecting
	c.mu.Unlock()

	c.input.GracefulDisconnect()
	c.output.GracefulDisconnect()
	c.checkGracefulDisconnect()
}

// checkGracefulDisconnect is the composed controller's settle check:
// once Disconnecting and both sub-controllers have reached Terminated,
// the connection is actually torn down.
func (c *Controller) checkGracefulDisconnect() {
	// c.mu must not be held while querying the sub-controllers: they take
	// their own locks, and they call back into connState (which takes
	// c.mu) from under those locks.
	c.mu.Lock()
	disconnecting := c.state == ConnDisconnecting
	ep := c.endpoint
	c.mu.Unlock()

	if !disconnecting {
		return
	}
	if c.input.State() != InputTerminated || c.output.State() != OutputTerminated {
		return
	}
	if ep != nil {
		ep.Disconnect()
	}
	c.mu.Lock()
	c.state = ConnNotConnected
	c.endpoint = nil
	c.mu.Unlock()
}

// ConnectionClosed notifies the controller that the endpoint closed
// cleanly (e.g. the peer closed its write side, or Disconnect's teardown
// completed). Input/output are forced to Terminated and the connection
// returns to NotConnected.
func (c *Controller) ConnectionClosed() {
	c.teardown()
}

// ConnectionLost notifies the controller that the endpoint failed
// unexpectedly. Same teardown as ConnectionClosed; cause is logged.
func (c *Controller) ConnectionLost(cause error) {
	if cause != nil {
		c.logger.Warn("connection lost", "error", cause)
	}
	c.teardown()
}

func (c *Controller) teardown() {
	c.mu.Lock()
	if c.state == ConnNotConnected {
		c.mu.Unlock()
		return
	}
	c.state = ConnNotConnected
	c.endpoint = nil
	c.mu.Unlock()

	c.input.OnClosed()
	c.output.OnClosed()
}

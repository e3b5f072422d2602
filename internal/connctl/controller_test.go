package connctl

import "testing"

func newTestController(codec Codec, process func(any)) (*Controller, *fakeEndpoint) {
	if process == nil {
		process = func(any) {}
	}
	ctrl := New(codec, process, Config{OutputBufferSize: 4}, testLogger())
	return ctrl, &fakeEndpoint{}
}

func TestControllerEcho(t *testing.T) {
	var got []string
	ctrl, ep := newTestController(&lineCodec{pipeCapacity: 64}, func(msg any) {
		got = append(got, msg.(string))
	})

	if err := ctrl.Connected(ep); err != nil {
		t.Fatalf("connected: %v", err)
	}

	ctrl.ReceivedData([]byte("HI\n"))
	if len(got) != 1 || got[0] != "HI" {
		t.Fatalf("processMessage got %v, want [HI]", got)
	}

	var results []OutputResult
	if !ctrl.Push("OK", func(r OutputResult) { results = append(results, r) }) {
		t.Fatal("push rejected")
	}
	if len(ep.writes) != 1 || string(ep.writes[0]) != "OK\n" {
		t.Fatalf("writes = %q, want [OK\\n]", ep.writes)
	}
	if len(results) != 1 || results[0] != OutputSuccess {
		t.Fatalf("results = %v, want [Success]", results)
	}
}

func TestControllerConnectedTwiceIsFault(t *testing.T) {
	ctrl, ep := newTestController(&lineCodec{}, nil)

	if err := ctrl.Connected(ep); err != nil {
		t.Fatalf("first connected: %v", err)
	}
	if err := ctrl.Connected(&fakeEndpoint{}); err == nil {
		t.Fatal("expected a fault connecting while already Connected")
	}
}

func TestControllerGracefulDisconnectWhenIdle(t *testing.T) {
	ctrl, ep := newTestController(&lineCodec{}, nil)
	ctrl.Connected(ep)

	ctrl.GracefulDisconnect()

	if !ep.disconnected {
		t.Fatal("endpoint was not disconnected")
	}
	if ctrl.State() != ConnNotConnected {
		t.Fatalf("state = %v, want NotConnected after idle graceful disconnect", ctrl.State())
	}
	if !ep.readsDisabled {
		t.Fatal("reads should be disabled during graceful input shutdown")
	}
}

func TestControllerGracefulDisconnectMidStream(t *testing.T) {
	ctrl, ep := newTestController(&lineCodec{pipeCapacity: 64}, nil)
	ctrl.Connected(ep)

	// Inbound body in progress: 2 of 5 bytes received.
	ctrl.ReceivedData([]byte("STREAM:5\nab"))
	if ctrl.Input().State() != InputReadingStream {
		t.Fatalf("input state = %v, want ReadingStream", ctrl.Input().State())
	}

	ctrl.GracefulDisconnect()
	if ctrl.State() != ConnDisconnecting {
		t.Fatalf("state = %v, want Disconnecting while the body drains", ctrl.State())
	}
	if ep.disconnected {
		t.Fatal("endpoint must stay up until the in-flight body completes")
	}

	// New work is refused during the drain.
	if ctrl.Push("no", func(OutputResult) {}) {
		t.Fatal("push must be rejected while Disconnecting")
	}

	// Remaining body bytes arrive (plus trailing bytes that must be dropped).
	ctrl.ReceivedData([]byte("cdeGARBAGE"))

	if ctrl.Input().State() != InputTerminated {
		t.Fatalf("input state = %v, want Terminated after the body completed", ctrl.Input().State())
	}
	if !ep.disconnected {
		t.Fatal("endpoint should be disconnected once both sides terminated")
	}
	if ctrl.State() != ConnNotConnected {
		t.Fatalf("state = %v, want NotConnected after graceful completion", ctrl.State())
	}
}

func TestControllerGracefulDisconnectDrainsOutputQueue(t *testing.T) {
	ctrl, ep := newTestController(&lineCodec{}, nil)
	ctrl.Connected(ep)

	// Suspend output on a partial write with one more message queued.
	ep.writeResults = []WriteResult{WritePartial}
	var order []OutputResult
	ctrl.Push("first", func(r OutputResult) { order = append(order, r) })
	ctrl.Push("second", func(r OutputResult) { order = append(order, r) })

	ctrl.GracefulDisconnect()
	if ctrl.State() != ConnDisconnecting {
		t.Fatalf("state = %v, want Disconnecting while output drains", ctrl.State())
	}

	// Write capacity returns: the suspended write completes and the queue
	// drains, which settles the whole controller.
	ctrl.ReadyForData()

	if len(order) != 2 || order[0] != OutputSuccess || order[1] != OutputSuccess {
		t.Fatalf("results = %v, want two Success in push order", order)
	}
	if ctrl.State() != ConnNotConnected {
		t.Fatalf("state = %v, want NotConnected after the queue drained", ctrl.State())
	}
	if !ep.disconnected {
		t.Fatal("endpoint should be disconnected after graceful completion")
	}
}

func TestControllerConnectionLostFailsEverything(t *testing.T) {
	ctrl, ep := newTestController(&lineCodec{pipeCapacity: 64}, nil)
	ctrl.Connected(ep)

	// In-flight partial write plus a queued message.
	ep.writeResults = []WriteResult{WritePartial}
	var results []OutputResult
	ctrl.Push("inflight", func(r OutputResult) { results = append(results, r) })
	ctrl.Push("queued", func(r OutputResult) { results = append(results, r) })

	ctrl.ConnectionLost(ErrConnectionClosed)

	if ctrl.State() != ConnNotConnected {
		t.Fatalf("state = %v, want NotConnected", ctrl.State())
	}
	if len(results) != 2 || results[0] != OutputFailure || results[1] != OutputCancelled {
		t.Fatalf("results = %v, want [Failure Cancelled]", results)
	}
}

func TestControllerReusableAfterClose(t *testing.T) {
	var got []string
	ctrl, ep := newTestController(&lineCodec{}, func(msg any) {
		got = append(got, msg.(string))
	})

	ctrl.Connected(ep)
	ctrl.ConnectionClosed()
	if ctrl.State() != ConnNotConnected {
		t.Fatalf("state = %v, want NotConnected after close", ctrl.State())
	}

	// Second life on a fresh endpoint.
	ep2 := &fakeEndpoint{}
	if err := ctrl.Connected(ep2); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	ctrl.ReceivedData([]byte("again\n"))
	if len(got) != 1 || got[0] != "again" {
		t.Fatalf("processMessage got %v, want [again]", got)
	}
	if !ctrl.Push("out", func(OutputResult) {}) {
		t.Fatal("push rejected on the second connection")
	}
	if len(ep2.writes) != 1 || string(ep2.writes[0]) != "out\n" {
		t.Fatalf("second endpoint writes = %q, want [out\\n]", ep2.writes)
	}
}

func TestControllerPostWriteOrderMatchesPushOrder(t *testing.T) {
	ctrl, ep := newTestController(&lineCodec{}, nil)
	ctrl.Connected(ep)

	// Mix of complete and partial writes; callbacks must still fire in
	// push order.
	ep.writeResults = []WriteResult{WriteComplete, WritePartial, WriteComplete}
	var order []string
	cb := func(name string) func(OutputResult) {
		return func(OutputResult) { order = append(order, name) }
	}

	ctrl.Push("a", cb("a"))
	ctrl.Push("b", cb("b"))
	ctrl.Push("c", cb("c"))
	ctrl.ReadyForData()

	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestControllerInboundBackpressureRoundTrip(t *testing.T) {
	ctrl, ep := newTestController(&lineCodec{pipeCapacity: 4}, nil)
	ctrl.Connected(ep)

	// Body pipe fills: reads must stop until the application drains it.
	ctrl.ReceivedData([]byte("STREAM:10\nab"))
	ctrl.ReceivedData([]byte("cdefg"))
	if ctrl.Input().State() != InputBlockedStream {
		t.Fatalf("input state = %v, want BlockedStream", ctrl.Input().State())
	}
	if !ep.readsDisabled {
		t.Fatal("reads should be disabled while the body pipe is full")
	}
}

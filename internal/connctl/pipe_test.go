package connctl

import "testing"

func TestTriggerFillAfterFireRunsImmediately(t *testing.T) {
	trig := &Trigger{}
	trig.fire()

	ran := false
	trig.Fill(func() { ran = true })
	if !ran {
		t.Fatal("Fill after fire should run the continuation immediately")
	}
}

func TestTriggerFillAfterCancelIsDropped(t *testing.T) {
	trig := &Trigger{}
	trig.Cancel()

	trig.Fill(func() { t.Fatal("cancelled trigger must not run its continuation") })
	trig.fire()
}


func TestPipePushPullBasic(t *testing.T) {
	p := NewPipe(16)
	sink := p.Sink()
	src := p.Source()

	res, err := sink.Push([]byte("hello"))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if res.Status != PushOk {
		t.Fatalf("status = %v, want PushOk", res.Status)
	}

	var got []byte
	src.Pull(func(out PullOutcome) {
		got = out.Buf
	})
	if string(got) != "hello" {
		t.Fatalf("pulled %q, want %q", got, "hello")
	}
}

func TestPipePullWaitsForPush(t *testing.T) {
	p := NewPipe(16)
	sink := p.Sink()
	src := p.Source()

	var got []byte
	delivered := false
	src.Pull(func(out PullOutcome) {
		got = out.Buf
		delivered = true
	})
	if delivered {
		t.Fatalf("pull delivered before any data was pushed")
	}

	if _, err := sink.Push([]byte("later")); err != nil {
		t.Fatalf("push: %v", err)
	}
	if !delivered || string(got) != "later" {
		t.Fatalf("pending pull not satisfied by push: delivered=%v got=%q", delivered, got)
	}
}

func TestPipeFullThenTriggerFires(t *testing.T) {
	p := NewPipe(4)
	sink := p.Sink()
	src := p.Source()

	if _, err := sink.Push([]byte("abcd")); err != nil {
		t.Fatalf("push: %v", err)
	}

	res, err := sink.Push([]byte("e"))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if res.Status != PushFull {
		t.Fatalf("status = %v, want PushFull", res.Status)
	}

	fired := false
	res.Trigger.Fill(func() { fired = true })

	var drained []byte
	src.Pull(func(out PullOutcome) { drained = out.Buf })
	if string(drained) != "abcd" {
		t.Fatalf("drained %q, want %q", drained, "abcd")
	}
	if !fired {
		t.Fatalf("trigger did not fire once room freed up")
	}

	if _, err := sink.Push([]byte("e")); err != nil {
		t.Fatalf("push after drain: %v", err)
	}
}

func TestPipeTriggerFiresExactlyOnce(t *testing.T) {
	p := NewPipe(2)
	sink := p.Sink()
	src := p.Source()

	if _, err := sink.Push([]byte("ab")); err != nil {
		t.Fatalf("push: %v", err)
	}
	res, err := sink.Push([]byte("c"))
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	count := 0
	res.Trigger.Fill(func() { count++ })

	src.Pull(func(PullOutcome) {})
	src.Pull(func(PullOutcome) {}) // drains again; queue now empty, no fresh Full pending

	if count != 1 {
		t.Fatalf("trigger fired %d times, want 1", count)
	}
}

func TestBoundedPipeReturnsDoneAtLength(t *testing.T) {
	p := NewBoundedPipe(16, 5)
	sink := p.Sink()

	res, err := sink.Push([]byte("hel"))
	if err != nil || res.Status != PushOk {
		t.Fatalf("first push: status=%v err=%v", res.Status, err)
	}
	res, err = sink.Push([]byte("lo"))
	if err != nil {
		t.Fatalf("second push: %v", err)
	}
	if res.Status != PushDone {
		t.Fatalf("status = %v, want PushDone at length boundary", res.Status)
	}
}

func TestUnboundedPipeSinkCloseDeliversClosed(t *testing.T) {
	p := NewPipe(16)
	sink := p.Sink()
	src := p.Source()

	if _, err := sink.Push([]byte("x")); err != nil {
		t.Fatalf("push: %v", err)
	}
	sink.Close()

	var first, second PullOutcome
	src.Pull(func(out PullOutcome) { first = out })
	src.Pull(func(out PullOutcome) { second = out })

	if string(first.Buf) != "x" || first.Closed {
		t.Fatalf("first pull = %+v, want buffered data not yet closed", first)
	}
	if !second.Closed {
		t.Fatalf("second pull = %+v, want Closed after producer close", second)
	}
}

func TestBoundedPipeConsumerCloseReadYieldsDone(t *testing.T) {
	p := NewBoundedPipe(16, 100)
	sink := p.Sink()
	src := p.Source()

	src.CloseRead()

	res, err := sink.Push([]byte("tail bytes the consumer no longer wants"))
	if err != nil {
		t.Fatalf("push after CloseRead: %v", err)
	}
	if res.Status != PushDone {
		t.Fatalf("status = %v, want PushDone for a finite pipe closed early by the consumer", res.Status)
	}
}

func TestUnboundedPipeConsumerCloseReadYieldsPipeClosed(t *testing.T) {
	p := NewPipe(16)
	sink := p.Sink()
	src := p.Source()

	src.CloseRead()

	_, err := sink.Push([]byte("more"))
	if err != ErrPipeClosed {
		t.Fatalf("err = %v, want ErrPipeClosed for an infinite pipe closed early by the consumer", err)
	}
}

func TestPipeTerminateFailsPendingPull(t *testing.T) {
	p := NewPipe(16)
	sink := p.Sink()
	src := p.Source()

	var gotErr error
	src.Pull(func(out PullOutcome) { gotErr = out.Err })

	sink.Terminate(ErrConnectionClosed)
	if gotErr != ErrConnectionClosed {
		t.Fatalf("pending pull error = %v, want ErrConnectionClosed", gotErr)
	}

	_, err := sink.Push([]byte("x"))
	if err != ErrPipeTerminated {
		t.Fatalf("push after terminate: err = %v, want ErrPipeTerminated", err)
	}
}

func TestPipeTerminateCancelsOutstandingTrigger(t *testing.T) {
	p := NewPipe(1)
	sink := p.Sink()

	if _, err := sink.Push([]byte("a")); err != nil {
		t.Fatalf("push: %v", err)
	}
	res, err := sink.Push([]byte("b"))
	if err != nil || res.Status != PushFull {
		t.Fatalf("expected PushFull, got status=%v err=%v", res.Status, err)
	}

	fired := false
	res.Trigger.Fill(func() { fired = true })
	sink.Terminate(ErrConnectionClosed)

	if fired {
		t.Fatalf("trigger fired after pipe was terminated")
	}
}

package driver

import "testing"

func TestReadCommitsInputAndEvent(t *testing.T) {
	d := New()

	buf := d.ReadBuffer(5)
	copy(buf, "hello")
	d.ReadDone(5)

	if got := d.Input().Len(); got != 5 {
		t.Fatalf("Input().Len() = %d, want 5", got)
	}
	b, ok := d.Input().Peek(5)
	if !ok || string(b) != "hello" {
		t.Fatalf("Input() = %q, ok=%v, want %q", b, ok, "hello")
	}

	if !d.HasEvent() {
		t.Fatal("HasEvent() = false after ReadDone")
	}
	ev, ok := d.NextEvent()
	if !ok || ev.Type != EventReadable || ev.N != 5 {
		t.Fatalf("NextEvent() = %+v, ok=%v, want EventReadable N=5", ev, ok)
	}
	if d.HasEvent() {
		t.Fatal("HasEvent() = true after draining the only event")
	}
}

func TestReadDoneZeroClosesTail(t *testing.T) {
	d := New()
	d.ReadDone(0)

	if !d.TailClosed() {
		t.Fatal("ReadDone(0) did not close the tail")
	}
	ev, ok := d.NextEvent()
	if !ok || ev.Type != EventTailClosed {
		t.Fatalf("NextEvent() = %+v, ok=%v, want EventTailClosed", ev, ok)
	}

	// idempotent: a second ReadDone(0) must not queue a second event.
	d.ReadDone(0)
	if d.HasEvent() {
		t.Fatal("CloseTail queued a second event on repeat")
	}
}

func TestWriteOutputRoundTrip(t *testing.T) {
	d := New()
	d.QueueOutput([]byte("AMQP"))

	out := d.WriteBuffer()
	if string(out) != "AMQP" {
		t.Fatalf("WriteBuffer() = %q, want %q", out, "AMQP")
	}

	d.WriteDone(2)
	ev, ok := d.NextEvent()
	if !ok || ev.Type != EventWritten || ev.N != 2 {
		t.Fatalf("NextEvent() = %+v, ok=%v, want EventWritten N=2", ev, ok)
	}

	remaining := d.WriteBuffer()
	if string(remaining) != "QP" {
		t.Fatalf("WriteBuffer() after partial write = %q, want %q", remaining, "QP")
	}

	d.WriteDone(2)
	if got := d.WriteBuffer(); len(got) != 0 {
		t.Fatalf("WriteBuffer() after full drain = %q, want empty", got)
	}
}

func TestCloseHeadIdempotent(t *testing.T) {
	d := New()
	d.CloseHead(nil)
	d.CloseHead(nil)

	if !d.HeadClosed() {
		t.Fatal("CloseHead did not mark the head closed")
	}

	count := 0
	for d.HasEvent() {
		if _, ok := d.NextEvent(); ok {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("got %d EventHeadClosed events from two CloseHead calls, want 1", count)
	}
}

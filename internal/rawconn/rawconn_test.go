package rawconn

import "testing"

func TestReadBufferRoundTrip(t *testing.T) {
	m := New()
	buf := make([]byte, 16)
	m.GiveReadBuffers(buf)

	if got := m.ReadBuffersCapacity(); got != 16 {
		t.Fatalf("ReadBuffersCapacity() = %d, want 16", got)
	}

	e, ok := m.NextReadTarget()
	if !ok {
		t.Fatal("NextReadTarget() returned ok=false")
	}
	if len(e.Buffer) != 16 {
		t.Fatalf("NextReadTarget() buffer len = %d, want 16", len(e.Buffer))
	}

	m.ReadCompleted(10)

	if got := m.ReadBuffersCapacity(); got != 0 {
		t.Fatalf("ReadBuffersCapacity() after completion = %d, want 0", got)
	}

	done := m.TakeReadBuffers(-1)
	if len(done) != 1 {
		t.Fatalf("TakeReadBuffers() returned %d entries, want 1", len(done))
	}
	if done[0].Offset != 10 {
		t.Fatalf("completed entry offset = %d, want 10", done[0].Offset)
	}

	if more := m.TakeReadBuffers(-1); len(more) != 0 {
		t.Fatalf("TakeReadBuffers() after drain returned %d entries, want 0", len(more))
	}
}

func TestWriteBufferPartialWrite(t *testing.T) {
	m := New()
	m.GiveWriteBuffers([]byte("hello world"))

	m.WriteCompleted(5)

	e, ok := m.NextWriteSource()
	if !ok {
		t.Fatal("NextWriteSource() returned ok=false after partial write")
	}
	if e.Offset != 5 {
		t.Fatalf("pending write offset = %d, want 5 (buffer should still be queued)", e.Offset)
	}
	if done := m.TakeWrittenBuffers(-1); len(done) != 0 {
		t.Fatalf("TakeWrittenBuffers() = %d entries before full write, want 0", len(done))
	}

	m.WriteCompleted(6)

	if _, ok := m.NextWriteSource(); ok {
		t.Fatal("NextWriteSource() still has an entry after the buffer was fully written")
	}
	done := m.TakeWrittenBuffers(-1)
	if len(done) != 1 {
		t.Fatalf("TakeWrittenBuffers() = %d entries, want 1", len(done))
	}
	if string(done[0].Buffer) != "hello world" {
		t.Fatalf("written buffer = %q, want %q", done[0].Buffer, "hello world")
	}
}

func TestCloseAndDisconnect(t *testing.T) {
	m := New()
	if m.IsReadClosed() || m.IsWriteClosed() || m.IsDisconnected() {
		t.Fatal("new Manager reports a closed side")
	}

	m.CloseRead(nil)
	if !m.IsReadClosed() {
		t.Fatal("CloseRead did not mark read closed")
	}
	if m.IsWriteClosed() {
		t.Fatal("CloseRead should not affect write side")
	}

	wantErr := errBoom
	m.Disconnect(wantErr)
	if !m.IsReadClosed() || !m.IsWriteClosed() || !m.IsDisconnected() {
		t.Fatal("Disconnect did not close both sides")
	}
	if m.Err() != wantErr {
		t.Fatalf("Err() = %v, want %v", m.Err(), wantErr)
	}
}

func TestWakeCoalesces(t *testing.T) {
	m := New()
	drainSetupEvents(m)

	m.Wake()
	m.Wake() // must not block or queue a second event

	ev, ok := m.NextEvent()
	if !ok || ev.Type != EventWake {
		t.Fatalf("NextEvent() = %+v, %v, want a single EventWake", ev, ok)
	}
	if m.HasEvent() {
		t.Fatal("a single coalesced Wake produced more than one event")
	}

	m.AckWake()
	m.Wake()
	ev, ok = m.NextEvent()
	if !ok || ev.Type != EventWake {
		t.Fatalf("NextEvent() after AckWake()+Wake() = %+v, %v, want EventWake", ev, ok)
	}
}

func TestDisconnectWaitsForBufferReturn(t *testing.T) {
	m := New()
	drainSetupEvents(m)

	buf := make([]byte, 4)
	m.GiveReadBuffers(buf)
	m.ReadCompleted(4)

	m.Disconnect(nil)
	for {
		ev, ok := m.NextEvent()
		if !ok {
			t.Fatal("ran out of events before seeing EventDisconnected")
		}
		if ev.Type == EventDisconnected {
			t.Fatal("EventDisconnected fired before the filled read buffer was taken back")
		}
		if ev.Type == EventBuffersRead {
			break
		}
	}
	if m.IsDisconnected() {
		t.Fatal("Manager reports disconnected before the buffer was taken")
	}

	m.TakeReadBuffers(-1)

	var sawDisconnected bool
	for {
		ev, ok := m.NextEvent()
		if !ok {
			break
		}
		if ev.Type == EventDisconnected {
			sawDisconnected = true
		}
	}
	if !sawDisconnected {
		t.Fatal("EventDisconnected never fired once all buffers were returned")
	}
	if !m.IsDisconnected() {
		t.Fatal("IsDisconnected() = false after DISCONNECTED event")
	}
}

// drainSetupEvents discards the NEED_READ/WRITE_BUFFERS events a fresh
// Manager queues immediately (both queues start empty), so tests that
// only care about later events don't have to account for them.
func drainSetupEvents(m *Manager) {
	for m.HasEvent() {
		m.NextEvent()
	}
}

type testError string

func (e testError) Error() string { return string(e) }

const errBoom = testError("boom")

// TestBufferCountsPartitionOwnership walks a mixed read/write workload and
// asserts at every observable boundary that the per-state counters sum to
// the number of buffers the manager holds.
func TestBufferCountsPartitionOwnership(t *testing.T) {
	m := New()
	drainSetupEvents(m)

	held := 0
	check := func(stage string) {
		t.Helper()
		if got := m.BufferCounts().Total(); got != held {
			t.Fatalf("%s: BufferCounts().Total() = %d, want %d (%+v)", stage, got, held, m.BufferCounts())
		}
	}

	check("empty")

	for i := 0; i < 3; i++ {
		m.GiveReadBuffers(make([]byte, 8))
		held++
		check("give read")
	}
	m.GiveWriteBuffers([]byte("abcdef"))
	held++
	check("give write")

	m.ReadCompleted(8)
	check("read completed")
	c := m.BufferCounts()
	if c.ReadUnused != 2 || c.Read != 1 {
		t.Fatalf("after one read: counts = %+v", c)
	}

	m.WriteCompleted(6)
	check("write completed")
	if c := m.BufferCounts(); c.Unwritten != 0 || c.Written != 1 {
		t.Fatalf("after full write: counts = %+v", c)
	}

	held -= len(m.TakeReadBuffers(-1))
	check("take read")
	held -= len(m.TakeWrittenBuffers(-1))
	check("take written")

	if c := m.BufferCounts(); c.ReadUnused != 2 || c.Total() != 2 {
		t.Fatalf("final counts = %+v, want 2 unused reads only", c)
	}
}

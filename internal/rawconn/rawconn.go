// Package rawconn implements the buffer-ownership-transfer contract used
// to hand raw, non-AMQP-aware byte buffers between an application and a
// connection: the caller gives buffers to be filled (read) or drained
// (write), and later takes back the ones the manager has finished with.
//
// The Manager owns only the bookkeeping: the actual read(2)/write(2)
// calls stay with the caller, so the same type serves any proactor.
// Event delivery follows the same queued-event idiom as
// internal/driver.Driver (L5), so both non-blocking adapters present a
// consistent NextEvent/HasEvent surface to whatever proactor embeds them.
package rawconn

import (
	"sync"

	"github.com/qpid-go/amqpcore/internal/bufferlist"
)

// EventType enumerates what NextEvent can report.
type EventType int

const (
	// EventBuffersRead fires each time ReadCompleted fills a read buffer.
	EventBuffersRead EventType = iota
	// EventNeedReadBuffers fires exactly once when the read-given queue
	// runs dry, and is only re-armed by a later GiveReadBuffers.
	EventNeedReadBuffers
	// EventBuffersWritten fires each time WriteCompleted finishes a
	// queued write buffer.
	EventBuffersWritten
	// EventNeedWriteBuffers fires exactly once when the write-given queue
	// drains.
	EventNeedWriteBuffers
	// EventClosedRead fires exactly once, the first time CloseRead runs.
	EventClosedRead
	// EventClosedWrite fires exactly once, the first time CloseWrite runs.
	EventClosedWrite
	// EventDisconnected fires exactly once, after both directions are
	// closed and every buffer the manager owned has been returned via
	// EventBuffersRead/EventBuffersWritten.
	EventDisconnected
	// EventWake fires for a Wake call, coalesced: multiple Wake calls
	// before the event is drained produce at most one EventWake.
	EventWake
)

// DefaultBufferCount is the number of read and write buffers an
// application is expected to keep in flight per direction; callers may
// give more (the queues spill) but gain nothing by it.
const DefaultBufferCount = 16

// Event is a single raw-connection notification.
type Event struct {
	Type EventType
	N    int
	Err  error
}

// Manager owns one connection's raw buffer ownership-transfer state. All
// methods are safe for concurrent use except that events must be drained
// by a single consumer goroutine (matching the engine's single-threaded-
// per-connection model; Wake is the one call meant to cross threads).
type Manager struct {
	mu sync.Mutex

	readGiven  *bufferlist.List
	readDone   *bufferlist.List
	writeGiven *bufferlist.List
	writeDone  *bufferlist.List

	readClosed     bool
	writeClosed    bool
	disconnected   bool
	err            error
	needReadArmed  bool
	needWriteArmed bool

	events []Event

	wakeMu sync.Mutex
	waking bool
}

// New returns an empty Manager. EventNeedReadBuffers/EventNeedWriteBuffers
// fire once up front since both queues start empty, matching give/take
// semantics where an application must supply buffers before anything can
// happen.
func New() *Manager {
	m := &Manager{
		readGiven:  bufferlist.NewList(),
		readDone:   bufferlist.NewList(),
		writeGiven: bufferlist.NewList(),
		writeDone:  bufferlist.NewList(),
	}
	m.needReadArmed = true
	m.needWriteArmed = true
	m.events = append(m.events, Event{Type: EventNeedReadBuffers}, Event{Type: EventNeedWriteBuffers})
	m.needReadArmed = false
	m.needWriteArmed = false
	return m
}

// GiveReadBuffers hands buf to the manager to be filled by a future read
// and re-arms EventNeedReadBuffers for the next time the queue drains.
func (m *Manager) GiveReadBuffers(buf []byte) {
	m.mu.Lock()
	m.readGiven.Append(bufferlist.Entry{Buffer: buf})
	m.needReadArmed = true
	m.mu.Unlock()
}

// ReadBuffersCapacity reports how many spare bytes of read-buffer space
// are currently given but not yet filled.
func (m *Manager) ReadBuffersCapacity() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readGiven.ByteTotal()
}

// NextReadTarget returns the oldest given-but-unfilled read buffer,
// without removing it, for the caller to read(2) into directly.
func (m *Manager) NextReadTarget() (bufferlist.Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readGiven.Peek()
}

// ReadCompleted reports that n bytes were read into the buffer most
// recently returned by NextReadTarget, moving it from given to done and
// queuing EventBuffersRead. If that empties the given queue, queues
// EventNeedReadBuffers once.
func (m *Manager) ReadCompleted(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.readGiven.Pop()
	if !ok {
		return
	}
	e.Offset = uint32(n)
	m.readDone.Append(e)
	m.events = append(m.events, Event{Type: EventBuffersRead, N: n})
	m.maybeEmitNeedReadLocked()
	m.maybeEmitDisconnectedLocked()
}

func (m *Manager) maybeEmitNeedReadLocked() {
	if m.readGiven.Len() == 0 && m.needReadArmed {
		m.needReadArmed = false
		m.events = append(m.events, Event{Type: EventNeedReadBuffers})
	}
}

// TakeReadBuffers returns up to max completed read buffers (all of them
// if max < 0), removing them from the manager's bookkeeping. Ownership
// passes back to the caller.
func (m *Manager) TakeReadBuffers(max int) []bufferlist.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := takeUpTo(m.readDone, max)
	m.maybeEmitDisconnectedLocked()
	return out
}

// GiveWriteBuffers hands buf, already carrying data to send, to the
// manager for a future write.
func (m *Manager) GiveWriteBuffers(buf []byte) {
	m.mu.Lock()
	m.writeGiven.Append(bufferlist.Entry{Buffer: buf})
	m.needWriteArmed = true
	m.mu.Unlock()
}

// WriteBuffersCapacity reports how many unwritten bytes are currently
// queued.
func (m *Manager) WriteBuffersCapacity() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeGiven.ByteTotal()
}

// NextWriteSource returns the oldest queued, not-yet-fully-written
// buffer, without removing it, for the caller to write(2) from directly.
func (m *Manager) NextWriteSource() (bufferlist.Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeGiven.Peek()
}

// WriteCompleted reports that n more bytes of the buffer most recently
// returned by NextWriteSource were written. Once the buffer's unconsumed
// region is fully written it moves from given to done and queues
// EventBuffersWritten; otherwise it stays at the front of the
// write-given queue for the next write(2). If the given queue drains,
// queues EventNeedWriteBuffers once.
func (m *Manager) WriteCompleted(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.writeGiven.PeekPtr()
	if e == nil {
		return
	}
	e.Offset += uint32(n)
	if e.Offset >= uint32(len(e.Buffer)) {
		done, _ := m.writeGiven.Pop()
		m.writeDone.Append(done)
		m.events = append(m.events, Event{Type: EventBuffersWritten, N: n})
		if m.writeGiven.Len() == 0 && m.needWriteArmed {
			m.needWriteArmed = false
			m.events = append(m.events, Event{Type: EventNeedWriteBuffers})
		}
		m.maybeEmitDisconnectedLocked()
	}
}

// TakeWrittenBuffers returns up to max fully-written buffers (all of them
// if max < 0), removing them from the manager's bookkeeping. Ownership
// passes back to the caller.
func (m *Manager) TakeWrittenBuffers(max int) []bufferlist.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := takeUpTo(m.writeDone, max)
	m.maybeEmitDisconnectedLocked()
	return out
}

func takeUpTo(l *bufferlist.List, max int) []bufferlist.Entry {
	var out []bufferlist.Entry
	for max < 0 || len(out) < max {
		e, ok := l.Pop()
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out
}

// CloseRead marks the read side closed; err, if non-nil, becomes the
// condition reported by Err if one isn't already set. Idempotent; queues
// EventClosedRead exactly once.
func (m *Manager) CloseRead(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil && m.err == nil {
		m.err = err
	}
	if m.readClosed {
		return
	}
	m.readClosed = true
	m.events = append(m.events, Event{Type: EventClosedRead, Err: err})
	m.maybeEmitDisconnectedLocked()
}

// CloseWrite marks the write side closed. Idempotent; queues
// EventClosedWrite exactly once.
func (m *Manager) CloseWrite(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil && m.err == nil {
		m.err = err
	}
	if m.writeClosed {
		return
	}
	m.writeClosed = true
	m.events = append(m.events, Event{Type: EventClosedWrite, Err: err})
	m.maybeEmitDisconnectedLocked()
}

// Disconnect marks both sides closed at once.
func (m *Manager) Disconnect(err error) {
	m.CloseRead(err)
	m.CloseWrite(err)
}

// maybeEmitDisconnectedLocked queues EventDisconnected once both
// directions are closed and every buffer the manager ever owned has been
// returned to the application (no entries left in any of the four
// queues). Closing while the manager still holds buffers forces their
// return through read/written events before the disconnect fires. Caller
// must hold m.mu.
func (m *Manager) maybeEmitDisconnectedLocked() {
	if m.disconnected || !m.readClosed || !m.writeClosed {
		return
	}
	if m.readGiven.Len() != 0 || m.readDone.Len() != 0 || m.writeGiven.Len() != 0 || m.writeDone.Len() != 0 {
		return
	}
	m.disconnected = true
	m.events = append(m.events, Event{Type: EventDisconnected, Err: m.err})
}

// Counts is a snapshot of how many buffers sit in each ownership state:
// given-but-unfilled reads, filled-awaiting-take reads, queued-unwritten
// writes, and written-awaiting-take writes. The four counters partition
// every buffer the manager currently holds, so their sum always equals
// the number of buffers on record.
type Counts struct {
	ReadUnused int
	Read       int
	Unwritten  int
	Written    int
}

// Total returns the number of buffers the manager currently owns.
func (c Counts) Total() int {
	return c.ReadUnused + c.Read + c.Unwritten + c.Written
}

// BufferCounts returns the current per-state buffer counts.
func (m *Manager) BufferCounts() Counts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Counts{
		ReadUnused: m.readGiven.Len(),
		Read:       m.readDone.Len(),
		Unwritten:  m.writeGiven.Len(),
		Written:    m.writeDone.Len(),
	}
}

func (m *Manager) IsReadClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readClosed
}

func (m *Manager) IsWriteClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeClosed
}

func (m *Manager) IsDisconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnected
}

// Err returns the condition recorded by the first Close*/Disconnect call
// that carried one, or nil.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// HasEvent reports whether NextEvent has something to return.
func (m *Manager) HasEvent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events) > 0
}

// NextEvent pops the oldest queued event, in the order the corresponding
// calls were made.
func (m *Manager) NextEvent() (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return Event{}, false
	}
	e := m.events[0]
	m.events = m.events[1:]
	return e, true
}

// Wake requests a wake-up notification, coalescing with any not-yet-
// drained previous request: at most one EventWake is pending at a time.
// Safe to call from another goroutine.
func (m *Manager) Wake() {
	m.wakeMu.Lock()
	if m.waking {
		m.wakeMu.Unlock()
		return
	}
	m.waking = true
	m.wakeMu.Unlock()

	m.mu.Lock()
	m.events = append(m.events, Event{Type: EventWake})
	m.mu.Unlock()
}

// AckWake re-arms wake coalescing once the consumer has observed an
// EventWake popped from NextEvent.
func (m *Manager) AckWake() {
	m.wakeMu.Lock()
	m.waking = false
	m.wakeMu.Unlock()
}

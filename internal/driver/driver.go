// Package driver implements a single-threaded, network-free staging area
// for one connection's raw input and output bytes plus a small pending
// event queue.
//
// A Driver owns no socket and spawns no goroutines: the caller performs
// the actual I/O, hands arriving bytes in through ReadBuffer/ReadDone,
// and pushes pending output out through WriteBuffer/WriteDone, so the
// engine can be embedded in any event loop.
package driver

import "github.com/qpid-go/amqpcore/internal/buffer"

// EventType enumerates what NextEvent can report.
type EventType int

const (
	// EventReadable fires each time ReadDone commits newly-arrived input
	// bytes, so the caller knows it's worth trying to decode a frame.
	EventReadable EventType = iota
	// EventWritten fires each time WriteDone commits bytes as having
	// been written to the socket.
	EventWritten
	// EventHeadClosed fires once, when CloseHead is first called: no
	// further output will ever be produced.
	EventHeadClosed
	// EventTailClosed fires once, when CloseTail is first called: no
	// further input will ever arrive.
	EventTailClosed
)

// Event is a single driver-level notification.
type Event struct {
	Type EventType
	N    int
	Err  error
}

// Driver stages one connection's raw bytes between the socket and the
// protocol layer above it.
type Driver struct {
	inScratch []byte
	in        *buffer.Buffer
	out       *buffer.Buffer

	headClosed bool
	tailClosed bool

	events []Event
}

// New returns an empty Driver.
func New() *Driver {
	return &Driver{
		inScratch: make([]byte, 4096),
		in:        buffer.New(nil),
		out:       buffer.New(nil),
	}
}

// ReadBuffer returns a scratch region of at least n bytes for the caller
// to fill with a single socket read, growing the region if needed.
func (d *Driver) ReadBuffer(n int) []byte {
	if len(d.inScratch) < n {
		d.inScratch = make([]byte, n)
	}
	return d.inScratch[:n]
}

// ReadDone commits the first n bytes of the slice last returned by
// ReadBuffer as newly-arrived input and queues an EventReadable. n == 0
// is treated as EOF and closes the tail.
func (d *Driver) ReadDone(n int) {
	if n == 0 {
		d.CloseTail(nil)
		return
	}
	d.in.Write(d.inScratch[:n])
	d.events = append(d.events, Event{Type: EventReadable, N: n})
}

// Input returns the accumulated, not-yet-consumed input bytes. The
// caller decodes frames out of the front of it using buffer.Buffer's own
// Next/Peek/Skip; the Driver has no opinion on how much gets consumed.
func (d *Driver) Input() *buffer.Buffer {
	return d.in
}

// QueueOutput appends p, already wire-encoded, to the pending output
// region returned by WriteBuffer.
func (d *Driver) QueueOutput(p []byte) {
	d.out.Write(p)
}

// WriteBuffer returns the bytes pending output, for the caller to write
// to the socket in a single call.
func (d *Driver) WriteBuffer() []byte {
	return d.out.Bytes()
}

// WriteDone commits that the first n bytes returned by WriteBuffer were
// actually written and queues an EventWritten.
func (d *Driver) WriteDone(n int) {
	if n <= 0 {
		return
	}
	d.out.Next(int64(n))
	d.events = append(d.events, Event{Type: EventWritten, N: n})
	if d.out.Len() == 0 {
		d.out.Reset()
	}
}

// CloseHead marks the output side as permanently closed: no more bytes
// will ever be queued for write. Idempotent.
func (d *Driver) CloseHead(err error) {
	if d.headClosed {
		return
	}
	d.headClosed = true
	d.events = append(d.events, Event{Type: EventHeadClosed, Err: err})
}

// CloseTail marks the input side as permanently closed: no more bytes
// will ever arrive to read. Idempotent.
func (d *Driver) CloseTail(err error) {
	if d.tailClosed {
		return
	}
	d.tailClosed = true
	d.events = append(d.events, Event{Type: EventTailClosed, Err: err})
}

func (d *Driver) HeadClosed() bool { return d.headClosed }
func (d *Driver) TailClosed() bool { return d.tailClosed }

// HasEvent reports whether NextEvent has something to return.
func (d *Driver) HasEvent() bool {
	return len(d.events) > 0
}

// NextEvent pops the oldest queued event, in the order the corresponding
// Read/WriteDone or Close* calls were made.
func (d *Driver) NextEvent() (Event, bool) {
	if len(d.events) == 0 {
		return Event{}, false
	}
	e := d.events[0]
	d.events = d.events[1:]
	return e, true
}

package amqp

import (
	"sync"

	"github.com/qpid-go/amqpcore/internal/encoding"
)

// outgoingDelivery remembers which link sent a given delivery-id and the
// channel its Sender is blocked on, so that a later Disposition naming a
// delivery-id range can be routed back without every link needing to track
// session-wide delivery-id allocation itself.
type outgoingDelivery struct {
	link *link
	done chan encoding.DeliveryState
}

// deliveryPool is a session-scoped map of in-flight sent deliveries
// awaiting settlement, keyed by the session-assigned delivery-id. Entries
// are added when a transfer's final frame is handed to the session mux and
// removed once a matching disposition resolves them. Resolved entries are
// discarded, not kept for reuse.
type deliveryPool struct {
	mu      sync.Mutex
	pending map[uint32]outgoingDelivery
}

func newDeliveryPool() *deliveryPool {
	return &deliveryPool{pending: make(map[uint32]outgoingDelivery)}
}

// add registers a delivery as unsettled. done may be nil for deliveries the
// sender doesn't want a confirmation for (e.g. pre-settled).
func (p *deliveryPool) add(id uint32, l *link, done chan encoding.DeliveryState) {
	if done == nil {
		return
	}
	p.mu.Lock()
	p.pending[id] = outgoingDelivery{link: l, done: done}
	p.mu.Unlock()
}

// resolve settles every tracked delivery in [first, last], sending state (or
// a default *encoding.StateAccepted if state is nil) to its Done channel.
// It returns the distinct set of links that owned a resolved delivery so
// the caller can still forward the disposition to them for their own
// settlement-echo bookkeeping.
func (p *deliveryPool) resolve(first, last uint32, state encoding.DeliveryState) []*link {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[*link]bool)
	var links []*link
	for id := first; id <= last; id++ {
		d, ok := p.pending[id]
		if !ok {
			continue
		}
		delete(p.pending, id)

		s := state
		if s == nil {
			s = &encoding.StateAccepted{}
		}
		d.done <- s
		close(d.done)

		if !seen[d.link] {
			seen[d.link] = true
			links = append(links, d.link)
		}
	}
	return links
}

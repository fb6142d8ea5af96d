package registry

import (
	"sync"

	"github.com/routa/dispatch/core/logger"
	"github.com/routa/dispatch/core/model"
)

// Conn is a live transport channel bound to a verified party. Send enqueues
// on the connection's outbound queue and must never block; it reports false
// when the message was dropped (queue full or connection gone), which is an
// accepted best-effort outcome.
type Conn interface {
	ID() string
	Identity() model.Identity
	Send(event string, data any) bool
	Close() error
}

// Registry owns subscription bookkeeping: which connections belong to which
// topics, and which connection is a party's primary channel. It is the only
// component permitted to resolve "who receives this event".
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]Conn            // conn id -> conn
	byParty map[string]Conn            // party id -> primary conn
	topics  map[string]map[string]Conn // topic -> conn id -> conn
	byConn  map[string]map[string]bool // conn id -> topics joined

	log logger.Logger
}

// New creates an empty registry.
func New(log logger.Logger) *Registry {
	return &Registry{
		conns:   make(map[string]Conn),
		byParty: make(map[string]Conn),
		topics:  make(map[string]map[string]Conn),
		byConn:  make(map[string]map[string]bool),
		log:     log,
	}
}

// Bind registers a connection as its party's primary channel. A party that
// reconnects displaces its previous connection; the stale one keeps draining
// until its own disconnect is reaped.
func (r *Registry) Bind(c Conn) {
	r.mu.Lock()
	r.conns[c.ID()] = c
	r.byParty[c.Identity().PartyID] = c
	r.mu.Unlock()
}

// Drop removes the connection from every topic it joined and unbinds it. No
// membership outlives the connection. It reports whether the connection was
// still its party's primary channel.
func (r *Registry) Drop(c Conn) (wasPrimary bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := c.ID()
	for topic := range r.byConn[id] {
		if subs := r.topics[topic]; subs != nil {
			delete(subs, id)
			if len(subs) == 0 {
				delete(r.topics, topic)
			}
		}
	}
	delete(r.byConn, id)
	delete(r.conns, id)
	party := c.Identity().PartyID
	if r.byParty[party] == c {
		delete(r.byParty, party)
		return true
	}
	return false
}

// Subscribe adds the connection to a topic. Subscribing twice is idempotent.
func (r *Registry) Subscribe(c Conn, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := c.ID()
	if _, known := r.conns[id]; !known {
		return
	}
	if r.topics[topic] == nil {
		r.topics[topic] = make(map[string]Conn)
	}
	r.topics[topic][id] = c
	if r.byConn[id] == nil {
		r.byConn[id] = make(map[string]bool)
	}
	r.byConn[id][topic] = true
}

// Unsubscribe removes the connection from a topic.
func (r *Registry) Unsubscribe(c Conn, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := c.ID()
	if subs := r.topics[topic]; subs != nil {
		delete(subs, id)
		if len(subs) == 0 {
			delete(r.topics, topic)
		}
	}
	if joined := r.byConn[id]; joined != nil {
		delete(joined, topic)
	}
}

// Publish delivers the event to every current subscriber of the topic.
// Delivery is best-effort per connection: one dead or slow subscriber never
// affects the others and never rolls back the state change that triggered the
// publish.
func (r *Registry) Publish(topic, event string, data any) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.topics[topic] {
		if !c.Send(event, data) {
			r.log.Debugw("publish dropped", map[string]any{
				"topic": topic, "event": event, "conn": c.ID(),
			})
		}
	}
}

// SendTo delivers the event to the party's primary connection, if any.
func (r *Registry) SendTo(partyID, event string, data any) bool {
	r.mu.RLock()
	c, ok := r.byParty[partyID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if !c.Send(event, data) {
		r.log.Debugw("direct send dropped", map[string]any{
			"party": partyID, "event": event,
		})
		return false
	}
	return true
}

// Topics returns the topics the connection currently belongs to.
func (r *Registry) Topics(c Conn) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]string, 0, len(r.byConn[c.ID()]))
	for t := range r.byConn[c.ID()] {
		res = append(res, t)
	}
	return res
}

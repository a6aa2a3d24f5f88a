// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package simnet

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/katzenpost/mixarq/fragment"
	"github.com/katzenpost/mixarq/lanes"
)

const (
	connectionBacklog = 256

	// completedSetTTL is how long a reassembled set is remembered, so its
	// retransmitted fragments are not delivered twice.
	completedSetTTL = 10 * time.Minute
)

// NewConnectionFunc is called for the first message of an unknown
// connection.  The connection is registered already; incoming yields its
// messages.
type NewConnectionFunc func(connID lanes.ConnectionID, incoming <-chan []byte)

type connection struct {
	ch     chan []byte
	doneCh chan struct{}
}

// Endpoint reassembles fragment sets and hands the ordered messages they
// carry to the connection they belong to.
type Endpoint struct {
	log *log.Logger

	onNew NewConnectionFunc

	sync.Mutex
	sets      map[uint32]*fragment.Set
	completed map[uint32]time.Time
	conns     map[lanes.ConnectionID]*connection
	closed    map[lanes.ConnectionID]struct{}
}

// NewEndpoint returns an Endpoint.  onNew may be nil, in which case
// messages for unknown connections are dropped.
func NewEndpoint(logger *log.Logger, onNew NewConnectionFunc) *Endpoint {
	return &Endpoint{
		log:       logger,
		onNew:     onNew,
		sets:      make(map[uint32]*fragment.Set),
		completed: make(map[uint32]time.Time),
		conns:     make(map[lanes.ConnectionID]*connection),
		closed:    make(map[lanes.ConnectionID]struct{}),
	}
}

// Register returns the channel yielding the messages of connection
// connID.
func (e *Endpoint) Register(connID lanes.ConnectionID) <-chan []byte {
	e.Lock()
	defer e.Unlock()
	return e.register(connID).ch
}

func (e *Endpoint) register(connID lanes.ConnectionID) *connection {
	c, ok := e.conns[connID]
	if !ok {
		c = &connection{
			ch:     make(chan []byte, connectionBacklog),
			doneCh: make(chan struct{}),
		}
		e.conns[connID] = c
		delete(e.closed, connID)
	}
	return c
}

// Unregister forgets a finished connection.  Late messages for it are
// dropped.
func (e *Endpoint) Unregister(connID lanes.ConnectionID) {
	e.Lock()
	defer e.Unlock()
	if c, ok := e.conns[connID]; ok {
		close(c.doneCh)
		delete(e.conns, connID)
	}
	e.closed[connID] = struct{}{}
}

// HandlePacket is the PacketHandler of the endpoint's node.
func (e *Endpoint) HandlePacket(p *Packet) {
	id, err := fragment.FromBytes(p.Fragment)
	if err != nil {
		e.log.Warnf("Dropping packet: %v", err)
		return
	}
	if id.IsCover() {
		return
	}
	msg, ok := e.reassemble(&fragment.Fragment{ID: id, Payload: p.Payload})
	if !ok {
		return
	}
	env, err := EnvelopeFromBytes(msg)
	if err != nil {
		e.log.Warnf("Dropping message: %v", err)
		return
	}
	e.dispatch(env)
}

func (e *Endpoint) reassemble(f *fragment.Fragment) ([]byte, bool) {
	e.Lock()
	defer e.Unlock()
	if _, ok := e.completed[f.ID.SetID]; ok {
		return nil, false
	}
	set, ok := e.sets[f.ID.SetID]
	if !ok {
		set = fragment.NewSet(f.ID)
		e.sets[f.ID.SetID] = set
	}
	complete, err := set.Add(f)
	if err != nil {
		e.log.Warnf("Dropping fragment: %v", err)
		return nil, false
	}
	if !complete {
		return nil, false
	}
	delete(e.sets, f.ID.SetID)
	now := time.Now()
	e.completed[f.ID.SetID] = now
	for setID, at := range e.completed {
		if now.Sub(at) > completedSetTTL {
			delete(e.completed, setID)
		}
	}
	return set.Bytes(), true
}

func (e *Endpoint) dispatch(env *Envelope) {
	e.Lock()
	c, ok := e.conns[env.ConnID]
	_, closed := e.closed[env.ConnID]
	isNew := false
	if !ok && !closed && e.onNew != nil {
		c = e.register(env.ConnID)
		isNew = true
	}
	e.Unlock()

	if c == nil {
		e.log.Debugf("Dropping message for unknown connection %d.", env.ConnID)
		return
	}
	if isNew {
		e.onNew(env.ConnID, c.ch)
	}
	select {
	case c.ch <- env.Data:
	case <-c.doneCh:
	}
}

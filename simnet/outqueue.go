// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package simnet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/katzenpost/mixarq/ackkey"
	"github.com/katzenpost/mixarq/core/worker"
	"github.com/katzenpost/mixarq/fragment"
	"github.com/katzenpost/mixarq/instrument"
	"github.com/katzenpost/mixarq/lanes"
)

// PacketSender puts encoded packets on the wire.
type PacketSender interface {
	Send(b []byte) error
}

// Tracker registers packets for retransmission until acknowledged.
type Tracker interface {
	Insert(id fragment.Identifier, lane lanes.Lane, packet []byte) error
}

// OutQueueConfig configures an OutQueue.
type OutQueueConfig struct {
	// Src and Dst are the network addresses of the two ends.
	Src string
	Dst string

	// PayloadSize is the fragment payload size.
	PayloadSize int

	// AverageSendDelay and MaxSendDelay pace the sending.
	AverageSendDelay time.Duration
	MaxSendDelay     time.Duration

	// DisableCover stops cover traffic when there is nothing to send.
	DisableCover bool
}

type queuedPacket struct {
	id     fragment.Identifier
	lane   lanes.Lane
	packet []byte
	resend bool
}

// OutQueue is the packet sending stage.  Messages are fragmented and
// queued per lane; one packet leaves on every tick of a Poisson ticker,
// retransmissions first, then the lanes in turn, else cover traffic.
type OutQueue struct {
	worker.Worker

	log *log.Logger
	cfg *OutQueueConfig

	key     *ackkey.Key
	net     PacketSender
	tracker Tracker
	queues  *lanes.QueueLengths
	ticker  *PoissonTicker

	sync.Mutex
	resends []*queuedPacket
	lanes   map[lanes.Lane][]*queuedPacket
	order   []lanes.Lane
	next    int
}

// NewOutQueue returns an OutQueue; Start begins sending.
func NewOutQueue(logger *log.Logger, cfg *OutQueueConfig, key *ackkey.Key, net PacketSender, tracker Tracker, queues *lanes.QueueLengths) *OutQueue {
	return &OutQueue{
		log:     logger,
		cfg:     cfg,
		key:     key,
		net:     net,
		tracker: tracker,
		queues:  queues,
		lanes:   make(map[lanes.Lane][]*queuedPacket),
	}
}

// Start starts the sending worker.
func (q *OutQueue) Start() {
	q.ticker = NewPoissonTicker(q.cfg.AverageSendDelay, q.cfg.MaxSendDelay)
	q.Go(q.worker)
}

// Halt stops sending.  Queued packets are dropped.
func (q *OutQueue) Halt() {
	q.Worker.Halt()
	if q.ticker != nil {
		q.ticker.Halt()
	}
	instrument.LaneQueueLength(-q.queues.Total())
}

// SendToMix fragments one encoded ordered message of connection connID
// and queues the fragments on the connection's lane.
func (q *OutQueue) SendToMix(ctx context.Context, connID lanes.ConnectionID, data []byte, final bool) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.HaltCh():
		return ErrHalted
	default:
	}

	env := &Envelope{ConnID: connID, Final: final, Data: data}
	b, err := env.Marshal()
	if err != nil {
		return err
	}
	frags, err := fragment.Split(fragment.NewSetID(), fragment.Data, b, q.cfg.PayloadSize)
	if err != nil {
		return err
	}
	lane := lanes.ConnectionLane(connID)
	queued := make([]*queuedPacket, 0, len(frags))
	for _, f := range frags {
		pkt, err := q.packet(f.ID, f.Payload)
		if err != nil {
			return err
		}
		queued = append(queued, &queuedPacket{id: f.ID, lane: lane, packet: pkt})
	}

	q.Lock()
	if _, ok := q.lanes[lane]; !ok {
		q.order = append(q.order, lane)
	}
	q.lanes[lane] = append(q.lanes[lane], queued...)
	q.Unlock()
	q.queues.Add(lane, len(queued))
	instrument.LaneQueueLength(len(queued))
	return nil
}

// Retransmit queues a packet that was not acknowledged in time ahead of
// everything else.
func (q *OutQueue) Retransmit(id fragment.Identifier, lane lanes.Lane, packet []byte) {
	q.Lock()
	q.resends = append(q.resends, &queuedPacket{id: id, lane: lane, packet: packet, resend: true})
	q.Unlock()
	q.queues.Add(lane, 1)
	instrument.LaneQueueLength(1)
}

func (q *OutQueue) packet(id fragment.Identifier, payload []byte) ([]byte, error) {
	ack, err := ackkey.PrepareIdentifier(q.key, id.Bytes())
	if err != nil {
		return nil, err
	}
	p := &Packet{
		Src:      q.cfg.Src,
		Dst:      q.cfg.Dst,
		Fragment: id.Bytes(),
		Payload:  payload,
		Ack:      ack,
	}
	return p.Marshal()
}

// pop returns the next packet to send, or nil.
func (q *OutQueue) pop() *queuedPacket {
	q.Lock()
	defer q.Unlock()
	if len(q.resends) > 0 {
		p := q.resends[0]
		q.resends = q.resends[1:]
		return p
	}
	for len(q.order) > 0 {
		if q.next >= len(q.order) {
			q.next = 0
		}
		lane := q.order[q.next]
		pkts := q.lanes[lane]
		if len(pkts) == 0 {
			delete(q.lanes, lane)
			q.order = append(q.order[:q.next], q.order[q.next+1:]...)
			continue
		}
		p := pkts[0]
		q.lanes[lane] = pkts[1:]
		q.next++
		return p
	}
	return nil
}

func (q *OutQueue) worker() {
	for {
		select {
		case <-q.HaltCh():
			q.log.Debug("Halting out queue.")
			return
		case <-q.ticker.C():
		}

		p := q.pop()
		if p == nil {
			if !q.cfg.DisableCover {
				q.sendCover()
			}
			continue
		}
		q.send(p)
	}
}

func (q *OutQueue) send(p *queuedPacket) {
	// Register before the packet can possibly be acknowledged.
	if !p.resend {
		if err := q.tracker.Insert(p.id, p.lane, p.packet); err != nil {
			q.log.Debugf("Not tracking %v: %v", p.id, err)
		}
	}
	if err := q.net.Send(p.packet); err != nil {
		q.log.Warnf("Failed to send %v: %v", p.id, err)
	}
	q.queues.Add(p.lane, -1)
	instrument.LaneQueueLength(-1)
}

func (q *OutQueue) sendCover() {
	pkt, err := q.packet(fragment.CoverID, nil)
	if err != nil {
		q.log.Errorf("Failed to build cover packet: %v", err)
		return
	}
	if err := q.net.Send(pkt); err != nil {
		q.log.Debugf("Failed to send cover packet: %v", err)
	}
}

func (q *OutQueue) String() string {
	return fmt.Sprintf("%s->%s", q.cfg.Src, q.cfg.Dst)
}

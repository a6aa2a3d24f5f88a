// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package simnet

import (
	"errors"
	"fmt"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/mixarq/core/worker"
)

// ErrUnknownNode is returned when sending to a node that was never
// attached.
var ErrUnknownNode = errors.New("simnet: unknown node")

// ErrHalted is returned when using a halted component.
var ErrHalted = errors.New("simnet: halted")

// PacketHandler receives the packets delivered to a node.
type PacketHandler func(p *Packet)

// NetworkConfig describes the simulated network.
type NetworkConfig struct {
	// Hops is the number of mixes on each route.
	Hops int

	// AverageHopDelay is the mean of the exponential per hop delay.
	AverageHopDelay time.Duration

	// MaxHopDelay caps a single hop delay.
	MaxHopDelay time.Duration

	// DropRate is the probability a packet or an acknowledgement is lost.
	DropRate float64
}

type node struct {
	acks    chan<- [][]byte
	handler PacketHandler
}

// Network delivers packets between attached nodes after a random delay,
// losing some, and returns every delivered packet's acknowledgement to
// its sender.  Packets may overtake each other.
type Network struct {
	worker.Worker

	log *log.Logger
	cfg *NetworkConfig

	sync.RWMutex
	nodes map[string]*node

	rngLock sync.Mutex
	rng     *mrand.Rand
}

// NewNetwork returns an empty Network.
func NewNetwork(logger *log.Logger, cfg *NetworkConfig) *Network {
	return &Network{
		log:   logger,
		cfg:   cfg,
		nodes: make(map[string]*node),
		rng:   rand.NewMath(),
	}
}

// Attach registers a node.  Acknowledgements of the packets it sends are
// written to acks, packets addressed to it are handed to handler.
func (n *Network) Attach(name string, acks chan<- [][]byte, handler PacketHandler) {
	n.Lock()
	defer n.Unlock()
	n.nodes[name] = &node{acks: acks, handler: handler}
}

// Send injects an encoded packet.
func (n *Network) Send(b []byte) error {
	select {
	case <-n.HaltCh():
		return ErrHalted
	default:
	}
	p, err := PacketFromBytes(b)
	if err != nil {
		return err
	}
	n.RLock()
	dst, ok := n.nodes[p.Dst]
	n.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNode, p.Dst)
	}
	if n.lost() {
		n.log.Debugf("Dropped packet %s -> %s.", p.Src, p.Dst)
		return nil
	}
	delay := n.routeDelay()
	n.Go(func() {
		if !n.sleep(delay) {
			return
		}
		if dst.handler != nil {
			dst.handler(p)
		}
		if len(p.Ack) > 0 {
			n.returnAck(p)
		}
	})
	return nil
}

func (n *Network) returnAck(p *Packet) {
	n.RLock()
	src, ok := n.nodes[p.Src]
	n.RUnlock()
	if !ok || src.acks == nil {
		return
	}
	if n.lost() {
		n.log.Debugf("Dropped acknowledgement %s -> %s.", p.Dst, p.Src)
		return
	}
	if !n.sleep(n.routeDelay()) {
		return
	}
	select {
	case src.acks <- [][]byte{p.Ack}:
	case <-n.HaltCh():
	}
}

func (n *Network) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-n.HaltCh():
		return false
	}
}

func (n *Network) lost() bool {
	if n.cfg.DropRate <= 0 {
		return false
	}
	n.rngLock.Lock()
	defer n.rngLock.Unlock()
	return n.rng.Float64() < n.cfg.DropRate
}

// routeDelay sums the delays of every hop plus the final delivery.
func (n *Network) routeDelay() time.Duration {
	if n.cfg.AverageHopDelay <= 0 {
		return 0
	}
	n.rngLock.Lock()
	defer n.rngLock.Unlock()
	var total time.Duration
	for i := 0; i <= n.cfg.Hops; i++ {
		d := time.Duration(rand.Exp(n.rng, 1/float64(n.cfg.AverageHopDelay)))
		if n.cfg.MaxHopDelay > 0 && d > n.cfg.MaxHopDelay {
			d = n.cfg.MaxHopDelay
		}
		total += d
	}
	return total
}

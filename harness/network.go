// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package harness

import (
	"fmt"
	"slices"
	"time"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
)

// portQueueCapacity bounds each host's inbound queue. Datagrams that do not
// fit are dropped, like a full socket buffer.
const portQueueCapacity = 1024

// link is one host's attachment to a network. Send delivers to every other
// active host; the adapter has no notion of addresses and the engine drops
// datagrams whose verification tag is not its own. Recv returns
// iox.ErrWouldBlock when nothing is queued.
type link interface {
	Send(datagram []byte) error
	Recv() ([]byte, error)
}

type network interface {
	Link(name string) link
	// Activate starts delivering to name. Inactive hosts neither send nor
	// receive.
	Activate(name string)
	Now() time.Time
	// Busy resets idle state after a round that made progress.
	Busy()
	// Idle is called after a round without progress. next is the earliest
	// host deadline, zero when no timer is armed.
	Idle(next time.Time) error
	Overflow() int
	Close() error
}

// filterChain is the shared datagram path of both networks: corrupt, record
// what crossed the wire, then decide whether it survives. Any member may be
// nil.
type filterChain struct {
	fault *faultInjector
	wire  *wireValidator
	loss  *lossFilter
}

func (f filterChain) pass(src, dst string, data []byte) bool {
	f.fault.corrupt(data)
	f.wire.inspect(src, dst, data)

	return f.loss.keep()
}

// simClock is a virtual clock advanced by the driver when every host is idle.
type simClock struct {
	start time.Time
	now   time.Time
}

func newSimClock() *simClock {
	start := time.Unix(1_700_000_000, 0).UTC()

	return &simClock{start: start, now: start}
}

func (c *simClock) Now() time.Time { return c.now }

func (c *simClock) Elapsed() time.Duration { return c.now.Sub(c.start) }

// memNetwork is an in-process bus on the driver goroutine. Each port owns a
// lock-free SPSC inbox; the driver is the only producer and consumer.
type memNetwork struct {
	clock   *simClock
	filters filterChain
	ports   []*memPort
}

type memPort struct {
	nw       *memNetwork
	name     string
	active   bool
	inbox    lfq.SPSC[[]byte]
	overflow int
}

func newMemNetwork(names []string, clock *simClock, filters filterChain) *memNetwork {
	nw := &memNetwork{clock: clock, filters: filters}
	for _, name := range names {
		p := &memPort{nw: nw, name: name}
		p.inbox.Init(portQueueCapacity)
		nw.ports = append(nw.ports, p)
	}

	return nw
}

func (n *memNetwork) port(name string) *memPort {
	i := slices.IndexFunc(n.ports, func(p *memPort) bool { return p.name == name })
	if i < 0 {
		panic(fmt.Sprintf("harness: no port %q", name))
	}

	return n.ports[i]
}

func (n *memNetwork) Link(name string) link { return n.port(name) }

func (n *memNetwork) Activate(name string) { n.port(name).active = true }

func (n *memNetwork) Now() time.Time { return n.clock.Now() }

func (n *memNetwork) Busy() {}

func (n *memNetwork) Idle(next time.Time) error {
	if next.IsZero() {
		return errStalled
	}
	if next.After(n.clock.now) {
		n.clock.now = next
	}

	return nil
}

func (n *memNetwork) Overflow() int {
	total := 0
	for _, p := range n.ports {
		total += p.overflow
	}

	return total
}

func (n *memNetwork) Close() error { return nil }

func (p *memPort) Send(datagram []byte) error {
	if !p.active {
		return nil
	}
	for _, peer := range p.nw.ports {
		if peer == p || !peer.active {
			continue
		}
		buf := slices.Clone(datagram)
		if !p.nw.filters.pass(p.name, peer.name, buf) {
			continue
		}
		if err := peer.inbox.Enqueue(&buf); err != nil {
			if !iox.IsWouldBlock(err) {
				return err
			}
			peer.overflow++
		}
	}

	return nil
}

func (p *memPort) Recv() ([]byte, error) {
	return p.inbox.Dequeue()
}

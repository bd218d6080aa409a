// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package harness

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"time"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
	"github.com/pion/logging"
	"github.com/pion/transport/vnet"
)

const vnetPort = 5000

// vnetNetwork carries datagrams over a pion virtual UDP router with delay,
// jitter, and chunk filters. One reader goroutine per host moves datagrams
// from its socket into an SPSC inbox drained by the driver.
type vnetNetwork struct {
	router *vnet.Router
	ports  []*vnetPortConn
	bo     iox.Backoff
}

type vnetPortConn struct {
	nw       *vnetNetwork
	name     string
	addr     *net.UDPAddr
	conn     net.PacketConn
	active   bool
	inbox    lfq.SPSC[[]byte]
	done     chan struct{}
	overflow int
}

func newVNetNetwork(names []string, profile networkProfile, filters filterChain, lf logging.LoggerFactory) (*vnetNetwork, error) {
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		QueueSize:     4096,
		MinDelay:      profile.MinDelay,
		MaxJitter:     profile.MaxJitter,
		LoggerFactory: lf,
	})
	if err != nil {
		return nil, fmt.Errorf("vnet: router: %w", err)
	}
	if filters.fault != nil {
		router.AddChunkFilter(filters.fault.Filter)
	}
	if filters.wire != nil {
		router.AddChunkFilter(filters.wire.Filter)
	}
	if filters.loss != nil {
		router.AddChunkFilter(filters.loss.Filter)
	}

	nw := &vnetNetwork{router: router}
	nics := make([]*vnet.Net, 0, len(names))
	for i, name := range names {
		ip := fmt.Sprintf("10.0.0.%d", i+1)
		nic := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err := router.AddNet(nic); err != nil {
			return nil, fmt.Errorf("vnet: add %s: %w", name, err)
		}
		nics = append(nics, nic)
		nw.ports = append(nw.ports, &vnetPortConn{
			nw:   nw,
			name: name,
			addr: &net.UDPAddr{IP: net.ParseIP(ip), Port: vnetPort},
			done: make(chan struct{}),
		})
	}
	if err := router.Start(); err != nil {
		return nil, fmt.Errorf("vnet: start router: %w", err)
	}

	for i, p := range nw.ports {
		conn, err := nics[i].ListenPacket("udp4", p.addr.String())
		if err != nil {
			_ = nw.Close()

			return nil, fmt.Errorf("vnet: listen %s: %w", p.name, err)
		}
		p.conn = conn
		p.inbox.Init(portQueueCapacity)
		go p.readLoop()
	}

	return nw, nil
}

func (n *vnetNetwork) port(name string) *vnetPortConn {
	i := slices.IndexFunc(n.ports, func(p *vnetPortConn) bool { return p.name == name })
	if i < 0 {
		panic(fmt.Sprintf("harness: no port %q", name))
	}

	return n.ports[i]
}

func (n *vnetNetwork) Link(name string) link { return n.port(name) }

func (n *vnetNetwork) Activate(name string) { n.port(name).active = true }

func (n *vnetNetwork) Now() time.Time { return time.Now() }

func (n *vnetNetwork) Busy() { n.bo.Reset() }

// Idle backs off; datagrams still in the router arrive on their own.
func (n *vnetNetwork) Idle(time.Time) error {
	n.bo.Wait()

	return nil
}

// Overflow is only meaningful after Close has joined the readers.
func (n *vnetNetwork) Overflow() int {
	total := 0
	for _, p := range n.ports {
		total += p.overflow
	}

	return total
}

func (n *vnetNetwork) Close() error {
	var err error
	for _, p := range n.ports {
		if p.conn == nil {
			continue
		}
		if closeErr := p.conn.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		<-p.done
	}
	if stopErr := n.router.Stop(); stopErr != nil {
		err = errors.Join(err, stopErr)
	}

	return err
}

func (p *vnetPortConn) readLoop() {
	defer close(p.done)

	buf := make([]byte, 1<<16)
	for {
		n, _, err := p.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		datagram := slices.Clone(buf[:n])
		if err := p.inbox.Enqueue(&datagram); err != nil {
			p.overflow++
		}
	}
}

func (p *vnetPortConn) Send(datagram []byte) error {
	if !p.active {
		return nil
	}
	for _, peer := range p.nw.ports {
		if peer == p || !peer.active {
			continue
		}
		if _, err := p.conn.WriteTo(datagram, peer.addr); err != nil {
			return fmt.Errorf("vnet: %s -> %s: %w", p.name, peer.name, err)
		}
	}

	return nil
}

func (p *vnetPortConn) Recv() ([]byte, error) {
	return p.inbox.Dequeue()
}

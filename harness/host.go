// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package harness

import (
	"errors"
	"fmt"
	"time"

	"code.hybscloud.com/iox"
	"github.com/pion/sctpadapter/adapter"
)

// host is the caller side of one adapter: it owns the network link and the
// timer the adapter asks for.
type host struct {
	name     string
	a        *adapter.Adapter
	link     link
	now      func() time.Time
	deadline time.Time
	onEvent  func(h *host, ev adapter.Event) error

	rejected  int
	timeouts  int
	lastStats adapter.Stats
}

func newHost(name string, nw network, cfg adapter.Config, onEvent func(*host, adapter.Event) error) *host {
	cfg.Clock = nw.Now

	return &host{
		name:    name,
		a:       adapter.New(cfg),
		link:    nw.Link(name),
		now:     nw.Now,
		onEvent: onEvent,
	}
}

// step polls the adapter dry, feeds everything queued on the link, and runs
// the timer if it is due. It reports whether anything happened.
func (h *host) step() (bool, error) {
	progress, err := h.drain()
	if err != nil {
		return progress, err
	}

	for {
		datagram, err := h.link.Recv()
		if iox.IsWouldBlock(err) {
			break
		}
		if err != nil {
			return progress, fmt.Errorf("%s: recv: %w", h.name, err)
		}
		progress = true
		if err := h.a.HandleData(datagram); err != nil {
			if !errors.Is(err, adapter.ErrAssociationExists) {
				return progress, fmt.Errorf("%s: handle data: %w", h.name, err)
			}
			h.rejected++
		}
	}

	if !h.deadline.IsZero() && !h.now().Before(h.deadline) {
		progress = true
		h.timeouts++
		if err := h.a.HandleTimeout(); err != nil && !errors.Is(err, adapter.ErrNotConnected) {
			return progress, fmt.Errorf("%s: handle timeout: %w", h.name, err)
		}
	}

	return progress, nil
}

func (h *host) drain() (bool, error) {
	progress := false
	for {
		ev := h.a.Poll()
		switch ev := ev.(type) {
		case adapter.None:
			return progress, nil
		case adapter.Transmit:
			for _, d := range ev.Datagrams {
				if err := h.link.Send(d); err != nil {
					return true, fmt.Errorf("%s: send: %w", h.name, err)
				}
			}
		case adapter.Timeout:
			h.deadline = time.Time{}
			if ev.Armed {
				h.deadline = h.now().Add(ev.After)
			}
		default:
			if err := h.onEvent(h, ev); err != nil {
				return true, err
			}
		}
		progress = true
	}
}

// snapshot keeps the counters of the live association; they reset once it
// is gone.
func (h *host) snapshot() {
	h.lastStats = h.a.Stats()
}

// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package adapter drives one SCTP association through a synchronous,
// non-blocking, poll-driven API for hosts that own the network and the clock.
package adapter

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/pion/logging"
	"github.com/pion/sctpadapter/engine"
)

// Phase is the association lifecycle as seen by the adapter.
type Phase int

// Lifecycle phases.
const (
	NoAssociation Phase = iota
	Connecting
	Established
	Lost
)

func (p Phase) String() string {
	switch p {
	case NoAssociation:
		return "NoAssociation"
	case Connecting:
		return "Connecting"
	case Established:
		return "Established"
	case Lost:
		return "Lost"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

var serials atomix.Uint32

// Adapter owns one engine endpoint and at most one association.
//
// Every method holds a mutex for its whole duration. The adapter expects a
// single logical owner; concurrent callers are serialized, not rejected.
type Adapter struct {
	mu     sync.Mutex
	cfg    Config
	log    logging.LeveledLogger
	serial uint32

	endpoint *engine.Endpoint
	phase    Phase
	// assoc is non-nil exactly while phase is Connecting or Established.
	assoc  *engine.Association
	handle engine.AssociationHandle
	// streams holds open stream ids in registration order.
	streams      []uint16
	lastDeadline time.Time
	stats        Stats
}

// New creates an adapter whose endpoint accepts inbound associations.
func New(cfg Config) *Adapter {
	cfg = cfg.withDefaults()
	server := cfg.Server

	a := &Adapter{
		cfg:      cfg,
		log:      cfg.LoggerFactory.NewLogger("sctp-adapter"),
		serial:   serials.Add(1),
		endpoint: engine.NewEndpoint(cfg.Endpoint, &server),
		stats:    Stats{Events: map[EventKind]uint64{}},
	}
	a.log.Debugf("[adapter %d] created", a.serial)

	return a
}

// Connect starts an outbound association. It panics if the engine cannot
// allocate one, which only happens when the endpoint is misconfigured.
func (a *Adapter) Connect() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.assoc != nil {
		return fmt.Errorf("%w: phase %s", ErrAlreadyConnected, a.phase)
	}

	h, assoc, err := a.endpoint.Connect(a.cfg.Client, a.cfg.Clock())
	if err != nil {
		panic(fmt.Sprintf("adapter: engine could not allocate an association: %v", err))
	}
	a.bind(h, assoc)
	a.log.Debugf("[adapter %d] connecting, handle %d", a.serial, h)

	return nil
}

// HandleData feeds one inbound datagram. Malformed or unroutable datagrams
// are absorbed. A second peer trying to associate is refused with an ABORT
// and reported as ErrAssociationExists.
func (a *Adapter) HandleData(datagram []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.cfg.Clock()
	a.stats.DatagramsIn++
	a.stats.BytesIn += uint64(len(datagram))

	h, ev, ok := a.endpoint.Handle(now, datagram)
	if !ok {
		return nil
	}

	switch ev := ev.(type) {
	case engine.NewAssociation:
		if a.assoc != nil {
			a.endpoint.Reject(now, h)
			a.log.Warnf("[adapter %d] refused association %d while %d is %s", a.serial, h, a.handle, a.phase)

			return fmt.Errorf("%w: live handle %d", ErrAssociationExists, a.handle)
		}
		a.bind(h, ev.Association)
		a.log.Debugf("[adapter %d] accepted inbound association, handle %d", a.serial, h)
	case engine.AssociationEvent:
		if a.assoc == nil || h != a.handle {
			a.log.Debugf("[adapter %d] datagram for stale handle %d absorbed", a.serial, h)

			return nil
		}
		a.assoc.HandleEvent(ev)
	}

	return nil
}

// HandleTimeout advances the association clock to now.
func (a *Adapter) HandleTimeout() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.assoc == nil {
		return ErrNotConnected
	}
	a.assoc.HandleTimeout(a.cfg.Clock())
	a.drainEndpointEvents()

	return nil
}

// OpenStream opens stream id on an established association.
func (a *Adapter) OpenStream(id uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.assoc == nil || a.assoc.IsHandshaking() || a.assoc.IsClosed() {
		return ErrNotConnected
	}

	_, err := a.assoc.OpenStream(id, 0)
	switch {
	case errors.Is(err, engine.ErrStreamAlreadyExists):
		return fmt.Errorf("%w: %d", ErrAlreadyExists, id)
	case err != nil:
		return fmt.Errorf("%w: %w", ErrUnableToCreate, err)
	}
	a.register(id)

	return nil
}

// CloseStream stops tracking id, then finishes and stops the engine stream.
// The id stays untracked even when the engine refuses either step.
func (a *Adapter) CloseStream(id uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.assoc == nil {
		return ErrNotConnected
	}
	if !a.unregister(id) {
		return fmt.Errorf("%w: %d", ErrInvalidID, id)
	}

	s, err := a.assoc.Stream(id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnableToStop, err)
	}
	if err := s.Finish(); err != nil {
		return fmt.Errorf("%w: finish: %w", ErrUnableToStop, err)
	}
	if err := s.Stop(); err != nil {
		return fmt.Errorf("%w: stop: %w", ErrUnableToStop, err)
	}

	return nil
}

// Send writes one message on stream id. The engine decides whether the
// stream exists; it need not be tracked locally.
func (a *Adapter) Send(id uint16, ppi uint32, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.assoc == nil {
		return ErrNotConnected
	}
	s, err := a.assoc.Stream(id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidID, err)
	}
	if _, err := s.WriteSCTP(payload, engine.PayloadProtocolIdentifier(ppi)); err != nil {
		return fmt.Errorf("%w: %w", ErrUnableToSend, err)
	}

	return nil
}

// Streams returns the tracked stream ids in registration order.
func (a *Adapter) Streams() []uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return slices.Clone(a.streams)
}

// State returns the lifecycle phase.
func (a *Adapter) State() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.phase
}

func (a *Adapter) bind(h engine.AssociationHandle, assoc *engine.Association) {
	a.handle = h
	a.assoc = assoc
	a.phase = Connecting
	a.streams = nil
}

// retire drops the lost association and releases its endpoint routing.
// lastDeadline is kept so the next Poll reports the disarmed timer.
func (a *Adapter) retire(reason error) {
	a.drainEndpointEvents()
	a.log.Debugf("[adapter %d] association %d lost: %v", a.serial, a.handle, reason)
	a.assoc = nil
	a.handle = 0
	a.streams = nil
	a.phase = Lost
}

func (a *Adapter) drainEndpointEvents() {
	for {
		ev, ok := a.assoc.PollEndpointEvent()
		if !ok {
			return
		}
		if aev, ok := a.endpoint.HandleEvent(a.handle, ev); ok {
			a.assoc.HandleEvent(aev)
		}
	}
}

func (a *Adapter) register(id uint16) {
	if !slices.Contains(a.streams, id) {
		a.streams = append(a.streams, id)
	}
}

func (a *Adapter) unregister(id uint16) bool {
	i := slices.Index(a.streams, id)
	if i < 0 {
		return false
	}
	a.streams = slices.Delete(a.streams, i, i+1)

	return true
}

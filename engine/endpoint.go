// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package engine

import (
	"encoding/binary"
	"math/rand/v2"
	"time"

	"github.com/pion/logging"
)

const cookieSize = 32

// Endpoint demultiplexes datagrams to associations by verification tag and
// creates inbound associations when a ServerConfig is present.
type Endpoint struct {
	cfg    EndpointConfig
	server *ServerConfig
	log    logging.LeveledLogger

	nextHandle   AssociationHandle
	associations map[AssociationHandle]*Association
	byTag        map[uint32]AssociationHandle
	// byPeerInit routes retransmitted INITs to the association they created.
	byPeerInit map[uint32]AssociationHandle
	transmits  []Transmit
}

// NewEndpoint creates an endpoint. A nil server refuses inbound associations.
func NewEndpoint(cfg EndpointConfig, server *ServerConfig) *Endpoint {
	cfg = cfg.withDefaults()
	if server != nil {
		sc := server.withDefaults()
		server = &sc
	}

	return &Endpoint{
		cfg:          cfg,
		server:       server,
		log:          cfg.LoggerFactory.NewLogger("sctp-engine"),
		associations: map[AssociationHandle]*Association{},
		byTag:        map[uint32]AssociationHandle{},
		byPeerInit:   map[uint32]AssociationHandle{},
	}
}

// NumAssociations returns the number of routed associations.
func (e *Endpoint) NumAssociations() int {
	return len(e.associations)
}

// Connect creates an outbound association. Its INIT is ready in PollTransmit.
func (e *Endpoint) Connect(cfg ClientConfig, now time.Time) (AssociationHandle, *Association, error) {
	if !e.canAllocate() {
		return 0, nil, ErrAssociationLimit
	}
	dst := cfg.DestinationPort
	if dst == 0 {
		dst = e.cfg.Port
	}

	a := newClientAssociation(
		e.cfg.LoggerFactory, cfg.Transport.withDefaults(), e.cfg.Port, dst, e.newTag(), e.randUint32(), now,
	)
	h := e.insert(a, 0)
	e.log.Debugf("association %d: connecting", h)

	return h, a, nil
}

// Handle decodes one datagram. It reports false when the datagram is
// malformed, unroutable or answered by the endpoint itself.
func (e *Endpoint) Handle(now time.Time, datagram []byte) (AssociationHandle, DatagramEvent, bool) {
	p, err := unmarshalPacket(datagram)
	if err != nil {
		e.log.Debugf("discarding datagram: %v", err)

		return 0, nil, false
	}
	ev := AssociationEvent{now: now, packet: p, size: len(datagram)}

	if p.verificationTag == 0 {
		init, ok := p.chunks[0].(*chunkInit)
		if !ok {
			return 0, nil, false
		}
		if h, ok := e.byPeerInit[init.initiateTag]; ok {
			return h, ev, true
		}
		if e.server == nil || !e.canAllocate() {
			e.log.Debugf("refusing INIT from port %d", p.sourcePort)
			e.abort(now, p.destinationPort, p.sourcePort, init.initiateTag)

			return 0, nil, false
		}

		a := newServerAssociation(e.cfg.LoggerFactory, *e.server, p, e.newTag(), e.randUint32(), e.cookie())
		h := e.insert(a, init.initiateTag)
		a.HandleEvent(ev)
		e.log.Debugf("association %d: accepted INIT", h)

		return h, NewAssociation{Association: a}, true
	}

	h, ok := e.byTag[p.verificationTag]
	if !ok {
		e.log.Debugf("no association for verification tag %08x", p.verificationTag)

		return 0, nil, false
	}

	return h, ev, true
}

// Reject drops an association and queues an ABORT toward its peer.
func (e *Endpoint) Reject(now time.Time, h AssociationHandle) {
	a, ok := e.associations[h]
	if !ok {
		return
	}
	e.remove(h)
	if a.peerVerificationTag != 0 {
		e.abort(now, a.sourcePort, a.destinationPort, a.peerVerificationTag)
	}
	a.setState(aborted)
	a.controlQueue = nil
	a.events = nil
	a.endpointEvents = nil
	for _, t := range a.timers() {
		t.stop()
	}
	e.log.Debugf("association %d: rejected", h)
}

// HandleEvent processes an event emitted by an association. The returned
// event, if any, must be fed back to that association.
func (e *Endpoint) HandleEvent(h AssociationHandle, ev EndpointEvent) (AssociationEvent, bool) {
	if ev.drained {
		e.remove(h)
		e.log.Debugf("association %d: drained", h)
	}

	return AssociationEvent{}, false
}

// PollTransmit pops a datagram the endpoint built on its own behalf.
func (e *Endpoint) PollTransmit() (Transmit, bool) {
	if len(e.transmits) == 0 {
		return Transmit{}, false
	}
	t := e.transmits[0]
	e.transmits = e.transmits[1:]

	return t, true
}

func (e *Endpoint) canAllocate() bool {
	return e.cfg.MaxAssociations > 0 && len(e.associations) < e.cfg.MaxAssociations
}

func (e *Endpoint) insert(a *Association, peerInit uint32) AssociationHandle {
	e.nextHandle++
	h := e.nextHandle
	e.associations[h] = a
	e.byTag[a.myVerificationTag] = h
	if peerInit != 0 {
		e.byPeerInit[peerInit] = h
	}

	return h
}

func (e *Endpoint) remove(h AssociationHandle) {
	a, ok := e.associations[h]
	if !ok {
		return
	}
	delete(e.associations, h)
	delete(e.byTag, a.myVerificationTag)
	for tag, owner := range e.byPeerInit {
		if owner == h {
			delete(e.byPeerInit, tag)
		}
	}
}

// abort answers with an ABORT whose verification tag is the peer's own.
func (e *Endpoint) abort(now time.Time, src, dst uint16, tag uint32) {
	p := &packet{sourcePort: src, destinationPort: dst, verificationTag: tag, chunks: []chunk{&chunkAbort{}}}
	raw, err := p.marshal()
	if err != nil {
		e.log.Warnf("failed to serialize ABORT: %v", err)

		return
	}
	e.transmits = append(e.transmits, Transmit{Now: now, Payload: RawEncode{raw}})
}

func (e *Endpoint) randUint32() uint32 {
	if e.cfg.Rand != nil {
		return e.cfg.Rand.Uint32()
	}

	return rand.Uint32() //nolint:gosec // tags are not secrets here
}

func (e *Endpoint) newTag() uint32 {
	for {
		tag := e.randUint32()
		if _, taken := e.byTag[tag]; tag != 0 && !taken {
			return tag
		}
	}
}

func (e *Endpoint) cookie() []byte {
	cookie := make([]byte, 0, cookieSize)
	for len(cookie) < cookieSize {
		cookie = binary.BigEndian.AppendUint32(cookie, e.randUint32())
	}

	return cookie
}

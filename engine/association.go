// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package engine

import (
	"bytes"
	"fmt"
	"slices"
	"time"

	"github.com/pion/logging"
)

type associationState uint8

const (
	closed associationState = iota
	cookieWait
	cookieEchoed
	established
	aborted
)

func (s associationState) String() string {
	switch s {
	case closed:
		return "Closed"
	case cookieWait:
		return "CookieWait"
	case cookieEchoed:
		return "CookieEchoed"
	case established:
		return "Established"
	case aborted:
		return "Aborted"
	default:
		return fmt.Sprintf("Invalid association state %d", uint8(s))
	}
}

// Stats is a snapshot of association counters.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	DataChunksSent  uint64
	Retransmits     uint64
	SRTT            time.Duration
	RTO             time.Duration
}

// Association is a sans-IO SCTP association. It never blocks, starts no
// goroutines and reads no clock: callers feed it packets and instants and
// poll it for transmits, events and its next deadline. It is not safe for
// concurrent use.
type Association struct {
	log            logging.LeveledLogger
	name           string
	state          associationState
	isClient       bool
	cfg            TransportConfig
	cookieLifetime time.Duration

	sourcePort          uint16
	destinationPort     uint16
	myVerificationTag   uint32
	peerVerificationTag uint32

	myNextTSN             uint32
	myNextRSN             uint32
	cumulativeTSNAckPoint uint32
	peerLastTSN           uint32

	// myCookie is the cookie a server issued, peerCookie the one a client echoes.
	myCookie   []byte
	peerCookie []byte

	numOutboundStreams uint16
	numInboundStreams  uint16
	maxPayloadSize     uint32
	rwnd               uint32

	streams map[uint16]*Stream

	pendingQueue  []*chunkPayloadData
	inflightQueue []*chunkPayloadData
	payloadQueue  map[uint32]*chunkPayloadData
	duplicates    []uint32
	rxBytes       int
	ackNeeded     bool

	controlQueue   []*packet
	events         []Event
	endpointEvents []EndpointEvent

	rto       *rtoManager
	t1Init    *rtxTimer
	t1Cookie  *rtxTimer
	t3RTX     *rtxTimer
	tReconfig *rtxTimer
	tCookie   *rtxTimer

	resetQueue          []uint16
	ongoingReconfig     *chunkReconfig
	ongoingResetRequest *paramOutgoingResetRequest
	lastPeerRSN         uint32
	peerRSNSeen         bool

	// resetting holds the streams the ongoing request covers; a stream
	// reopened under the same id is not one of them.
	resetting []*Stream

	stats Stats
}

func newAssociation(factory logging.LoggerFactory, cfg TransportConfig, tag, tsn uint32) *Association {
	a := &Association{
		log:                   factory.NewLogger("sctp-engine"),
		name:                  fmt.Sprintf("%08x", tag),
		cfg:                   cfg,
		myVerificationTag:     tag,
		myNextTSN:             tsn,
		myNextRSN:             tsn,
		cumulativeTSNAckPoint: tsn - 1,
		numOutboundStreams:    cfg.NumStreams,
		numInboundStreams:     cfg.NumStreams,
		maxPayloadSize:        cfg.MTU - commonHeaderSize - dataChunkHeaderSize,
		streams:               map[uint16]*Stream{},
		payloadQueue:          map[uint32]*chunkPayloadData{},
		rto:                   newRTOManager(cfg),
		t1Init:                newRTXTimer(timerT1Init, cfg.MaxInitRetransmits),
		t1Cookie:              newRTXTimer(timerT1Cookie, cfg.MaxInitRetransmits),
		t3RTX:                 newRTXTimer(timerT3RTX, cfg.MaxPathRetransmits),
		tReconfig:             newRTXTimer(timerReconfig, cfg.MaxPathRetransmits),
		tCookie:               newRTXTimer(timerCookieLifetime, 0),
	}

	return a
}

func newClientAssociation(
	factory logging.LoggerFactory, cfg TransportConfig, srcPort, dstPort uint16, tag, tsn uint32, now time.Time,
) *Association {
	a := newAssociation(factory, cfg, tag, tsn)
	a.isClient = true
	a.sourcePort = srcPort
	a.destinationPort = dstPort
	a.setState(cookieWait)
	a.sendInit()
	a.t1Init.start(now, a.rto.rto)

	return a
}

func newServerAssociation(
	factory logging.LoggerFactory, cfg ServerConfig, p *packet, tag, tsn uint32, cookie []byte,
) *Association {
	a := newAssociation(factory, cfg.Transport, tag, tsn)
	a.sourcePort = p.destinationPort
	a.destinationPort = p.sourcePort
	a.cookieLifetime = cfg.CookieLifetime
	a.myCookie = cookie

	return a
}

func (a *Association) setState(state associationState) {
	if a.state != state {
		a.log.Debugf("[%s] state change: '%s' => '%s'", a.name, a.state, state)
	}
	a.state = state
}

// IsHandshaking reports whether the four-way handshake is still in progress.
func (a *Association) IsHandshaking() bool {
	return a.state == closed || a.state == cookieWait || a.state == cookieEchoed
}

// IsClosed reports whether the association has terminated.
func (a *Association) IsClosed() bool {
	return a.state == aborted
}

// Stats returns a snapshot of the association counters.
func (a *Association) Stats() Stats {
	s := a.stats
	s.SRTT = a.rto.srtt
	s.RTO = a.rto.rto

	return s
}

// Close aborts the association.
func (a *Association) Close() {
	a.lose(ErrClosed, true)
}

// OpenStream opens a stream for sending. It reports StreamWritable once.
func (a *Association) OpenStream(id uint16, ppi PayloadProtocolIdentifier) (*Stream, error) {
	if a.state != established {
		return nil, ErrNotEstablished
	}
	if id >= a.numOutboundStreams {
		return nil, fmt.Errorf("%w: id=%d streams=%d", ErrStreamLimit, id, a.numOutboundStreams)
	}
	if _, ok := a.streams[id]; ok {
		return nil, fmt.Errorf("%w: id=%d", ErrStreamAlreadyExists, id)
	}

	s := newStream(a, id, ppi)
	s.readableNotified = true
	a.streams[id] = s
	a.events = append(a.events, StreamEvent{Kind: StreamWritable, ID: id})

	return s, nil
}

// Stream returns the stream with the given identifier.
func (a *Association) Stream(id uint16) (*Stream, error) {
	s, ok := a.streams[id]
	if !ok {
		return nil, fmt.Errorf("%w: id=%d", ErrStreamNotFound, id)
	}

	return s, nil
}

// Poll pops the next application event.
func (a *Association) Poll() (Event, bool) {
	if len(a.events) == 0 {
		return nil, false
	}
	ev := a.events[0]
	a.events[0] = nil
	a.events = a.events[1:]

	return ev, true
}

// PollEndpointEvent pops the next event destined for the endpoint.
func (a *Association) PollEndpointEvent() (EndpointEvent, bool) {
	if len(a.endpointEvents) == 0 {
		return EndpointEvent{}, false
	}
	ev := a.endpointEvents[0]
	a.endpointEvents = a.endpointEvents[1:]

	return ev, true
}

// PollTimeout returns the earliest running timer deadline.
func (a *Association) PollTimeout() (time.Time, bool) {
	var earliest time.Time
	for _, t := range a.timers() {
		if t.running && (earliest.IsZero() || t.deadline.Before(earliest)) {
			earliest = t.deadline
		}
	}

	return earliest, !earliest.IsZero()
}

func (a *Association) timers() []*rtxTimer {
	return []*rtxTimer{a.t1Init, a.t1Cookie, a.t3RTX, a.tReconfig, a.tCookie}
}

// HandleTimeout runs every timer whose deadline is not after now.
func (a *Association) HandleTimeout(now time.Time) {
	if a.state == aborted {
		return
	}

	if a.tCookie.expired(now) {
		a.tCookie.stop()
		a.lose(ErrCookieExpired, true)

		return
	}
	if a.t1Init.expired(now) {
		if a.t1Init.fire(now, a.rto) {
			a.lose(ErrHandshakeTimeout, false)

			return
		}
		a.log.Debugf("[%s] %s timed out: nRtos=%d", a.name, timerT1Init, a.t1Init.nRtos)
		a.sendInit()
	}
	if a.t1Cookie.expired(now) {
		if a.t1Cookie.fire(now, a.rto) {
			a.lose(ErrHandshakeTimeout, true)

			return
		}
		a.log.Debugf("[%s] %s timed out: nRtos=%d", a.name, timerT1Cookie, a.t1Cookie.nRtos)
		a.sendCookieEcho()
	}
	if a.t3RTX.expired(now) {
		if a.t3RTX.fire(now, a.rto) {
			a.lose(ErrRetransmissionLimit, true)

			return
		}
		a.log.Debugf("[%s] %s timed out: nRtos=%d inflight=%d", a.name, timerT3RTX, a.t3RTX.nRtos, len(a.inflightQueue))
		for _, c := range a.inflightQueue {
			if !c.acked {
				c.retransmit = true
			}
		}
	}
	if a.tReconfig.expired(now) {
		if a.tReconfig.fire(now, a.rto) {
			a.lose(ErrRetransmissionLimit, true)

			return
		}
		if a.ongoingReconfig != nil {
			a.controlQueue = append(a.controlQueue, a.createPacket([]chunk{a.ongoingReconfig}))
		}
	}
}

// HandleEvent processes a packet routed here by the endpoint.
func (a *Association) HandleEvent(ev AssociationEvent) {
	if a.state == aborted || ev.packet == nil {
		return
	}
	p := ev.packet
	if !a.acceptTag(p) {
		a.log.Warnf("[%s] discarding packet with verification tag %08x", a.name, p.verificationTag)

		return
	}
	a.stats.PacketsReceived++
	a.stats.BytesReceived += uint64(ev.size) //nolint:gosec // datagram size

	for _, c := range p.chunks {
		a.log.Tracef("[%s] <- %s", a.name, c.chunkType())
		a.handleChunk(ev.now, c)
		if a.state == aborted {
			return
		}
	}
}

// acceptTag applies the verification tag rules of RFC 4960 section 8.5.
func (a *Association) acceptTag(p *packet) bool {
	for _, c := range p.chunks {
		switch c := c.(type) {
		case *chunkInit:
			return p.verificationTag == 0
		case *chunkAbort:
			if c.reflected {
				return a.peerVerificationTag != 0 && p.verificationTag == a.peerVerificationTag
			}
		}
	}

	return p.verificationTag == a.myVerificationTag
}

func (a *Association) handleChunk(now time.Time, c chunk) {
	switch c := c.(type) {
	case *chunkInit:
		a.handleInit(now, c)
	case *chunkInitAck:
		a.handleInitAck(now, c)
	case *chunkCookieEcho:
		a.handleCookieEcho(c)
	case *chunkCookieAck:
		a.handleCookieAck()
	case *chunkAbort:
		a.log.Debugf("[%s] ABORT received", a.name)
		a.lose(ErrAborted, false)
	case *chunkHeartbeat:
		if a.peerVerificationTag != 0 {
			a.controlQueue = append(a.controlQueue, a.createPacket([]chunk{&chunkHeartbeatAck{info: c.info}}))
		}
	case *chunkHeartbeatAck:
	case *chunkPayloadData:
		a.handleData(c)
	case *chunkSelectiveAck:
		a.handleSack(now, c)
	case *chunkReconfig:
		a.handleReconfig(now, c)
	}
}

func (a *Association) negotiate(c *chunkInitCommon) {
	a.peerLastTSN = c.initialTSN - 1
	a.numOutboundStreams = min(a.cfg.NumStreams, c.numInboundStreams)
	a.numInboundStreams = min(a.cfg.NumStreams, c.numOutboundStreams)
	a.rwnd = c.advertisedReceiverWindowCredit
}

func (a *Association) handleInit(now time.Time, c *chunkInit) {
	if a.isClient || a.state != closed {
		a.log.Warnf("[%s] INIT ignored in state %s", a.name, a.state)

		return
	}
	if a.peerVerificationTag == 0 {
		a.peerVerificationTag = c.initiateTag
		a.negotiate(&c.chunkInitCommon)
		a.tCookie.start(now, a.cookieLifetime)
	} else if c.initiateTag != a.peerVerificationTag {
		a.log.Warnf("[%s] INIT from a different peer ignored", a.name)

		return
	}

	ack := &chunkInitAck{chunkInitCommon: chunkInitCommon{
		initiateTag:                    a.myVerificationTag,
		advertisedReceiverWindowCredit: a.myReceiverWindowCredit(),
		numOutboundStreams:             a.cfg.NumStreams,
		numInboundStreams:              a.cfg.NumStreams,
		initialTSN:                     a.myNextTSN,
		cookie:                         a.myCookie,
	}}
	a.controlQueue = append(a.controlQueue, a.createPacket([]chunk{ack}))
}

func (a *Association) handleInitAck(now time.Time, c *chunkInitAck) {
	if a.state != cookieWait {
		return
	}
	a.t1Init.stop()
	a.peerVerificationTag = c.initiateTag
	a.negotiate(&c.chunkInitCommon)
	a.peerCookie = c.cookie
	a.setState(cookieEchoed)
	a.sendCookieEcho()
	a.t1Cookie.start(now, a.rto.rto)
}

func (a *Association) handleCookieEcho(c *chunkCookieEcho) {
	if a.isClient || !bytes.Equal(c.cookie, a.myCookie) {
		a.log.Warnf("[%s] COOKIE-ECHO with unknown cookie ignored", a.name)

		return
	}
	switch a.state {
	case closed:
		a.tCookie.stop()
		a.setState(established)
		a.events = append(a.events, Connected{})
	case established:
	default:
		return
	}
	a.controlQueue = append(a.controlQueue, a.createPacket([]chunk{&chunkCookieAck{}}))
}

func (a *Association) handleCookieAck() {
	if a.state != cookieEchoed {
		return
	}
	a.t1Cookie.stop()
	a.setState(established)
	a.events = append(a.events, Connected{})
}

func (a *Association) sendInit() {
	init := &chunkInit{chunkInitCommon: chunkInitCommon{
		initiateTag:                    a.myVerificationTag,
		advertisedReceiverWindowCredit: a.myReceiverWindowCredit(),
		numOutboundStreams:             a.cfg.NumStreams,
		numInboundStreams:              a.cfg.NumStreams,
		initialTSN:                     a.myNextTSN,
	}}
	a.controlQueue = append(a.controlQueue, &packet{
		sourcePort:      a.sourcePort,
		destinationPort: a.destinationPort,
		chunks:          []chunk{init},
	})
}

func (a *Association) sendCookieEcho() {
	a.controlQueue = append(a.controlQueue, a.createPacket([]chunk{&chunkCookieEcho{cookie: a.peerCookie}}))
}

func (a *Association) createPacket(cs []chunk) *packet {
	return &packet{
		sourcePort:      a.sourcePort,
		destinationPort: a.destinationPort,
		verificationTag: a.peerVerificationTag,
		chunks:          cs,
	}
}

func (a *Association) myReceiverWindowCredit() uint32 {
	if a.rxBytes >= int(a.cfg.MaxReceiveBufferSize) {
		return 0
	}

	return a.cfg.MaxReceiveBufferSize - uint32(a.rxBytes) //nolint:gosec // bounded above
}

func (a *Association) handleData(c *chunkPayloadData) {
	if a.state != established {
		return
	}
	a.ackNeeded = true

	if sna32LTE(c.tsn, a.peerLastTSN) || a.payloadQueue[c.tsn] != nil {
		a.duplicates = append(a.duplicates, c.tsn)

		return
	}
	if a.rxBytes+len(c.userData) > int(a.cfg.MaxReceiveBufferSize) {
		a.log.Debugf("[%s] receive buffer full, dropping TSN %d", a.name, c.tsn)

		return
	}
	a.payloadQueue[c.tsn] = c
	a.rxBytes += len(c.userData)

	for {
		next, ok := a.payloadQueue[a.peerLastTSN+1]
		if !ok {
			break
		}
		delete(a.payloadQueue, a.peerLastTSN+1)
		a.peerLastTSN++
		a.deliver(next)
	}

	if req := a.ongoingResetRequest; req != nil && sna32LTE(req.senderLastTSN, a.peerLastTSN) {
		a.controlQueue = append(a.controlQueue, a.resetStreams())
	}
}

func (a *Association) deliver(c *chunkPayloadData) {
	s, ok := a.streams[c.streamIdentifier]
	if !ok {
		if c.streamIdentifier >= a.numInboundStreams {
			a.log.Warnf("[%s] DATA for stream %d beyond %d inbound streams", a.name, c.streamIdentifier, a.numInboundStreams)
			a.rxBytes -= len(c.userData)

			return
		}
		s = newStream(a, c.streamIdentifier, c.ppi)
		a.streams[c.streamIdentifier] = s
		a.events = append(a.events, StreamEvent{Kind: StreamOpened, ID: s.id})
	}
	if s.deliver(c) && !s.readableNotified {
		s.readableNotified = true
		a.events = append(a.events, StreamEvent{Kind: StreamReadable, ID: s.id})
	}
}

func (a *Association) createSack() *chunkSelectiveAck {
	sack := &chunkSelectiveAck{
		cumulativeTSNAck:               a.peerLastTSN,
		advertisedReceiverWindowCredit: a.myReceiverWindowCredit(),
		gapAckBlocks:                   a.gapAckBlocks(),
		duplicateTSN:                   a.duplicates,
	}
	a.duplicates = nil

	return sack
}

func (a *Association) gapAckBlocks() []gapAckBlock {
	if len(a.payloadQueue) == 0 {
		return nil
	}
	offsets := make([]uint32, 0, len(a.payloadQueue))
	for tsn := range a.payloadQueue {
		if off := tsn - a.peerLastTSN; off <= 0xffff {
			offsets = append(offsets, off)
		}
	}
	slices.Sort(offsets)

	var blocks []gapAckBlock
	for _, off := range offsets {
		o := uint16(off) //nolint:gosec // filtered above
		if n := len(blocks); n > 0 && blocks[n-1].end+1 == o {
			blocks[n-1].end = o
		} else {
			blocks = append(blocks, gapAckBlock{start: o, end: o})
		}
	}

	return blocks
}

func (a *Association) handleSack(now time.Time, c *chunkSelectiveAck) {
	if a.state != established {
		return
	}
	if sna32LT(c.cumulativeTSNAck, a.cumulativeTSNAckPoint) {
		a.log.Tracef("[%s] stale SACK %d < %d", a.name, c.cumulativeTSNAck, a.cumulativeTSNAckPoint)

		return
	}
	if !sna32LT(c.cumulativeTSNAck, a.myNextTSN) {
		a.log.Warnf("[%s] SACK for unsent TSN %d", a.name, c.cumulativeTSNAck)

		return
	}
	advanced := sna32LT(a.cumulativeTSNAckPoint, c.cumulativeTSNAck)

	kept := a.inflightQueue[:0]
	for _, d := range a.inflightQueue {
		if sna32LTE(d.tsn, c.cumulativeTSNAck) {
			a.onAcked(now, d)

			continue
		}
		off := d.tsn - c.cumulativeTSNAck
		for _, g := range c.gapAckBlocks {
			if off >= uint32(g.start) && off <= uint32(g.end) {
				a.onAcked(now, d)

				break
			}
		}
		kept = append(kept, d)
	}
	clear(a.inflightQueue[len(kept):])
	a.inflightQueue = kept
	a.cumulativeTSNAckPoint = c.cumulativeTSNAck

	outstanding := uint32(0)
	for _, d := range a.inflightQueue {
		if !d.acked {
			outstanding += uint32(len(d.userData)) //nolint:gosec // bounded by MTU
		}
	}
	if c.advertisedReceiverWindowCredit > outstanding {
		a.rwnd = c.advertisedReceiverWindowCredit - outstanding
	} else {
		a.rwnd = 0
	}

	switch {
	case outstanding == 0:
		a.t3RTX.stop()
	case advanced:
		a.t3RTX.start(now, a.rto.rto)
	}
}

func (a *Association) onAcked(now time.Time, d *chunkPayloadData) {
	if d.acked {
		return
	}
	d.acked = true
	d.retransmit = false
	if d.nSent == 1 {
		a.rto.setNewRTT(now.Sub(d.sentAt))
	}
	s, ok := a.streams[d.streamIdentifier]
	if !ok {
		return
	}
	s.buffered -= len(d.userData)
	if s.buffered == 0 {
		a.events = append(a.events, StreamEvent{Kind: StreamAvailable, ID: s.id})
	}
}

func (a *Association) enqueue(chunks []*chunkPayloadData) {
	for _, c := range chunks {
		c.tsn = a.generateNextTSN()
		a.pendingQueue = append(a.pendingQueue, c)
	}
}

func (a *Association) generateNextTSN() uint32 {
	tsn := a.myNextTSN
	a.myNextTSN++

	return tsn
}

func (a *Association) generateNextRSN() uint32 {
	rsn := a.myNextRSN
	a.myNextRSN++

	return rsn
}

func (a *Association) requestReset(id uint16) {
	if !slices.Contains(a.resetQueue, id) {
		a.resetQueue = append(a.resetQueue, id)
	}
}

func (a *Association) startReset(now time.Time) *packet {
	a.ongoingReconfig = &chunkReconfig{paramA: &paramOutgoingResetRequest{
		reconfigRequestSequenceNumber: a.generateNextRSN(),
		senderLastTSN:                 a.myNextTSN - 1,
		streamIdentifiers:             a.resetQueue,
	}}
	a.resetting = a.resetting[:0]
	for _, id := range a.resetQueue {
		if s, ok := a.streams[id]; ok {
			a.resetting = append(a.resetting, s)
		}
	}
	a.resetQueue = nil
	a.tReconfig.start(now, a.rto.rto)

	return a.createPacket([]chunk{a.ongoingReconfig})
}

func (a *Association) handleReconfig(now time.Time, c *chunkReconfig) {
	if a.state != established {
		return
	}
	for _, p := range []reconfigParam{c.paramA, c.paramB} {
		switch p := p.(type) {
		case *paramOutgoingResetRequest:
			a.handleResetRequest(p)
		case *paramReconfigResponse:
			a.handleReconfigResponse(now, p)
		}
	}
}

func (a *Association) handleResetRequest(p *paramOutgoingResetRequest) {
	if a.peerRSNSeen && p.reconfigRequestSequenceNumber == a.lastPeerRSN && a.ongoingResetRequest == nil {
		a.controlQueue = append(a.controlQueue, a.createPacket([]chunk{&chunkReconfig{
			paramA: &paramReconfigResponse{
				reconfigResponseSequenceNumber: p.reconfigRequestSequenceNumber,
				result:                         reconfigResultSuccessPerformed,
			},
		}}))

		return
	}
	a.lastPeerRSN = p.reconfigRequestSequenceNumber
	a.peerRSNSeen = true
	a.ongoingResetRequest = p
	a.controlQueue = append(a.controlQueue, a.resetStreams())
}

// resetStreams performs the pending inbound reset request once every TSN it
// covers has arrived, and builds the response.
func (a *Association) resetStreams() *packet {
	req := a.ongoingResetRequest
	result := reconfigResultInProgress
	if sna32LTE(req.senderLastTSN, a.peerLastTSN) {
		for _, id := range req.streamIdentifiers {
			s, ok := a.streams[id]
			if !ok {
				continue
			}
			s.peerFinished = true
			if s.readClosed || len(s.messages) == 0 {
				a.unregisterStream(s, StreamFinished)
			}
		}
		a.ongoingResetRequest = nil
		result = reconfigResultSuccessPerformed
	}

	return a.createPacket([]chunk{&chunkReconfig{
		paramA: &paramReconfigResponse{
			reconfigResponseSequenceNumber: req.reconfigRequestSequenceNumber,
			result:                         result,
		},
	}})
}

func (a *Association) handleReconfigResponse(now time.Time, p *paramReconfigResponse) {
	if a.ongoingReconfig == nil {
		return
	}
	req, ok := a.ongoingReconfig.paramA.(*paramOutgoingResetRequest)
	if !ok || req.reconfigRequestSequenceNumber != p.reconfigResponseSequenceNumber {
		return
	}

	switch p.result {
	case reconfigResultInProgress:
		a.tReconfig.start(now, a.rto.rto)

		return
	case reconfigResultSuccessPerformed:
	default:
		a.log.Warnf("[%s] stream reset %v refused: result=%d", a.name, req.streamIdentifiers, p.result)
	}
	a.ongoingReconfig = nil
	a.tReconfig.stop()
	for _, s := range a.resetting {
		if a.streams[s.id] == s {
			a.unregisterStream(s, StreamStopped)
		}
	}
	a.resetting = nil
}

func (a *Association) unregisterStream(s *Stream, kind StreamEventKind) {
	s.discard()
	delete(a.streams, s.id)
	a.resetQueue = slices.DeleteFunc(a.resetQueue, func(id uint16) bool { return id == s.id })
	a.events = append(a.events, StreamEvent{Kind: kind, ID: s.id})
}

// PollTransmit returns every packet that is ready to send, in one batch.
// Control packets go first, then retransmissions, then new DATA within the
// peer's receive window, then a pending stream reset request.
func (a *Association) PollTransmit(now time.Time) (Transmit, bool) {
	var raws [][]byte
	for _, p := range a.controlQueue {
		raws = a.appendPacket(raws, p)
	}
	a.controlQueue = nil

	if a.state == established {
		if a.ackNeeded {
			a.ackNeeded = false
			raws = a.appendPacket(raws, a.createPacket([]chunk{a.createSack()}))
		}
		chunks := a.popRetransmits(now)
		chunks = append(chunks, a.popPendingData(now)...)
		for _, p := range a.bundle(chunks) {
			raws = a.appendPacket(raws, p)
		}
		if a.ongoingReconfig == nil && len(a.resetQueue) > 0 {
			raws = a.appendPacket(raws, a.startReset(now))
		}
	}

	if len(raws) == 0 {
		return Transmit{}, false
	}

	return Transmit{Now: now, Payload: RawEncode(raws)}, true
}

func (a *Association) popRetransmits(now time.Time) []*chunkPayloadData {
	var out []*chunkPayloadData
	for _, c := range a.inflightQueue {
		if !c.retransmit {
			continue
		}
		c.retransmit = false
		c.nSent++
		c.sentAt = now
		a.stats.Retransmits++
		out = append(out, c)
	}

	return out
}

func (a *Association) popPendingData(now time.Time) []*chunkPayloadData {
	var out []*chunkPayloadData
	for len(a.pendingQueue) > 0 {
		c := a.pendingQueue[0]
		size := uint32(len(c.userData)) //nolint:gosec // bounded by MTU
		if len(a.inflightQueue) > 0 && size > a.rwnd {
			break
		}
		a.pendingQueue[0] = nil
		a.pendingQueue = a.pendingQueue[1:]
		if size > a.rwnd {
			a.rwnd = 0
		} else {
			a.rwnd -= size
		}
		c.nSent = 1
		c.sentAt = now
		a.inflightQueue = append(a.inflightQueue, c)
		out = append(out, c)
		if !a.t3RTX.running {
			a.t3RTX.start(now, a.rto.rto)
		}
	}

	return out
}

func (a *Association) bundle(chunks []*chunkPayloadData) []*packet {
	var packets []*packet
	var current []chunk
	size := commonHeaderSize
	for _, c := range chunks {
		n := c.wireSize()
		if len(current) > 0 && size+n > int(a.cfg.MTU) {
			packets = append(packets, a.createPacket(current))
			current = nil
			size = commonHeaderSize
		}
		current = append(current, c)
		size += n
		a.stats.DataChunksSent++
	}
	if len(current) > 0 {
		packets = append(packets, a.createPacket(current))
	}

	return packets
}

func (a *Association) appendPacket(raws [][]byte, p *packet) [][]byte {
	raw, err := p.marshal()
	if err != nil {
		a.log.Warnf("[%s] failed to serialize a packet: %v", a.name, err)

		return raws
	}
	for _, c := range p.chunks {
		a.log.Tracef("[%s] -> %s", a.name, c.chunkType())
	}
	a.stats.PacketsSent++
	a.stats.BytesSent += uint64(len(raw))

	return append(raws, raw)
}

// lose terminates the association, optionally telling the peer with ABORT.
func (a *Association) lose(reason error, sendAbort bool) {
	if a.state == aborted {
		return
	}
	if sendAbort && a.peerVerificationTag != 0 {
		a.controlQueue = append(a.controlQueue, a.createPacket([]chunk{&chunkAbort{}}))
	}
	a.log.Debugf("[%s] association lost: %v", a.name, reason)
	a.setState(aborted)
	for _, t := range a.timers() {
		t.stop()
	}
	a.pendingQueue = nil
	a.inflightQueue = nil
	a.ackNeeded = false
	a.events = append(a.events, AssociationLost{Reason: reason})
	a.endpointEvents = append(a.endpointEvents, EndpointEvent{drained: true})
}

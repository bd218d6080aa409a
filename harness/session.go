// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package harness

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/pion/logging"
	"github.com/pion/sctpadapter/adapter"
	"github.com/pion/sctpadapter/engine"
)

const (
	hostClient   = "client"
	hostServer   = "server"
	hostIntruder = "intruder"

	// sendWindow caps messages in flight so latency reflects the network,
	// not a sender-side queue.
	sendWindow = 32

	payloadHeaderSize = 16
	ppiBinary         = 53
)

// session runs one case: a client and a server, plus an intruder that tries
// to associate with the server once the pair is up.
type session struct {
	def     caseDefinition
	nw      network
	rng     *rand.Rand
	payload []byte

	client   *host
	server   *host
	intruder *host

	clientUp, serverUp bool
	streamsOpen        bool
	sent               int
	nextSeq            []uint32
	expectSeq          map[uint16]uint32
	delivered          int
	echoed             int
	bytesDelivered     uint64
	latencies          []time.Duration

	closing      bool
	clientClosed map[uint16]bool
	serverClosed map[uint16]bool

	intruderStarted bool
	intruderLost    error
}

func newSession(def caseDefinition, nw network, seed int64, lf logging.LoggerFactory) *session {
	s := &session{
		def:          def,
		nw:           nw,
		rng:          newRand(seed, 0),
		nextSeq:      make([]uint32, def.Streams),
		expectSeq:    map[uint16]uint32{},
		clientClosed: map[uint16]bool{},
		serverClosed: map[uint16]bool{},
	}
	s.payload = make([]byte, max(def.PayloadSize, payloadHeaderSize))
	for i := range s.payload {
		s.payload[i] = byte(s.rng.IntN(256))
	}

	hostConfig := func(stream uint64) adapter.Config {
		return adapter.Config{
			LoggerFactory: lf,
			Endpoint:      engine.EndpointConfig{Rand: newRand(seed, stream)},
		}
	}
	s.client = newHost(hostClient, nw, hostConfig(1), s.onClientEvent)
	s.server = newHost(hostServer, nw, hostConfig(2), s.onServerEvent)
	nw.Activate(hostClient)
	nw.Activate(hostServer)
	if def.Intruder {
		s.intruder = newHost(hostIntruder, nw, hostConfig(3), s.onIntruderEvent)
	}

	return s
}

func (s *session) hosts() []*host {
	if s.intruderStarted {
		return []*host{s.client, s.server, s.intruder}
	}

	return []*host{s.client, s.server}
}

func (s *session) run(ctx context.Context) error {
	defer func() {
		for _, h := range s.hosts() {
			h.snapshot()
		}
	}()
	if err := s.client.a.Connect(); err != nil {
		return fmt.Errorf("%s: connect: %w", hostClient, err)
	}

	for !s.done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		progress := false
		for _, h := range s.hosts() {
			moved, err := h.step()
			if err != nil {
				return err
			}
			progress = progress || moved
		}
		moved, err := s.drive()
		if err != nil {
			return err
		}
		if progress || moved {
			s.nw.Busy()

			continue
		}
		if err := s.nw.Idle(s.nextDeadline()); err != nil {
			return fmt.Errorf("%w: %s", err, s.progressLabel())
		}
	}
	if !s.def.Intruder && s.server.rejected > 0 {
		return fmt.Errorf("%w: %d refused", errUnexpectedRejected, s.server.rejected)
	}

	return nil
}

func (s *session) nextDeadline() time.Time {
	var next time.Time
	for _, h := range s.hosts() {
		if !h.deadline.IsZero() && (next.IsZero() || h.deadline.Before(next)) {
			next = h.deadline
		}
	}

	return next
}

// drive issues the client-side calls the case needs at this point and
// reports whether it did anything.
func (s *session) drive() (bool, error) {
	if !s.clientUp || !s.serverUp {
		return false, nil
	}
	moved := false

	if !s.streamsOpen {
		for id := range s.def.Streams {
			if err := s.client.a.OpenStream(uint16(id)); err != nil { //nolint:gosec
				return true, fmt.Errorf("%s: open stream %d: %w", hostClient, id, err)
			}
		}
		s.streamsOpen = true
		moved = true
	}

	if s.def.Intruder && !s.intruderStarted {
		s.nw.Activate(hostIntruder)
		s.intruderStarted = true
		if err := s.intruder.a.Connect(); err != nil {
			return true, fmt.Errorf("%s: connect: %w", hostIntruder, err)
		}
		moved = true
	}

	for s.sent < s.def.Messages && s.sent-s.acknowledged() < sendWindow {
		if err := s.sendNext(); err != nil {
			return true, err
		}
		moved = true
	}

	if s.def.CloseStreams && !s.closing && s.trafficDone() {
		for id := range s.def.Streams {
			if err := s.client.a.CloseStream(uint16(id)); err != nil { //nolint:gosec
				return true, fmt.Errorf("%s: close stream %d: %w", hostClient, id, err)
			}
		}
		s.closing = true
		moved = true
	}

	return moved, nil
}

func (s *session) acknowledged() int {
	if s.def.Echo {
		return s.echoed
	}

	return s.delivered
}

func (s *session) sendNext() error {
	id := uint16(s.sent % s.def.Streams) //nolint:gosec
	msg := make([]byte, len(s.payload))
	copy(msg, s.payload)
	binary.BigEndian.PutUint64(msg[0:8], uint64(s.nw.Now().UnixNano())) //nolint:gosec
	binary.BigEndian.PutUint32(msg[8:12], s.nextSeq[id])
	binary.BigEndian.PutUint16(msg[12:14], id)
	if err := s.client.a.Send(id, ppiBinary, msg); err != nil {
		return fmt.Errorf("%s: send on %d: %w", hostClient, id, err)
	}
	s.nextSeq[id]++
	s.sent++

	return nil
}

func (s *session) trafficDone() bool {
	if s.delivered < s.def.Messages {
		return false
	}

	return !s.def.Echo || s.echoed >= s.def.Messages
}

func (s *session) done() bool {
	if !s.clientUp || !s.serverUp || !s.trafficDone() {
		return false
	}
	if s.def.CloseStreams {
		if !s.closing {
			return false
		}
		for id := range s.def.Streams {
			if !s.clientClosed[uint16(id)] || !s.serverClosed[uint16(id)] { //nolint:gosec
				return false
			}
		}
	}
	if s.def.Intruder && (s.intruderLost == nil || s.server.rejected == 0) {
		return false
	}

	return true
}

func (s *session) progressLabel() string {
	return fmt.Sprintf("client_up=%t server_up=%t sent=%d delivered=%d echoed=%d closing=%t rejected=%d",
		s.clientUp, s.serverUp, s.sent, s.delivered, s.echoed, s.closing, s.server.rejected)
}

func (s *session) onClientEvent(_ *host, ev adapter.Event) error {
	switch ev := ev.(type) {
	case adapter.Connected:
		s.clientUp = true
	case adapter.Disconnected:
		return fmt.Errorf("%w: %s: %w", errAssociationLost, hostClient, ev.Reason)
	case adapter.StreamOpened:
	case adapter.StreamClosed:
		s.clientClosed[ev.ID] = true
	case adapter.Data:
		if !s.def.Echo {
			return fmt.Errorf("%w: %s got data on %d", errUnexpectedEvent, hostClient, ev.ID)
		}
		sentAt, _, _, err := parsePayload(ev.Payload)
		if err != nil {
			return err
		}
		s.latencies = append(s.latencies, s.nw.Now().Sub(sentAt))
		s.echoed++
	}

	return nil
}

func (s *session) onServerEvent(h *host, ev adapter.Event) error {
	switch ev := ev.(type) {
	case adapter.Connected:
		s.serverUp = true
	case adapter.Disconnected:
		return fmt.Errorf("%w: %s: %w", errAssociationLost, hostServer, ev.Reason)
	case adapter.StreamOpened:
	case adapter.StreamClosed:
		s.serverClosed[ev.ID] = true
	case adapter.Data:
		sentAt, seq, id, err := parsePayload(ev.Payload)
		if err != nil {
			return err
		}
		if id != ev.ID || seq != s.expectSeq[id] {
			return fmt.Errorf("%w: stream %d seq %d, want stream %d seq %d",
				errOutOfOrder, ev.ID, seq, id, s.expectSeq[id])
		}
		s.expectSeq[id]++
		s.delivered++
		s.bytesDelivered += uint64(len(ev.Payload))
		if s.def.Echo {
			if err := h.a.Send(ev.ID, ev.PPI, ev.Payload); err != nil {
				return fmt.Errorf("%s: echo on %d: %w", hostServer, ev.ID, err)
			}

			return nil
		}
		s.latencies = append(s.latencies, s.nw.Now().Sub(sentAt))
	}

	return nil
}

func (s *session) onIntruderEvent(_ *host, ev adapter.Event) error {
	switch ev := ev.(type) {
	case adapter.Disconnected:
		s.intruderLost = ev.Reason
	case adapter.Connected:
		return fmt.Errorf("%w: %s associated", errUnexpectedEvent, hostIntruder)
	}

	return nil
}

func parsePayload(p []byte) (time.Time, uint32, uint16, error) {
	if len(p) < payloadHeaderSize {
		return time.Time{}, 0, 0, fmt.Errorf("%w: %d bytes", errShortPayload, len(p))
	}
	sentAt := time.Unix(0, int64(binary.BigEndian.Uint64(p[0:8]))) //nolint:gosec

	return sentAt, binary.BigEndian.Uint32(p[8:12]), binary.BigEndian.Uint16(p[12:14]), nil
}

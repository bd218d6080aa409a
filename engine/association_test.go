// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package engine

import (
	"bytes"
	"math/rand/v2"
	"testing"
	"time"

	"code.hybscloud.com/iox"
	"github.com/stretchr/testify/require"
)

type testPeer struct {
	ep *Endpoint
	h  AssociationHandle
	a  *Association
}

func newTestPair(t *testing.T, now time.Time, server *ServerConfig) (*testPeer, *testPeer) {
	t.Helper()

	client := &testPeer{ep: NewEndpoint(EndpointConfig{Rand: rand.New(rand.NewPCG(1, 1))}, nil)} //nolint:gosec
	srv := &testPeer{ep: NewEndpoint(EndpointConfig{Rand: rand.New(rand.NewPCG(2, 2))}, server)} //nolint:gosec

	h, a, err := client.ep.Connect(ClientConfig{}, now)
	require.NoError(t, err)
	client.h, client.a = h, a

	return client, srv
}

func (p *testPeer) drain(now time.Time) [][]byte {
	var out [][]byte
	for {
		tr, ok := p.ep.PollTransmit()
		if !ok {
			break
		}
		out = append(out, tr.Payload.(RawEncode)...)
	}
	if p.a == nil {
		return out
	}
	for {
		tr, ok := p.a.PollTransmit(now)
		if !ok {
			break
		}
		out = append(out, tr.Payload.(RawEncode)...)
	}
	for {
		ev, ok := p.a.PollEndpointEvent()
		if !ok {
			break
		}
		p.ep.HandleEvent(p.h, ev)
	}

	return out
}

func (p *testPeer) receive(now time.Time, datagrams [][]byte) {
	for _, d := range datagrams {
		h, ev, ok := p.ep.Handle(now, d)
		if !ok {
			continue
		}
		switch ev := ev.(type) {
		case NewAssociation:
			p.h, p.a = h, ev.Association
		case AssociationEvent:
			if h == p.h {
				p.a.HandleEvent(ev)
			}
		}
	}
}

func (p *testPeer) events() []Event {
	var out []Event
	for {
		ev, ok := p.a.Poll()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func exchange(now time.Time, a, b *testPeer) {
	for range 64 {
		fromA := a.drain(now)
		fromB := b.drain(now)
		if len(fromA) == 0 && len(fromB) == 0 {
			return
		}
		b.receive(now, fromA)
		a.receive(now, fromB)
	}
}

func connectedPair(t *testing.T, now time.Time) (*testPeer, *testPeer) {
	t.Helper()

	client, server := newTestPair(t, now, &ServerConfig{})
	exchange(now, client, server)
	require.Equal(t, []Event{Connected{}}, client.events())
	require.Equal(t, []Event{Connected{}}, server.events())

	return client, server
}

func TestAssociationHandshake(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	client, server := newTestPair(t, now, &ServerConfig{})
	require.True(t, client.a.IsHandshaking())

	exchange(now, client, server)

	require.NotNil(t, server.a)
	require.False(t, client.a.IsHandshaking())
	require.False(t, server.a.IsHandshaking())
	require.Equal(t, []Event{Connected{}}, client.events())
	require.Equal(t, []Event{Connected{}}, server.events())

	_, ok := client.a.PollTimeout()
	require.False(t, ok, "no timer should run on an idle association")
}

func TestAssociationDataTransfer(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	client, server := connectedPair(t, now)

	s, err := client.a.OpenStream(1, 51)
	require.NoError(t, err)
	require.Equal(t, []Event{StreamEvent{Kind: StreamWritable, ID: 1}}, client.events())

	msg := bytes.Repeat([]byte{0xab}, 3000)
	n, err := s.WriteSCTP(msg, 53)
	require.NoError(t, err)
	require.Equal(t, 3000, n)

	exchange(now, client, server)

	require.Equal(t, []Event{
		StreamEvent{Kind: StreamOpened, ID: 1},
		StreamEvent{Kind: StreamReadable, ID: 1},
	}, server.events())
	require.Equal(t, []Event{StreamEvent{Kind: StreamAvailable, ID: 1}}, client.events())

	rs, err := server.a.Stream(1)
	require.NoError(t, err)
	got, err := rs.Read()
	require.NoError(t, err)
	require.Equal(t, PayloadProtocolIdentifier(53), got.PPI)
	buf := make([]byte, got.Len())
	_, err = got.Read(buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf)

	_, err = got.Read(make([]byte, 10))
	require.ErrorIs(t, err, ErrShortBuffer)

	_, err = rs.Read()
	require.True(t, iox.IsWouldBlock(err))

	require.Equal(t, uint64(3), client.a.Stats().DataChunksSent)
	_, ok := client.a.PollTimeout()
	require.False(t, ok, "T3-rtx must stop once everything is acknowledged")
}

func TestAssociationStreamReset(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	client, server := connectedPair(t, now)

	s, err := client.a.OpenStream(2, 0)
	require.NoError(t, err)
	_, err = s.WriteSCTP([]byte("bye"), 51)
	require.NoError(t, err)
	require.NoError(t, s.Finish())
	require.NoError(t, s.Stop())
	require.ErrorIs(t, s.Finish(), ErrStreamClosed)
	require.ErrorIs(t, s.Stop(), ErrStreamClosed)
	_, err = s.WriteSCTP([]byte("late"), 51)
	require.ErrorIs(t, err, ErrStreamClosed)

	exchange(now, client, server)

	require.Equal(t, []Event{
		StreamEvent{Kind: StreamOpened, ID: 2},
		StreamEvent{Kind: StreamReadable, ID: 2},
	}, server.events())

	rs, err := server.a.Stream(2)
	require.NoError(t, err)
	got, err := rs.Read()
	require.NoError(t, err)
	require.Equal(t, 3, got.Len())
	require.Equal(t, []Event{StreamEvent{Kind: StreamFinished, ID: 2}}, server.events())
	_, err = server.a.Stream(2)
	require.ErrorIs(t, err, ErrStreamNotFound)

	require.Contains(t, client.events(), Event(StreamEvent{Kind: StreamStopped, ID: 2}))
	_, err = client.a.Stream(2)
	require.ErrorIs(t, err, ErrStreamNotFound)

	_, err = client.a.OpenStream(2, 0)
	require.NoError(t, err)
}

func TestAssociationResetResponseSparesReopenedStream(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	client, server := connectedPair(t, now)

	cs, err := client.a.OpenStream(2, 0)
	require.NoError(t, err)
	_, err = cs.WriteSCTP([]byte("a"), 51)
	require.NoError(t, err)
	exchange(now, client, server)
	client.events()
	server.events()

	ss, err := server.a.Stream(2)
	require.NoError(t, err)
	_, err = ss.Read()
	require.NoError(t, err)

	// Both sides reset stream 2 at once.
	require.NoError(t, ss.Finish())
	require.NoError(t, ss.Stop())
	require.NoError(t, cs.Finish())
	fromClient := client.drain(now)
	fromServer := server.drain(now)

	// The server's request retires the client stream while the client's own
	// request is still unanswered.
	client.receive(now, fromServer)
	require.Equal(t, []Event{StreamEvent{Kind: StreamFinished, ID: 2}}, client.events())
	reopened, err := client.a.OpenStream(2, 0)
	require.NoError(t, err)

	server.receive(now, fromClient)
	exchange(now, client, server)

	got, err := client.a.Stream(2)
	require.NoError(t, err)
	require.Same(t, reopened, got)
	require.Equal(t, []Event{StreamEvent{Kind: StreamWritable, ID: 2}}, client.events())

	_, err = reopened.WriteSCTP([]byte("b"), 51)
	require.NoError(t, err)
	exchange(now, client, server)
	require.Contains(t, server.events(), Event(StreamEvent{Kind: StreamReadable, ID: 2}))
}

func TestAssociationDropsQueuedResetOfRetiredStream(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	client, server := connectedPair(t, now)

	cs, err := client.a.OpenStream(2, 0)
	require.NoError(t, err)
	_, err = cs.WriteSCTP([]byte("a"), 51)
	require.NoError(t, err)
	require.NoError(t, cs.Finish())
	exchange(now, client, server)
	server.events()

	// The peer already reset the stream, so stopping it retires it at once
	// and the reset queued by Finish must not reach the reopened stream.
	ss, err := server.a.Stream(2)
	require.NoError(t, err)
	require.NoError(t, ss.Finish())
	require.NoError(t, ss.Stop())
	reopened, err := server.a.OpenStream(2, 0)
	require.NoError(t, err)
	require.Empty(t, server.a.resetQueue)

	exchange(now, client, server)
	got, err := server.a.Stream(2)
	require.NoError(t, err)
	require.Same(t, reopened, got)
	require.NotContains(t, server.events(), Event(StreamEvent{Kind: StreamStopped, ID: 2}))
}

func TestAssociationOpenStreamErrors(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	client, server := newTestPair(t, now, &ServerConfig{Transport: TransportConfig{NumStreams: 4}})

	_, err := client.a.OpenStream(1, 0)
	require.ErrorIs(t, err, ErrNotEstablished)

	exchange(now, client, server)

	_, err = client.a.OpenStream(1, 0)
	require.NoError(t, err)
	_, err = client.a.OpenStream(1, 0)
	require.ErrorIs(t, err, ErrStreamAlreadyExists)
	_, err = client.a.OpenStream(4, 0)
	require.ErrorIs(t, err, ErrStreamLimit)
	_, err = client.a.Stream(3)
	require.ErrorIs(t, err, ErrStreamNotFound)

	s, err := client.a.Stream(1)
	require.NoError(t, err)
	_, err = s.Write(nil)
	require.ErrorIs(t, err, ErrEmptyPayload)
	_, err = s.Write(make([]byte, defaultMaxMessageSize+1))
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestAssociationHandshakeTimeout(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	client, _ := newTestPair(t, now, nil)

	inits := len(client.drain(now))
	for i := 0; i < 20 && !client.a.IsClosed(); i++ {
		deadline, ok := client.a.PollTimeout()
		require.True(t, ok)
		require.True(t, deadline.After(now))
		now = deadline
		client.a.HandleTimeout(now)
		inits += len(client.drain(now))
	}

	require.True(t, client.a.IsClosed())
	require.Equal(t, 1+defaultMaxInitRetransmits, inits)
	require.Equal(t, []Event{AssociationLost{Reason: ErrHandshakeTimeout}}, client.events())
	require.Zero(t, client.ep.NumAssociations())
}

func TestAssociationRetransmission(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	client, server := connectedPair(t, now)

	s, err := client.a.OpenStream(0, 0)
	require.NoError(t, err)
	_, err = s.WriteSCTP([]byte("lost once"), 51)
	require.NoError(t, err)
	require.NotEmpty(t, client.drain(now), "first transmission is dropped")

	deadline, ok := client.a.PollTimeout()
	require.True(t, ok)
	client.a.HandleTimeout(deadline)
	exchange(deadline, client, server)

	require.Equal(t, uint64(1), client.a.Stats().Retransmits)
	rs, err := server.a.Stream(0)
	require.NoError(t, err)
	got, err := rs.Read()
	require.NoError(t, err)
	require.Equal(t, 9, got.Len())
}

func TestAssociationCloseAbortsPeer(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	client, server := connectedPair(t, now)

	client.a.Close()
	exchange(now, client, server)

	require.Equal(t, []Event{AssociationLost{Reason: ErrClosed}}, client.events())
	require.Equal(t, []Event{AssociationLost{Reason: ErrAborted}}, server.events())
	require.Zero(t, client.ep.NumAssociations())
	require.Zero(t, server.ep.NumAssociations())
}

func TestEndpointRefusesInitWithoutServer(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	client, server := newTestPair(t, now, nil)
	exchange(now, client, server)

	require.Nil(t, server.a)
	require.Equal(t, []Event{AssociationLost{Reason: ErrAborted}}, client.events())
}

func TestEndpointReject(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	client, server := newTestPair(t, now, &ServerConfig{})
	server.receive(now, client.drain(now))
	require.NotNil(t, server.a)
	require.Equal(t, 1, server.ep.NumAssociations())

	server.ep.Reject(now, server.h)
	require.Zero(t, server.ep.NumAssociations())
	require.True(t, server.a.IsClosed())

	tr, ok := server.ep.PollTransmit()
	require.True(t, ok)
	client.receive(now, tr.Payload.(RawEncode))
	require.Equal(t, []Event{AssociationLost{Reason: ErrAborted}}, client.events())
}

func TestEndpointRoutesRetransmittedInit(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	client, server := newTestPair(t, now, &ServerConfig{})
	init := client.drain(now)
	require.Len(t, init, 1)

	h1, ev, ok := server.ep.Handle(now, init[0])
	require.True(t, ok)
	require.IsType(t, NewAssociation{}, ev)

	h2, ev, ok := server.ep.Handle(now, init[0])
	require.True(t, ok)
	require.Equal(t, h1, h2)
	require.IsType(t, AssociationEvent{}, ev)
}

func TestEndpointAssociationLimit(t *testing.T) {
	t.Parallel()

	ep := NewEndpoint(EndpointConfig{MaxAssociations: -1}, nil)
	_, _, err := ep.Connect(ClientConfig{}, time.Now())
	require.ErrorIs(t, err, ErrAssociationLimit)

	ep = NewEndpoint(EndpointConfig{MaxAssociations: 1}, nil)
	_, _, err = ep.Connect(ClientConfig{}, time.Now())
	require.NoError(t, err)
	_, _, err = ep.Connect(ClientConfig{}, time.Now())
	require.ErrorIs(t, err, ErrAssociationLimit)
}

func TestEndpointDropsGarbage(t *testing.T) {
	t.Parallel()

	ep := NewEndpoint(EndpointConfig{}, &ServerConfig{})
	_, _, ok := ep.Handle(time.Now(), []byte("definitely not sctp"))
	require.False(t, ok)
	_, ok = ep.PollTransmit()
	require.False(t, ok)
}

func TestRTOManager(t *testing.T) {
	t.Parallel()

	m := newRTOManager(TransportConfig{}.withDefaults())
	require.Equal(t, defaultRTOInitial, m.rto)

	m.setNewRTT(100 * time.Millisecond)
	require.Equal(t, defaultRTOMin, m.rto, "RTO is clamped to the minimum")

	m.setNewRTT(10 * time.Second)
	require.Greater(t, m.rto, 10*time.Second)

	require.Equal(t, defaultRTOMax, m.backoff(10))
}

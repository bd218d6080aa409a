// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package adapter

import (
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/pion/sctpadapter/engine"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type testHost struct {
	t        *testing.T
	a        *Adapter
	events   []Event
	timeouts []Timeout
}

func newTestHost(t *testing.T, clk *fakeClock, seed uint64) *testHost {
	t.Helper()

	return &testHost{t: t, a: New(Config{
		Clock:    clk.Now,
		Endpoint: engine.EndpointConfig{Rand: rand.New(rand.NewPCG(seed, seed))}, //nolint:gosec
	})}
}

// drain polls until None and returns the datagrams to send.
func (h *testHost) drain() [][]byte {
	var out [][]byte
	for {
		switch ev := h.a.Poll().(type) {
		case None:
			return out
		case Transmit:
			out = append(out, ev.Datagrams...)
		case Timeout:
			h.timeouts = append(h.timeouts, ev)
		default:
			h.events = append(h.events, ev)
		}
	}
}

func (h *testHost) feed(datagrams [][]byte) {
	for _, d := range datagrams {
		require.NoError(h.t, h.a.HandleData(d))
	}
}

func (h *testHost) takeEvents() []Event {
	out := h.events
	h.events = nil

	return out
}

func pump(x, y *testHost) {
	for range 64 {
		fromX := x.drain()
		fromY := y.drain()
		if len(fromX) == 0 && len(fromY) == 0 {
			return
		}
		y.feed(fromX)
		x.feed(fromY)
	}
}

func connectedHosts(t *testing.T, clk *fakeClock) (*testHost, *testHost) {
	t.Helper()

	client := newTestHost(t, clk, 1)
	server := newTestHost(t, clk, 2)
	require.NoError(t, client.a.Connect())
	pump(client, server)
	require.Equal(t, []Event{Connected{}}, client.takeEvents())
	require.Equal(t, []Event{Connected{}}, server.takeEvents())

	return client, server
}

func TestPollIdle(t *testing.T) {
	t.Parallel()

	a := New(Config{})
	require.Equal(t, NoAssociation, a.State())
	require.Equal(t, None{}, a.Poll())
	require.Equal(t, None{}, a.Poll())
	require.ErrorIs(t, a.HandleTimeout(), ErrNotConnected)
	require.Equal(t, None{}, a.Poll())
}

func TestPollOrderContract(t *testing.T) {
	t.Parallel()

	require.Equal(t, []Stage{
		StageEndpointTransmit,
		StageAssociationTransmit,
		StageAssociationEvent,
		StageStreamData,
		StageTimeout,
	}, PollOrder())

	order := PollOrder()
	order[0] = StageTimeout
	require.Equal(t, StageEndpointTransmit, PollOrder()[0], "PollOrder returns a copy")
}

func TestConnectTransmitsBeforeConnected(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	a := newTestHost(t, clk, 1)
	require.NoError(t, a.a.Connect())
	require.Equal(t, Connecting, a.a.State())
	require.ErrorIs(t, a.a.Connect(), ErrAlreadyConnected)

	first := a.a.Poll()
	tr, ok := first.(Transmit)
	require.True(t, ok, "first event is the INIT, got %T", first)
	require.Len(t, tr.Datagrams, 1)

	require.Equal(t, Timeout{After: 3 * time.Second, Armed: true}, a.a.Poll())
	require.Equal(t, None{}, a.a.Poll())
	require.Equal(t, None{}, a.a.Poll())
}

func TestHandshake(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	client, server := connectedHosts(t, clk)
	require.Equal(t, Established, client.a.State())
	require.Equal(t, Established, server.a.State())

	stats := client.a.Stats()
	require.Equal(t, uint64(1), stats.Events[KindConnected])
	require.NotZero(t, stats.DatagramsOut)
	require.NotZero(t, stats.DatagramsIn)
	require.NotZero(t, stats.Association.PacketsSent)
}

func TestOpenStream(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	client := newTestHost(t, clk, 1)
	server := newTestHost(t, clk, 2)
	require.ErrorIs(t, client.a.OpenStream(1), ErrNotConnected)

	require.NoError(t, client.a.Connect())
	require.ErrorIs(t, client.a.OpenStream(1), ErrNotConnected, "handshake still running")
	pump(client, server)

	require.NoError(t, client.a.OpenStream(1))
	require.Equal(t, []uint16{1}, client.a.Streams())

	err := client.a.OpenStream(1)
	require.ErrorIs(t, err, ErrAlreadyExists)
	require.Equal(t, []uint16{1}, client.a.Streams())

	err = client.a.OpenStream(0xffff)
	require.ErrorIs(t, err, ErrUnableToCreate)
	require.ErrorIs(t, err, engine.ErrStreamLimit)

	client.drain()
	require.Contains(t, client.takeEvents(), Event(StreamOpened{ID: 1}))
	require.Equal(t, []uint16{1}, client.a.Streams())
}

func TestSendDeliversOnce(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	require.ErrorIs(t, New(Config{}).Send(1, 51, []byte("x")), ErrNotConnected)

	client, server := connectedHosts(t, clk)
	require.ErrorIs(t, client.a.Send(1, 51, []byte("hello")), ErrInvalidID)

	require.NoError(t, client.a.OpenStream(1))
	require.ErrorIs(t, client.a.Send(1, 51, nil), ErrUnableToSend)
	require.NoError(t, client.a.Send(1, 51, []byte("hello")))
	pump(client, server)

	events := server.takeEvents()
	require.Equal(t, []Event{
		StreamOpened{ID: 1},
		Data{ID: 1, PPI: 51, Payload: []byte("hello")},
	}, events)
	require.Equal(t, []uint16{1}, server.a.Streams())

	pump(client, server)
	require.Empty(t, server.takeEvents())
}

func TestDataScannedInRegistrationOrder(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	client, server := connectedHosts(t, clk)

	require.NoError(t, client.a.OpenStream(7))
	require.NoError(t, client.a.OpenStream(3))
	require.NoError(t, client.a.Send(7, 51, []byte("seven")))
	require.NoError(t, client.a.Send(3, 51, []byte("three")))
	require.NoError(t, client.a.Send(7, 51, []byte("seven again")))
	pump(client, server)

	require.Equal(t, []Event{
		StreamOpened{ID: 7},
		StreamOpened{ID: 3},
		Data{ID: 7, PPI: 51, Payload: []byte("seven")},
		Data{ID: 7, PPI: 51, Payload: []byte("seven again")},
		Data{ID: 3, PPI: 51, Payload: []byte("three")},
	}, server.takeEvents())
}

func TestCloseStream(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	require.ErrorIs(t, New(Config{}).CloseStream(1), ErrNotConnected)

	client, server := connectedHosts(t, clk)
	require.ErrorIs(t, client.a.CloseStream(1), ErrInvalidID)

	require.NoError(t, client.a.OpenStream(1))
	require.NoError(t, client.a.CloseStream(1))
	require.Empty(t, client.a.Streams())
	require.ErrorIs(t, client.a.CloseStream(1), ErrInvalidID)

	err := client.a.OpenStream(1)
	require.ErrorIs(t, err, ErrAlreadyExists, "reset still in flight")
	require.Empty(t, client.a.Streams())

	pump(client, server)
	require.Equal(t, []Event{StreamOpened{ID: 1}, StreamClosed{ID: 1}}, client.takeEvents())

	require.NoError(t, client.a.OpenStream(1))
	require.Equal(t, []uint16{1}, client.a.Streams())
}

func TestCloseStreamPropagatesToPeer(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	client, server := connectedHosts(t, clk)

	require.NoError(t, client.a.OpenStream(2))
	require.NoError(t, client.a.Send(2, 51, []byte("last words")))
	require.NoError(t, client.a.CloseStream(2))
	pump(client, server)

	require.Equal(t, []Event{
		StreamOpened{ID: 2},
		Data{ID: 2, PPI: 51, Payload: []byte("last words")},
		StreamClosed{ID: 2},
	}, server.takeEvents())
	require.Empty(t, server.a.Streams())
}

func TestCloseStreamKeepsBookkeepingOnEngineFailure(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	client, server := connectedHosts(t, clk)

	require.NoError(t, client.a.OpenStream(2))
	require.NoError(t, client.a.Send(2, 51, []byte("x")))
	pump(client, server)
	require.Equal(t, []uint16{2}, server.a.Streams())
	server.takeEvents()

	// The peer's reset reaches the server engine, but the server host has
	// not polled the resulting StreamClosed yet.
	require.NoError(t, client.a.CloseStream(2))
	server.feed(client.drain())

	err := server.a.CloseStream(2)
	require.ErrorIs(t, err, ErrUnableToStop)
	require.ErrorIs(t, err, engine.ErrStreamNotFound)
	require.Empty(t, server.a.Streams())

	server.drain()
	require.Equal(t, []Event{StreamClosed{ID: 2}}, server.takeEvents())
}

func TestReopenStreamAfterPeerReset(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	client, server := connectedHosts(t, clk)

	require.NoError(t, client.a.OpenStream(2))
	require.NoError(t, client.a.Send(2, 51, []byte("b")))
	require.NoError(t, client.a.CloseStream(2))
	server.feed(client.drain())

	// Stop at StreamOpened, before the buffered message is read.
	var held [][]byte
	for {
		ev := server.a.Poll()
		if tr, ok := ev.(Transmit); ok {
			held = append(held, tr.Datagrams...)

			continue
		}
		require.Equal(t, StreamOpened{ID: 2}, ev)

		break
	}

	require.NoError(t, server.a.CloseStream(2))
	require.NoError(t, server.a.OpenStream(2))
	client.feed(held)
	pump(client, server)

	require.Equal(t, []Event{StreamClosed{ID: 2}, StreamOpened{ID: 2}}, server.takeEvents())
	require.Equal(t, []uint16{2}, server.a.Streams())

	client.takeEvents()
	require.NoError(t, server.a.Send(2, 51, []byte("again")))
	pump(client, server)
	require.Contains(t, client.takeEvents(), Event(Data{ID: 2, PPI: 51, Payload: []byte("again")}))
	require.Equal(t, []uint16{2}, server.a.Streams())
}

func TestTimeoutReportedOnlyOnChange(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	h := newTestHost(t, clk, 1)
	require.NoError(t, h.a.Connect())

	h.drain()
	require.Equal(t, []Timeout{{After: 3 * time.Second, Armed: true}}, h.timeouts)
	h.drain()
	require.Len(t, h.timeouts, 1, "unchanged deadline must not be reported again")

	require.NoError(t, h.a.HandleTimeout())
	require.Empty(t, h.drain(), "timeout before the deadline is a no-op")
	require.Len(t, h.timeouts, 1)

	clk.Advance(3 * time.Second)
	require.NoError(t, h.a.HandleTimeout())
	require.Len(t, h.drain(), 1, "INIT is retransmitted")
	require.Equal(t, Timeout{After: 6 * time.Second, Armed: true}, h.timeouts[1])
	require.Equal(t, int64(6000), h.timeouts[1].Milliseconds())
}

func TestTimeoutMillisecondsRoundsUp(t *testing.T) {
	t.Parallel()

	tests := map[time.Duration]int64{
		0:                                    0,
		time.Microsecond:                     1,
		time.Millisecond:                     1,
		2*time.Millisecond + time.Nanosecond: 3,
		3*time.Second - 500*time.Microsecond: 3000,
	}
	for after, want := range tests {
		require.Equal(t, want, Timeout{After: after, Armed: true}.Milliseconds(), after)
	}
}

func TestHandshakeTimeoutRetiresAssociation(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	h := newTestHost(t, clk, 1)
	require.NoError(t, h.a.Connect())

	for range 20 {
		h.drain()
		if h.a.State() == Lost {
			break
		}
		last := h.timeouts[len(h.timeouts)-1]
		require.True(t, last.Armed)
		clk.Advance(last.After)
		require.NoError(t, h.a.HandleTimeout())
	}

	require.Equal(t, Lost, h.a.State())
	require.Len(t, h.events, 1)
	lost, ok := h.events[0].(Disconnected)
	require.True(t, ok, "got %T", h.events[0])
	require.ErrorIs(t, lost.Reason, engine.ErrHandshakeTimeout)
	require.Equal(t, Timeout{}, h.timeouts[len(h.timeouts)-1], "the disarmed timer is reported")
	require.Equal(t, None{}, h.a.Poll())

	require.ErrorIs(t, h.a.HandleTimeout(), ErrNotConnected)
	require.ErrorIs(t, h.a.OpenStream(1), ErrNotConnected)
	require.ErrorIs(t, h.a.Send(1, 0, []byte("x")), ErrNotConnected)

	require.NoError(t, h.a.Connect())
	require.Equal(t, Connecting, h.a.State())
}

func TestSecondAssociationRejected(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	client, server := connectedHosts(t, clk)

	intruder := newTestHost(t, clk, 3)
	require.NoError(t, intruder.a.Connect())
	init := intruder.drain()
	require.Len(t, init, 1)

	err := server.a.HandleData(init[0])
	require.ErrorIs(t, err, ErrAssociationExists)
	require.Equal(t, Established, server.a.State())

	abort := server.drain()
	require.Len(t, abort, 1)
	intruder.feed(abort)
	intruder.drain()
	require.Len(t, intruder.events, 1)
	lost, ok := intruder.events[0].(Disconnected)
	require.True(t, ok)
	require.ErrorIs(t, lost.Reason, engine.ErrAborted)
	require.Equal(t, Lost, intruder.a.State())

	require.NoError(t, client.a.OpenStream(1))
	require.NoError(t, client.a.Send(1, 51, []byte("still here")))
	pump(client, server)
	require.Contains(t, server.takeEvents(), Event(Data{ID: 1, PPI: 51, Payload: []byte("still here")}))
}

func TestConnectPanicsWhenEngineRefuses(t *testing.T) {
	t.Parallel()

	a := New(Config{Endpoint: engine.EndpointConfig{MaxAssociations: -1}})
	require.Panics(t, func() { _ = a.Connect() })
}

func TestHandleDataAbsorbsGarbage(t *testing.T) {
	t.Parallel()

	a := New(Config{})
	require.NoError(t, a.HandleData([]byte{1, 2, 3}))
	require.NoError(t, a.HandleData(make([]byte, 64)))
	require.Equal(t, NoAssociation, a.State())
	require.Equal(t, None{}, a.Poll())
	require.Equal(t, uint64(2), a.Stats().DatagramsIn)
}

func TestDrainTransmitsSkipsNonRawPayloads(t *testing.T) {
	t.Parallel()

	queue := []engine.Transmit{
		{Payload: engine.PartialDecode{Raw: []byte{0xff}}},
		{Payload: engine.RawEncode{}},
		{Payload: engine.RawEncode{[]byte("a"), []byte("b")}},
	}
	next := func() (engine.Transmit, bool) {
		if len(queue) == 0 {
			return engine.Transmit{}, false
		}
		tr := queue[0]
		queue = queue[1:]

		return tr, true
	}

	ev, ok := drainTransmits(next)
	require.True(t, ok)
	require.Equal(t, Transmit{Datagrams: [][]byte{[]byte("a"), []byte("b")}}, ev)
	require.Empty(t, queue)

	_, ok = drainTransmits(next)
	require.False(t, ok)
}

func TestConcurrentCallersAreSerialized(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	client, _ := connectedHosts(t, clk)
	require.NoError(t, client.a.OpenStream(1))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = client.a.Send(1, 51, []byte("x"))
				client.a.Poll()
				_ = client.a.Streams()
				_ = client.a.Stats()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, []uint16{1}, client.a.Streams())
}

// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package adapter

import (
	"fmt"
	"time"
)

// EventKind names the variants returned by Poll.
type EventKind int

// Event kinds, one per Event variant.
const (
	KindNone EventKind = iota
	KindConnected
	KindDisconnected
	KindStreamOpened
	KindStreamClosed
	KindData
	KindTransmit
	KindTimeout
)

func (k EventKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConnected:
		return "connected"
	case KindDisconnected:
		return "disconnected"
	case KindStreamOpened:
		return "stream_opened"
	case KindStreamClosed:
		return "stream_closed"
	case KindData:
		return "data"
	case KindTransmit:
		return "transmit"
	case KindTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one result of Poll.
type Event interface {
	Kind() EventKind
}

// None means nothing is pending.
type None struct{}

// Connected reports a completed handshake.
type Connected struct{}

// Disconnected reports that the association was lost. The adapter is back
// to accepting Connect or a new inbound association.
type Disconnected struct {
	Reason error
}

// StreamOpened reports a stream that became usable.
type StreamOpened struct {
	ID uint16
}

// StreamClosed reports a stream torn down by either side.
type StreamClosed struct {
	ID uint16
}

// Data is one complete inbound message.
type Data struct {
	ID      uint16
	PPI     uint32
	Payload []byte
}

// Transmit carries datagrams the caller must put on the wire.
type Transmit struct {
	Datagrams [][]byte
}

// Timeout reports a changed timer deadline. When Armed is false no timer is
// pending; otherwise HandleTimeout is due After from now.
type Timeout struct {
	After time.Duration
	Armed bool
}

func (None) Kind() EventKind         { return KindNone }
func (Connected) Kind() EventKind    { return KindConnected }
func (Disconnected) Kind() EventKind { return KindDisconnected }
func (StreamOpened) Kind() EventKind { return KindStreamOpened }
func (StreamClosed) Kind() EventKind { return KindStreamClosed }
func (Data) Kind() EventKind         { return KindData }
func (Transmit) Kind() EventKind     { return KindTransmit }
func (Timeout) Kind() EventKind      { return KindTimeout }

// Milliseconds returns the relative deadline in whole milliseconds, rounded
// up. A timer that fires before the deadline makes HandleTimeout a no-op, and
// the unchanged deadline is not reported again, so truncating would leave the
// host without a timer.
func (t Timeout) Milliseconds() int64 {
	return int64((t.After + time.Millisecond - 1) / time.Millisecond)
}

// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package engine

import (
	"fmt"
	"time"
)

// AssociationHandle identifies an association within its Endpoint.
type AssociationHandle uint32

// PayloadProtocolIdentifier is the SCTP payload protocol identifier.
type PayloadProtocolIdentifier uint32

// Transmit is a datagram ready for the wire.
type Transmit struct {
	Now     time.Time
	Payload Payload
}

// Payload is the body of a Transmit.
type Payload interface {
	isPayload()
}

// RawEncode is a list of fully encoded SCTP packets.
type RawEncode [][]byte

// PartialDecode is an inbound packet whose chunks have not been decoded yet.
type PartialDecode struct {
	Raw []byte
}

func (RawEncode) isPayload()     {}
func (PartialDecode) isPayload() {}

// DatagramEvent is the result of Endpoint.Handle: either a NewAssociation or
// an AssociationEvent for an existing association.
type DatagramEvent interface {
	isDatagramEvent()
}

// NewAssociation reports an association created by an inbound INIT.
type NewAssociation struct {
	Association *Association
}

// AssociationEvent carries a decoded packet from the endpoint to its association.
type AssociationEvent struct {
	now    time.Time
	packet *packet
	size   int
}

func (NewAssociation) isDatagramEvent()   {}
func (AssociationEvent) isDatagramEvent() {}

// EndpointEvent is emitted by an association for its endpoint.
type EndpointEvent struct {
	drained bool
}

// IsDrained reports whether the association has terminated and released its resources.
func (e EndpointEvent) IsDrained() bool { return e.drained }

// Event is an application-facing association event.
type Event interface {
	isEvent()
}

// Connected reports a completed handshake.
type Connected struct{}

// AssociationLost reports a terminated association.
type AssociationLost struct {
	Reason error
}

// StreamEventKind classifies StreamEvent.
type StreamEventKind int

const (
	// StreamOpened is reported when the peer opens a stream.
	StreamOpened StreamEventKind = iota + 1
	// StreamReadable is reported when a peer-opened stream has its first message.
	StreamReadable
	// StreamWritable is reported once for a locally opened stream.
	StreamWritable
	// StreamFinished is reported when the peer has reset its outgoing side.
	StreamFinished
	// StreamStopped is reported when our reset request was performed by the peer.
	StreamStopped
	// StreamAvailable is reported when all buffered data of a stream was acknowledged.
	StreamAvailable
)

func (k StreamEventKind) String() string {
	switch k {
	case StreamOpened:
		return "opened"
	case StreamReadable:
		return "readable"
	case StreamWritable:
		return "writable"
	case StreamFinished:
		return "finished"
	case StreamStopped:
		return "stopped"
	case StreamAvailable:
		return "available"
	default:
		return fmt.Sprintf("StreamEventKind(%d)", int(k))
	}
}

// StreamEvent reports a stream lifecycle change.
type StreamEvent struct {
	Kind StreamEventKind
	ID   uint16
}

func (Connected) isEvent()       {}
func (AssociationLost) isEvent() {}
func (StreamEvent) isEvent()     {}

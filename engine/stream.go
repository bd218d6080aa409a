// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package engine

import (
	"fmt"

	"code.hybscloud.com/iox"
)

// Chunks is one reassembled inbound message.
type Chunks struct {
	PPI  PayloadProtocolIdentifier
	data []byte
}

// Len returns the message size in bytes.
func (c *Chunks) Len() int { return len(c.data) }

// Read copies the message into p.
func (c *Chunks) Read(p []byte) (int, error) {
	if len(p) < len(c.data) {
		return 0, fmt.Errorf("%w: need %d have %d", ErrShortBuffer, len(c.data), len(p))
	}

	return copy(p, c.data), nil
}

// Stream is one SCTP stream of an Association. It is only valid while the
// association holds it; all methods must be called by the association's owner.
type Stream struct {
	assoc      *Association
	id         uint16
	defaultPPI PayloadProtocolIdentifier

	nextSSN uint16
	// fragments of the message being reassembled, in TSN order.
	fragments []*chunkPayloadData
	messages  []*Chunks
	buffered  int

	readClosed       bool
	writeClosed      bool
	readableNotified bool
	// peerFinished is set once the peer reset the stream while messages
	// were still unread.
	peerFinished bool
}

func newStream(a *Association, id uint16, ppi PayloadProtocolIdentifier) *Stream {
	return &Stream{assoc: a, id: id, defaultPPI: ppi}
}

// ID returns the stream identifier.
func (s *Stream) ID() uint16 { return s.id }

// Write sends p with the stream's default payload protocol identifier.
func (s *Stream) Write(p []byte) (int, error) {
	return s.WriteSCTP(p, s.defaultPPI)
}

// WriteSCTP queues p as one message. The data is copied.
func (s *Stream) WriteSCTP(p []byte, ppi PayloadProtocolIdentifier) (int, error) {
	a := s.assoc
	switch {
	case a.state != established:
		return 0, ErrNotEstablished
	case s.writeClosed || a.streams[s.id] != s:
		return 0, ErrStreamClosed
	case len(p) == 0:
		return 0, ErrEmptyPayload
	case uint32(len(p)) > a.cfg.MaxMessageSize: //nolint:gosec // len is non-negative
		return 0, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(p), a.cfg.MaxMessageSize)
	}

	chunks := s.packetize(p, ppi)
	a.enqueue(chunks)
	s.buffered += len(p)

	return len(p), nil
}

func (s *Stream) packetize(p []byte, ppi PayloadProtocolIdentifier) []*chunkPayloadData {
	maxPayload := int(s.assoc.maxPayloadSize)
	var chunks []*chunkPayloadData
	for offset := 0; offset < len(p); offset += maxPayload {
		end := min(offset+maxPayload, len(p))
		chunks = append(chunks, &chunkPayloadData{
			beginning:        offset == 0,
			ending:           end == len(p),
			streamIdentifier: s.id,
			streamSequence:   s.nextSSN,
			ppi:              ppi,
			userData:         append([]byte(nil), p[offset:end]...),
		})
	}
	s.nextSSN++

	return chunks
}

// Read pops the next complete message. It returns iox.ErrWouldBlock when
// none is ready.
func (s *Stream) Read() (*Chunks, error) {
	if s.readClosed {
		return nil, ErrStreamClosed
	}
	if len(s.messages) == 0 {
		return nil, iox.ErrWouldBlock
	}
	msg := s.messages[0]
	s.messages[0] = nil
	s.messages = s.messages[1:]
	s.assoc.rxBytes -= msg.Len()
	if s.peerFinished && len(s.messages) == 0 {
		s.assoc.unregisterStream(s, StreamFinished)
	}

	return msg, nil
}

// Finish closes the sending side and asks the peer to reset the stream.
func (s *Stream) Finish() error {
	if s.writeClosed {
		return ErrStreamClosed
	}
	if s.assoc.state != established {
		return ErrNotEstablished
	}
	s.writeClosed = true
	s.assoc.requestReset(s.id)

	return nil
}

// Stop closes the receiving side and discards buffered messages.
func (s *Stream) Stop() error {
	if s.readClosed {
		return ErrStreamClosed
	}
	s.readClosed = true
	s.discard()
	if s.peerFinished {
		s.assoc.unregisterStream(s, StreamFinished)
	}

	return nil
}

func (s *Stream) discard() {
	for _, m := range s.messages {
		s.assoc.rxBytes -= m.Len()
	}
	for _, f := range s.fragments {
		s.assoc.rxBytes -= len(f.userData)
	}
	s.messages = nil
	s.fragments = nil
}

// deliver accepts chunks in TSN order and reports whether a message completed.
func (s *Stream) deliver(c *chunkPayloadData) bool {
	if s.readClosed {
		s.assoc.rxBytes -= len(c.userData)

		return false
	}
	if c.beginning {
		for _, f := range s.fragments {
			s.assoc.rxBytes -= len(f.userData)
		}
		s.fragments = s.fragments[:0]
	}
	s.fragments = append(s.fragments, c)
	if !c.ending {
		return false
	}

	size := 0
	for _, f := range s.fragments {
		size += len(f.userData)
	}
	data := make([]byte, 0, size)
	for _, f := range s.fragments {
		data = append(data, f.userData...)
	}
	s.messages = append(s.messages, &Chunks{PPI: s.fragments[0].ppi, data: data})
	s.fragments = s.fragments[:0]

	return true
}

// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package engine

import (
	"encoding/binary"
	"fmt"
	"time"
)

type chunkType uint8

const (
	ctPayloadData      chunkType = 0
	ctInit             chunkType = 1
	ctInitAck          chunkType = 2
	ctSack             chunkType = 3
	ctHeartbeat        chunkType = 4
	ctHeartbeatAck     chunkType = 5
	ctAbort            chunkType = 6
	ctCookieEcho       chunkType = 10
	ctCookieAck        chunkType = 11
	ctReconfig         chunkType = 130
)

const (
	initChunkMinLength   = 16
	sackChunkMinLength   = 12
	payloadDataMinLength = dataChunkHeaderSize - chunkHeaderSize
)

func (c chunkType) String() string {
	switch c {
	case ctPayloadData:
		return "DATA"
	case ctInit:
		return "INIT"
	case ctInitAck:
		return "INIT-ACK"
	case ctSack:
		return "SACK"
	case ctHeartbeat:
		return "HEARTBEAT"
	case ctHeartbeatAck:
		return "HEARTBEAT-ACK"
	case ctAbort:
		return "ABORT"
	case ctCookieEcho:
		return "COOKIE-ECHO"
	case ctCookieAck:
		return "COOKIE-ACK"
	case ctReconfig:
		return "RE-CONFIG"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

type chunk interface {
	chunkType() chunkType
	// marshal returns the chunk including its header, without trailing padding.
	marshal() ([]byte, error)
}

func chunkHeader(typ chunkType, flags byte, valueLen int) []byte {
	raw := make([]byte, chunkHeaderSize, chunkHeaderSize+valueLen)
	raw[0] = byte(typ)
	raw[1] = flags
	binary.BigEndian.PutUint16(raw[2:4], uint16(chunkHeaderSize+valueLen)) //nolint:gosec // bounded by MTU

	return raw
}

// parseChunk returns nil, nil for chunk types the engine does not implement.
func parseChunk(typ chunkType, flags byte, value []byte) (chunk, error) {
	switch typ {
	case ctPayloadData:
		return parsePayloadData(flags, value)
	case ctInit:
		common, err := parseInitCommon(value)
		if err != nil {
			return nil, err
		}
		return &chunkInit{chunkInitCommon: common}, nil
	case ctInitAck:
		common, err := parseInitCommon(value)
		if err != nil {
			return nil, err
		}
		return &chunkInitAck{chunkInitCommon: common}, nil
	case ctSack:
		return parseSelectiveAck(value)
	case ctHeartbeat:
		return &chunkHeartbeat{info: append([]byte(nil), value...)}, nil
	case ctHeartbeatAck:
		return &chunkHeartbeatAck{info: append([]byte(nil), value...)}, nil
	case ctAbort:
		return &chunkAbort{reflected: flags&abortFlagT != 0}, nil
	case ctCookieEcho:
		return &chunkCookieEcho{cookie: append([]byte(nil), value...)}, nil
	case ctCookieAck:
		return &chunkCookieAck{}, nil
	case ctReconfig:
		return parseReconfig(value)
	default:
		return nil, nil
	}
}

// chunkPayloadData is a DATA chunk. The sender-side fields are bookkeeping
// for the inflight queue and never reach the wire.
type chunkPayloadData struct {
	unordered        bool
	beginning        bool
	ending           bool
	tsn              uint32
	streamIdentifier uint16
	streamSequence   uint16
	ppi              PayloadProtocolIdentifier
	userData         []byte

	nSent      int
	sentAt     time.Time
	acked      bool
	retransmit bool
}

const (
	payloadDataEndingFlag    = 0x01
	payloadDataBeginningFlag = 0x02
	payloadDataUnorderedFlag = 0x04
)

func (c *chunkPayloadData) chunkType() chunkType { return ctPayloadData }

func (c *chunkPayloadData) marshal() ([]byte, error) {
	var flags byte
	if c.ending {
		flags |= payloadDataEndingFlag
	}
	if c.beginning {
		flags |= payloadDataBeginningFlag
	}
	if c.unordered {
		flags |= payloadDataUnorderedFlag
	}

	raw := chunkHeader(ctPayloadData, flags, payloadDataMinLength+len(c.userData))
	raw = binary.BigEndian.AppendUint32(raw, c.tsn)
	raw = binary.BigEndian.AppendUint16(raw, c.streamIdentifier)
	raw = binary.BigEndian.AppendUint16(raw, c.streamSequence)
	raw = binary.BigEndian.AppendUint32(raw, uint32(c.ppi))
	raw = append(raw, c.userData...)

	return raw, nil
}

func (c *chunkPayloadData) wireSize() int {
	return paddedLen(dataChunkHeaderSize + len(c.userData))
}

func parsePayloadData(flags byte, value []byte) (*chunkPayloadData, error) {
	if len(value) < payloadDataMinLength {
		return nil, fmt.Errorf("%w: DATA len=%d", errChunkTooShort, len(value))
	}

	return &chunkPayloadData{
		ending:           flags&payloadDataEndingFlag != 0,
		beginning:        flags&payloadDataBeginningFlag != 0,
		unordered:        flags&payloadDataUnorderedFlag != 0,
		tsn:              binary.BigEndian.Uint32(value[0:4]),
		streamIdentifier: binary.BigEndian.Uint16(value[4:6]),
		streamSequence:   binary.BigEndian.Uint16(value[6:8]),
		ppi:              PayloadProtocolIdentifier(binary.BigEndian.Uint32(value[8:12])),
		userData:         append([]byte(nil), value[12:]...),
	}, nil
}

// chunkInitCommon is the body shared by INIT and INIT ACK.
type chunkInitCommon struct {
	initiateTag                    uint32
	advertisedReceiverWindowCredit uint32
	numOutboundStreams             uint16
	numInboundStreams              uint16
	initialTSN                     uint32
	cookie                         []byte
}

func (c *chunkInitCommon) marshalValue() []byte {
	raw := make([]byte, 0, initChunkMinLength+len(c.cookie)+8)
	raw = binary.BigEndian.AppendUint32(raw, c.initiateTag)
	raw = binary.BigEndian.AppendUint32(raw, c.advertisedReceiverWindowCredit)
	raw = binary.BigEndian.AppendUint16(raw, c.numOutboundStreams)
	raw = binary.BigEndian.AppendUint16(raw, c.numInboundStreams)
	raw = binary.BigEndian.AppendUint32(raw, c.initialTSN)
	if c.cookie != nil {
		raw = appendParam(raw, paramTypeStateCookie, c.cookie)
	}

	return raw
}

func parseInitCommon(value []byte) (chunkInitCommon, error) {
	if len(value) < initChunkMinLength {
		return chunkInitCommon{}, fmt.Errorf("%w: INIT len=%d", errChunkTooShort, len(value))
	}

	common := chunkInitCommon{
		initiateTag:                    binary.BigEndian.Uint32(value[0:4]),
		advertisedReceiverWindowCredit: binary.BigEndian.Uint32(value[4:8]),
		numOutboundStreams:             binary.BigEndian.Uint16(value[8:10]),
		numInboundStreams:              binary.BigEndian.Uint16(value[10:12]),
		initialTSN:                     binary.BigEndian.Uint32(value[12:16]),
	}

	params, err := parseParams(value[initChunkMinLength:])
	if err != nil {
		return chunkInitCommon{}, err
	}
	for _, p := range params {
		if p.typ == paramTypeStateCookie {
			common.cookie = p.value
		}
	}

	return common, nil
}

type chunkInit struct {
	chunkInitCommon
}

func (c *chunkInit) chunkType() chunkType { return ctInit }

func (c *chunkInit) marshal() ([]byte, error) {
	value := c.marshalValue()

	return append(chunkHeader(ctInit, 0, len(value)), value...), nil
}

type chunkInitAck struct {
	chunkInitCommon
}

func (c *chunkInitAck) chunkType() chunkType { return ctInitAck }

func (c *chunkInitAck) marshal() ([]byte, error) {
	if c.cookie == nil {
		return nil, errMissingCookie
	}
	value := c.marshalValue()

	return append(chunkHeader(ctInitAck, 0, len(value)), value...), nil
}

type gapAckBlock struct {
	start uint16
	end   uint16
}

type chunkSelectiveAck struct {
	cumulativeTSNAck               uint32
	advertisedReceiverWindowCredit uint32
	gapAckBlocks                   []gapAckBlock
	duplicateTSN                   []uint32
}

func (c *chunkSelectiveAck) chunkType() chunkType { return ctSack }

func (c *chunkSelectiveAck) marshal() ([]byte, error) {
	valueLen := sackChunkMinLength + 4*len(c.gapAckBlocks) + 4*len(c.duplicateTSN)
	raw := chunkHeader(ctSack, 0, valueLen)
	raw = binary.BigEndian.AppendUint32(raw, c.cumulativeTSNAck)
	raw = binary.BigEndian.AppendUint32(raw, c.advertisedReceiverWindowCredit)
	raw = binary.BigEndian.AppendUint16(raw, uint16(len(c.gapAckBlocks))) //nolint:gosec // bounded by receive queue
	raw = binary.BigEndian.AppendUint16(raw, uint16(len(c.duplicateTSN)))  //nolint:gosec // bounded by receive queue
	for _, g := range c.gapAckBlocks {
		raw = binary.BigEndian.AppendUint16(raw, g.start)
		raw = binary.BigEndian.AppendUint16(raw, g.end)
	}
	for _, tsn := range c.duplicateTSN {
		raw = binary.BigEndian.AppendUint32(raw, tsn)
	}

	return raw, nil
}

func parseSelectiveAck(value []byte) (*chunkSelectiveAck, error) {
	if len(value) < sackChunkMinLength {
		return nil, fmt.Errorf("%w: SACK len=%d", errChunkTooShort, len(value))
	}

	c := &chunkSelectiveAck{
		cumulativeTSNAck:               binary.BigEndian.Uint32(value[0:4]),
		advertisedReceiverWindowCredit: binary.BigEndian.Uint32(value[4:8]),
	}
	numGaps := int(binary.BigEndian.Uint16(value[8:10]))
	numDups := int(binary.BigEndian.Uint16(value[10:12]))
	if len(value) < sackChunkMinLength+4*numGaps+4*numDups {
		return nil, fmt.Errorf("%w: SACK gaps=%d dups=%d len=%d", errChunkTooShort, numGaps, numDups, len(value))
	}

	offset := sackChunkMinLength
	for range numGaps {
		c.gapAckBlocks = append(c.gapAckBlocks, gapAckBlock{
			start: binary.BigEndian.Uint16(value[offset : offset+2]),
			end:   binary.BigEndian.Uint16(value[offset+2 : offset+4]),
		})
		offset += 4
	}
	for range numDups {
		c.duplicateTSN = append(c.duplicateTSN, binary.BigEndian.Uint32(value[offset:offset+4]))
		offset += 4
	}

	return c, nil
}

type chunkHeartbeat struct {
	info []byte
}

func (c *chunkHeartbeat) chunkType() chunkType { return ctHeartbeat }

func (c *chunkHeartbeat) marshal() ([]byte, error) {
	return append(chunkHeader(ctHeartbeat, 0, len(c.info)), c.info...), nil
}

type chunkHeartbeatAck struct {
	info []byte
}

func (c *chunkHeartbeatAck) chunkType() chunkType { return ctHeartbeatAck }

func (c *chunkHeartbeatAck) marshal() ([]byte, error) {
	return append(chunkHeader(ctHeartbeatAck, 0, len(c.info)), c.info...), nil
}

const abortFlagT = 0x01

// chunkAbort carries no error causes; reflected marks a packet whose
// verification tag is the sender's own (the T bit).
type chunkAbort struct {
	reflected bool
}

func (c *chunkAbort) chunkType() chunkType { return ctAbort }

func (c *chunkAbort) marshal() ([]byte, error) {
	var flags byte
	if c.reflected {
		flags = abortFlagT
	}

	return chunkHeader(ctAbort, flags, 0), nil
}

type chunkCookieEcho struct {
	cookie []byte
}

func (c *chunkCookieEcho) chunkType() chunkType { return ctCookieEcho }

func (c *chunkCookieEcho) marshal() ([]byte, error) {
	return append(chunkHeader(ctCookieEcho, 0, len(c.cookie)), c.cookie...), nil
}

type chunkCookieAck struct{}

func (c *chunkCookieAck) chunkType() chunkType { return ctCookieAck }

func (c *chunkCookieAck) marshal() ([]byte, error) {
	return chunkHeader(ctCookieAck, 0, 0), nil
}

// chunkReconfig carries one or two RE-CONFIG parameters (RFC 6525).
type chunkReconfig struct {
	paramA reconfigParam
	paramB reconfigParam
}

func (c *chunkReconfig) chunkType() chunkType { return ctReconfig }

func (c *chunkReconfig) marshal() ([]byte, error) {
	var value []byte
	for _, p := range []reconfigParam{c.paramA, c.paramB} {
		if p == nil {
			continue
		}
		value = p.appendTo(value)
	}

	return append(chunkHeader(ctReconfig, 0, len(value)), value...), nil
}

func parseReconfig(value []byte) (*chunkReconfig, error) {
	params, err := parseParams(value)
	if err != nil {
		return nil, err
	}

	c := &chunkReconfig{}
	for _, raw := range params {
		p, err := parseReconfigParam(raw)
		if err != nil {
			return nil, err
		}
		if p == nil {
			continue
		}
		if c.paramA == nil {
			c.paramA = p
		} else if c.paramB == nil {
			c.paramB = p
		}
	}

	return c, nil
}

// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package engine

import (
	"encoding/binary"
	"fmt"
)

type paramType uint16

const (
	paramTypeStateCookie          paramType = 7
	paramTypeOutgoingResetRequest paramType = 13
	paramTypeReconfigResponse     paramType = 16
	paramHeaderSize                         = 4
	outgoingResetRequestMinLength           = 12
	reconfigResponseLength                  = 8
)

// rawParam is an undecoded TLV parameter.
type rawParam struct {
	typ   paramType
	value []byte
}

func appendParam(raw []byte, typ paramType, value []byte) []byte {
	raw = binary.BigEndian.AppendUint16(raw, uint16(typ))
	raw = binary.BigEndian.AppendUint16(raw, uint16(paramHeaderSize+len(value))) //nolint:gosec // bounded by MTU
	raw = append(raw, value...)

	return appendPadding(raw)
}

func parseParams(raw []byte) ([]rawParam, error) {
	var params []rawParam
	offset := 0
	for offset < len(raw) {
		if len(raw[offset:]) < paramHeaderSize {
			return nil, fmt.Errorf("%w: offset=%d", errParamTooShort, offset)
		}
		typ := paramType(binary.BigEndian.Uint16(raw[offset : offset+2]))
		length := int(binary.BigEndian.Uint16(raw[offset+2 : offset+4]))
		if length < paramHeaderSize || offset+length > len(raw) {
			return nil, fmt.Errorf("%w: type=%d len=%d", errParamTooShort, typ, length)
		}
		params = append(params, rawParam{
			typ:   typ,
			value: append([]byte(nil), raw[offset+paramHeaderSize:offset+length]...),
		})
		offset += paramHeaderSize + paddedLen(length-paramHeaderSize)
	}

	return params, nil
}

type reconfigParam interface {
	appendTo(raw []byte) []byte
}

// paramOutgoingResetRequest asks the peer to reset the incoming side of
// the listed streams (RFC 6525 section 4.1).
type paramOutgoingResetRequest struct {
	reconfigRequestSequenceNumber  uint32
	reconfigResponseSequenceNumber uint32
	senderLastTSN                  uint32
	streamIdentifiers              []uint16
}

func (p *paramOutgoingResetRequest) appendTo(raw []byte) []byte {
	value := make([]byte, 0, outgoingResetRequestMinLength+2*len(p.streamIdentifiers))
	value = binary.BigEndian.AppendUint32(value, p.reconfigRequestSequenceNumber)
	value = binary.BigEndian.AppendUint32(value, p.reconfigResponseSequenceNumber)
	value = binary.BigEndian.AppendUint32(value, p.senderLastTSN)
	for _, id := range p.streamIdentifiers {
		value = binary.BigEndian.AppendUint16(value, id)
	}

	return appendParam(raw, paramTypeOutgoingResetRequest, value)
}

type reconfigResult uint32

const (
	reconfigResultSuccessPerformed reconfigResult = 1
	reconfigResultDenied           reconfigResult = 2
	reconfigResultInProgress       reconfigResult = 6
)

type paramReconfigResponse struct {
	reconfigResponseSequenceNumber uint32
	result                         reconfigResult
}

func (p *paramReconfigResponse) appendTo(raw []byte) []byte {
	value := make([]byte, 0, reconfigResponseLength)
	value = binary.BigEndian.AppendUint32(value, p.reconfigResponseSequenceNumber)
	value = binary.BigEndian.AppendUint32(value, uint32(p.result))

	return appendParam(raw, paramTypeReconfigResponse, value)
}

// parseReconfigParam returns nil, nil for parameters the engine ignores.
func parseReconfigParam(p rawParam) (reconfigParam, error) {
	switch p.typ {
	case paramTypeOutgoingResetRequest:
		if len(p.value) < outgoingResetRequestMinLength || (len(p.value)-outgoingResetRequestMinLength)%2 != 0 {
			return nil, fmt.Errorf("%w: outgoing reset request len=%d", errParamTooShort, len(p.value))
		}
		req := &paramOutgoingResetRequest{
			reconfigRequestSequenceNumber:  binary.BigEndian.Uint32(p.value[0:4]),
			reconfigResponseSequenceNumber: binary.BigEndian.Uint32(p.value[4:8]),
			senderLastTSN:                  binary.BigEndian.Uint32(p.value[8:12]),
		}
		for off := outgoingResetRequestMinLength; off < len(p.value); off += 2 {
			req.streamIdentifiers = append(req.streamIdentifiers, binary.BigEndian.Uint16(p.value[off:off+2]))
		}

		return req, nil
	case paramTypeReconfigResponse:
		if len(p.value) < reconfigResponseLength {
			return nil, fmt.Errorf("%w: reconfig response len=%d", errParamTooShort, len(p.value))
		}

		return &paramReconfigResponse{
			reconfigResponseSequenceNumber: binary.BigEndian.Uint32(p.value[0:4]),
			result:                         reconfigResult(binary.BigEndian.Uint32(p.value[4:8])),
		}, nil
	default:
		return nil, nil
	}
}

// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package engine

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	commonHeaderSize    = 12
	chunkHeaderSize     = 4
	dataChunkHeaderSize = 16
)

var (
	castagnoliTable = crc32.MakeTable(crc32.Castagnoli)
	zeroChecksum    [4]byte
)

// packet is an SCTP common header followed by its chunks.
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     Source Port Number        |     Destination Port Number   |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                      Verification Tag                         |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                           Checksum                            |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type packet struct {
	sourcePort      uint16
	destinationPort uint16
	verificationTag uint32
	chunks          []chunk
}

func (p *packet) marshal() ([]byte, error) {
	raw := make([]byte, commonHeaderSize, commonHeaderSize+64)
	binary.BigEndian.PutUint16(raw[0:2], p.sourcePort)
	binary.BigEndian.PutUint16(raw[2:4], p.destinationPort)
	binary.BigEndian.PutUint32(raw[4:8], p.verificationTag)

	for _, c := range p.chunks {
		body, err := c.marshal()
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", c.chunkType(), err)
		}
		raw = append(raw, body...)
		raw = appendPadding(raw)
	}

	binary.LittleEndian.PutUint32(raw[8:12], checksum(raw))

	return raw, nil
}

func unmarshalPacket(raw []byte) (*packet, error) {
	if len(raw) < commonHeaderSize {
		return nil, fmt.Errorf("%w: len=%d", errPacketTooShort, len(raw))
	}

	their := binary.LittleEndian.Uint32(raw[8:12])
	if ours := checksum(raw); their != ours {
		return nil, fmt.Errorf("%w: got=%d want=%d", errChecksumMismatch, their, ours)
	}

	p := &packet{
		sourcePort:      binary.BigEndian.Uint16(raw[0:2]),
		destinationPort: binary.BigEndian.Uint16(raw[2:4]),
		verificationTag: binary.BigEndian.Uint32(raw[4:8]),
	}

	offset := commonHeaderSize
	for offset < len(raw) {
		if len(raw[offset:]) < chunkHeaderSize {
			return nil, fmt.Errorf("%w: offset=%d", errChunkTooShort, offset)
		}
		typ := chunkType(raw[offset])
		flags := raw[offset+1]
		length := int(binary.BigEndian.Uint16(raw[offset+2 : offset+4]))
		if length < chunkHeaderSize {
			return nil, fmt.Errorf("%w: type=%s len=%d", errChunkTooShort, typ, length)
		}
		if offset+length > len(raw) {
			return nil, fmt.Errorf("%w: type=%s len=%d offset=%d", errChunkOverrun, typ, length, offset)
		}

		c, err := parseChunk(typ, flags, raw[offset+chunkHeaderSize:offset+length])
		if err != nil {
			return nil, err
		}
		if c != nil {
			p.chunks = append(p.chunks, c)
		}

		offset += length
		for offset%4 != 0 {
			if offset >= len(raw) {
				return nil, fmt.Errorf("%w: offset=%d", errPaddingOverrun, offset)
			}
			if raw[offset] != 0 {
				return nil, fmt.Errorf("%w: offset=%d", errNonZeroPadding, offset)
			}
			offset++
		}
	}

	if len(p.chunks) == 0 {
		return nil, errNoChunks
	}

	if err := p.check(); err != nil {
		return nil, err
	}

	return p, nil
}

// check enforces the verification tag rules of RFC 4960 section 8.5.1.
func (p *packet) check() error {
	var init *chunkInit
	for _, c := range p.chunks {
		if v, ok := c.(*chunkInit); ok {
			init = v
		}
	}
	if init != nil {
		if len(p.chunks) != 1 {
			return errInitNotAlone
		}
		if init.initiateTag == 0 {
			return errInitTagZero
		}

		return nil
	}
	if p.verificationTag == 0 {
		return errUnexpectedZeroTag
	}

	return nil
}

func checksum(raw []byte) uint32 {
	sum := crc32.Update(0, castagnoliTable, raw[0:8])
	sum = crc32.Update(sum, castagnoliTable, zeroChecksum[:])
	if len(raw) > commonHeaderSize {
		sum = crc32.Update(sum, castagnoliTable, raw[commonHeaderSize:])
	}

	return sum
}

func appendPadding(raw []byte) []byte {
	for len(raw)%4 != 0 {
		raw = append(raw, 0)
	}

	return raw
}

func paddedLen(n int) int {
	return (n + 3) &^ 3
}

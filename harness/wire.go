// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package harness

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/pion/transport/vnet"
)

const (
	sctpHeaderSize       = 12
	sctpChunkHeaderSize  = 4
	sctpDataChunkMinSize = 16
	sctpChunkTypeData    = 0x00
	sctpChunkTypeInit    = 0x01
	sctpChunkTypeInitAck = 0x02
)

var (
	wireChecksumTable = crc32.MakeTable(crc32.Castagnoli)
	wireZeroes        [4]byte
)

var chunkTypeNames = map[byte]string{
	0x00: "DATA",
	0x01: "INIT",
	0x02: "INIT-ACK",
	0x03: "SACK",
	0x04: "HEARTBEAT",
	0x05: "HEARTBEAT-ACK",
	0x06: "ABORT",
	0x0a: "COOKIE-ECHO",
	0x0b: "COOKIE-ACK",
	0x82: "RECONFIG",
}

func chunkTypeName(t byte) string {
	if name, ok := chunkTypeNames[t]; ok {
		return name
	}

	return fmt.Sprintf("0x%02x", t)
}

// wireValidator inspects every datagram crossing the network, independently
// of the engine's own parser, and optionally logs it.
type wireValidator struct {
	mu             sync.Mutex
	totalPackets   int
	checksumErrors int
	parseErrors    int
	shortPackets   int
	logErrors      int
	chunks         map[string]int
	firstError     string
	logger         *packetLogger
	now            func() time.Time
}

type wireSummary struct {
	TotalPackets   int
	ChecksumErrors int
	ParseErrors    int
	ShortPackets   int
	LogErrors      int
	Chunks         map[string]int
	FirstError     string
}

func (w wireSummary) Err() error {
	if w.ChecksumErrors == 0 && w.ShortPackets == 0 && w.ParseErrors == 0 && w.LogErrors == 0 {
		return nil
	}
	if w.FirstError != "" {
		return fmt.Errorf("wire: checksum_errors=%d parse_errors=%d short_packets=%d log_errors=%d first_error=%s",
			w.ChecksumErrors, w.ParseErrors, w.ShortPackets, w.LogErrors, w.FirstError)
	}

	return fmt.Errorf("wire: checksum_errors=%d parse_errors=%d short_packets=%d log_errors=%d",
		w.ChecksumErrors, w.ParseErrors, w.ShortPackets, w.LogErrors)
}

func newWireValidator(logger *packetLogger, now func() time.Time) *wireValidator {
	return &wireValidator{logger: logger, now: now, chunks: map[string]int{}}
}

// Filter adapts inspect to the vnet router. It never drops.
func (v *wireValidator) Filter(c vnet.Chunk) bool {
	if c == nil || c.Network() != "udp" {
		return true
	}
	v.inspect(c.SourceAddr().String(), c.DestinationAddr().String(), c.UserData())

	return true
}

func (v *wireValidator) inspect(src, dst string, data []byte) {
	if v == nil {
		return
	}
	record := packetRecord{
		Timestamp:   v.now().UTC(),
		PacketIndex: v.incrementTotal(),
		Source:      src,
		Destination: dst,
		Length:      len(data),
		DataHex:     hex.EncodeToString(data),
	}
	if len(data) < sctpHeaderSize {
		msg := fmt.Sprintf("short packet len=%d src=%s dst=%s", len(data), src, dst)
		v.record(&v.shortPackets, msg)
		record.ParseError = msg
		v.logPacket(record)

		return
	}

	their := binary.LittleEndian.Uint32(data[8:12])
	ours := computeSCTPChecksum(data)
	record.Checksum = their
	record.ChecksumExpected = ours
	record.ChecksumOK = their == ours
	if their != ours {
		v.record(&v.checksumErrors, fmt.Sprintf("checksum mismatch src=%s dst=%s got=%d want=%d", src, dst, their, ours))
	}
	tag, types, parseErr := validateSCTP(data)
	record.VerificationTag = tag
	record.Chunks = types
	if parseErr != nil {
		v.record(&v.parseErrors, parseErr.Error())
		record.ParseError = parseErr.Error()
	}
	v.countChunks(types)
	v.logPacket(record)
}

func (v *wireValidator) Summary() wireSummary {
	v.mu.Lock()
	defer v.mu.Unlock()

	chunks := make(map[string]int, len(v.chunks))
	for k, n := range v.chunks {
		chunks[k] = n
	}

	return wireSummary{
		TotalPackets:   v.totalPackets,
		ChecksumErrors: v.checksumErrors,
		ParseErrors:    v.parseErrors,
		ShortPackets:   v.shortPackets,
		LogErrors:      v.logErrors,
		Chunks:         chunks,
		FirstError:     v.firstError,
	}
}

func (v *wireValidator) incrementTotal() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.totalPackets++

	return v.totalPackets
}

func (v *wireValidator) countChunks(types []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, t := range types {
		v.chunks[t]++
	}
}

func (v *wireValidator) record(counter *int, msg string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	*counter++
	if v.firstError == "" {
		v.firstError = msg
	}
}

func (v *wireValidator) logPacket(record packetRecord) {
	if v.logger == nil {
		return
	}
	if err := v.logger.Log(record); err != nil {
		v.record(&v.logErrors, fmt.Sprintf("packet log: %v", err))
	}
}

func computeSCTPChecksum(raw []byte) uint32 {
	sum := crc32.Update(0, wireChecksumTable, raw[0:8])
	sum = crc32.Update(sum, wireChecksumTable, wireZeroes[:])
	if len(raw) > sctpHeaderSize {
		sum = crc32.Update(sum, wireChecksumTable, raw[12:])
	}

	return sum
}

func rewriteChecksum(data []byte) {
	if len(data) < sctpHeaderSize {
		return
	}
	binary.LittleEndian.PutUint32(data[8:12], computeSCTPChecksum(data))
}

// validateSCTP walks the chunk list and returns the verification tag and the
// chunk type names seen before the first structural error.
func validateSCTP(raw []byte) (uint32, []string, error) {
	if len(raw) < sctpHeaderSize {
		return 0, nil, fmt.Errorf("short packet len=%d", len(raw))
	}

	tag := binary.BigEndian.Uint32(raw[4:8])
	offset := sctpHeaderSize
	foundInit := false
	seenTSN := map[uint32]struct{}{}
	var types []string

	if offset == len(raw) {
		return tag, nil, fmt.Errorf("missing chunks len=%d", len(raw))
	}

	for offset < len(raw) {
		if len(raw[offset:]) < sctpChunkHeaderSize {
			return tag, types, fmt.Errorf("short chunk header len=%d offset=%d", len(raw[offset:]), offset)
		}

		chunkType := raw[offset]
		chunkLen := int(binary.BigEndian.Uint16(raw[offset+2 : offset+4]))
		if chunkLen < sctpChunkHeaderSize {
			return tag, types, fmt.Errorf("chunk too short type=%d len=%d offset=%d", chunkType, chunkLen, offset)
		}
		if offset+chunkLen > len(raw) {
			return tag, types, fmt.Errorf("chunk overruns packet type=%d len=%d offset=%d packet_len=%d",
				chunkType, chunkLen, offset, len(raw))
		}
		types = append(types, chunkTypeName(chunkType))
		if chunkType == sctpChunkTypeData {
			if chunkLen < sctpDataChunkMinSize {
				return tag, types, fmt.Errorf("data chunk too short len=%d offset=%d", chunkLen, offset)
			}
			tsn := binary.BigEndian.Uint32(raw[offset+4 : offset+8])
			if _, exists := seenTSN[tsn]; exists {
				return tag, types, fmt.Errorf("duplicate tsn=%d offset=%d", tsn, offset)
			}
			seenTSN[tsn] = struct{}{}
		}
		if chunkType == sctpChunkTypeInit || chunkType == sctpChunkTypeInitAck {
			foundInit = true
		}

		offset += chunkLen
		for offset%4 != 0 {
			if offset >= len(raw) {
				return tag, types, fmt.Errorf("padding overruns packet offset=%d packet_len=%d", offset, len(raw))
			}
			if raw[offset] != 0 {
				return tag, types, fmt.Errorf("non-zero padding offset=%d value=%d", offset, raw[offset])
			}
			offset++
		}
	}

	if tag == 0 && !foundInit {
		return tag, types, fmt.Errorf("invalid verification tag=0 without INIT")
	}

	return tag, types, nil
}

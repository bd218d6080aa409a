// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package harness

import (
	"encoding/binary"
	"math/rand/v2"
	"sync"

	"github.com/pion/transport/vnet"
)

type faultMode string

const (
	faultModeChecksum       faultMode = "checksum"
	faultModeBadChunkLen    faultMode = "bad-chunk-len"
	faultModeNonZeroPadding faultMode = "nonzero-padding"
)

type faultSpec struct {
	Mode  faultMode `yaml:"mode"`
	Every int       `yaml:"every"`
}

// faultInjector corrupts every Nth datagram past the INIT exchange in place.
type faultInjector struct {
	spec     faultSpec
	mu       sync.Mutex
	seen     int
	injected int
}

func newFaultInjector(spec faultSpec) *faultInjector {
	if spec.Every <= 0 || spec.Mode == "" {
		return nil
	}

	return &faultInjector{spec: spec}
}

func (f *faultInjector) Filter(c vnet.Chunk) bool {
	if f == nil || c == nil || c.Network() != "udp" {
		return true
	}
	f.corrupt(c.UserData())

	return true
}

func (f *faultInjector) corrupt(data []byte) {
	if f == nil {
		return
	}
	chunkType, chunkLen, offset, ok := firstChunkInfo(data)
	if !ok {
		return
	}
	if chunkType == sctpChunkTypeInit || chunkType == sctpChunkTypeInitAck {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen++
	if f.seen%f.spec.Every != 0 {
		return
	}

	switch f.spec.Mode {
	case faultModeChecksum:
		data[len(data)-1] ^= 0xFF
	case faultModeBadChunkLen:
		binary.BigEndian.PutUint16(data[offset+2:offset+4], uint16(sctpChunkHeaderSize-1))
		rewriteChecksum(data)
	case faultModeNonZeroPadding:
		padOffset := offset + chunkLen
		if chunkLen%4 == 0 || padOffset >= len(data) {
			return
		}
		data[padOffset] = 0xFF
		rewriteChecksum(data)
	default:
		return
	}
	f.injected++
}

func (f *faultInjector) Injected() int {
	if f == nil {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.injected
}

func firstChunkInfo(data []byte) (chunkType byte, chunkLen int, offset int, ok bool) {
	if len(data) < sctpHeaderSize+sctpChunkHeaderSize {
		return 0, 0, 0, false
	}
	offset = sctpHeaderSize
	chunkType = data[offset]
	chunkLen = int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
	if chunkLen < sctpChunkHeaderSize {
		return 0, 0, 0, false
	}
	if offset+chunkLen > len(data) {
		return 0, 0, 0, false
	}

	return chunkType, chunkLen, offset, true
}

// lossFilter drops a seeded pseudo-random share of datagrams.
type lossFilter struct {
	mu      sync.Mutex
	rng     *rand.Rand
	percent float64
	dropped int
}

func newLossFilter(percent float64, rng *rand.Rand) *lossFilter {
	if percent <= 0 {
		return nil
	}

	return &lossFilter{rng: rng, percent: percent}
}

func (l *lossFilter) Filter(c vnet.Chunk) bool {
	if c == nil || c.Network() != "udp" {
		return true
	}

	return l.keep()
}

func (l *lossFilter) keep() bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if float64(l.rng.IntN(1000))/10.0 >= l.percent {
		return true
	}
	l.dropped++

	return false
}

func (l *lossFilter) Dropped() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.dropped
}

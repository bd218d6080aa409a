// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package harness

import (
	"fmt"
	"slices"
	"time"

	"golang.org/x/sys/unix"
)

type Metrics struct {
	Duration         time.Duration
	Simulated        time.Duration
	CPUSeconds       float64
	Target           int
	Delivered        int
	Echoed           int
	LatencyP50       time.Duration
	LatencyP90       time.Duration
	LatencyP99       time.Duration
	DatagramsSent    uint64
	BytesSent        uint64
	BytesDelivered   uint64
	Retransmits      uint64
	Timeouts         int
	Rejected         int
	Dropped          int
	Overflow         int
	FaultsInjected   int
	WirePackets      int
	WireChecksumErrs int
	WireParseErrors  int
	WireShortPackets int
	WireLogErrors    int
	WireChunks       map[string]int
	GoodputBps       float64
}

func collectMetrics(s *session, wire wireSummary, nw network, faults *faultInjector, loss *lossFilter) Metrics {
	p50, p90, p99 := computePercentiles(s.latencies)
	m := Metrics{
		Target:           s.def.Messages,
		Delivered:        s.delivered,
		Echoed:           s.echoed,
		LatencyP50:       p50,
		LatencyP90:       p90,
		LatencyP99:       p99,
		BytesDelivered:   s.bytesDelivered,
		Rejected:         s.server.rejected,
		Dropped:          loss.Dropped(),
		Overflow:         nw.Overflow(),
		FaultsInjected:   faults.Injected(),
		WirePackets:      wire.TotalPackets,
		WireChecksumErrs: wire.ChecksumErrors,
		WireParseErrors:  wire.ParseErrors,
		WireShortPackets: wire.ShortPackets,
		WireLogErrors:    wire.LogErrors,
		WireChunks:       wire.Chunks,
	}
	for _, h := range s.hosts() {
		m.DatagramsSent += h.lastStats.DatagramsOut
		m.BytesSent += h.lastStats.BytesOut
		m.Retransmits += h.lastStats.Association.Retransmits
		m.Timeouts += h.timeouts
	}

	return m
}

func computePercentiles(latencies []time.Duration) (time.Duration, time.Duration, time.Duration) {
	if len(latencies) == 0 {
		return 0, 0, 0
	}
	values := slices.Clone(latencies)
	slices.Sort(values)

	return values[len(values)*50/100], values[len(values)*90/100], values[len(values)*99/100]
}

func readCPUSeconds() float64 {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}

	user := float64(ru.Utime.Sec) + float64(ru.Utime.Usec)/1_000_000
	sys := float64(ru.Stime.Sec) + float64(ru.Stime.Usec)/1_000_000

	return user + sys
}

func goodput(bytes uint64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}

	return float64(bytes) * 8 / d.Seconds()
}

func formatMetrics(m Metrics) string {
	return fmt.Sprintf("duration=%s simulated=%s cpu=%.4fs delivered=%d/%d echoed=%d p50=%s p90=%s p99=%s "+
		"datagrams=%d bytes=%d retrans=%d timeouts=%d rejected=%d dropped=%d faults=%d "+
		"wire_packets=%d wire_crc_errs=%d wire_parse_errs=%d wire_short=%d goodput=%.2fbps",
		m.Duration,
		m.Simulated,
		m.CPUSeconds,
		m.Delivered,
		m.Target,
		m.Echoed,
		m.LatencyP50,
		m.LatencyP90,
		m.LatencyP99,
		m.DatagramsSent,
		m.BytesSent,
		m.Retransmits,
		m.Timeouts,
		m.Rejected,
		m.Dropped,
		m.FaultsInjected,
		m.WirePackets,
		m.WireChecksumErrs,
		m.WireParseErrors,
		m.WireShortPackets,
		m.GoodputBps,
	)
}

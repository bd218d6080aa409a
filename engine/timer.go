// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package engine

import "time"

const (
	rtoAlpha = 8 // 1/alpha
	rtoBeta  = 4 // 1/beta
)

// rtoManager computes the retransmission timeout (RFC 6298 section 2).
type rtoManager struct {
	srtt    time.Duration
	rttvar  time.Duration
	rto     time.Duration
	min     time.Duration
	max     time.Duration
	started bool
}

func newRTOManager(cfg TransportConfig) *rtoManager {
	return &rtoManager{rto: cfg.RTOInitial, min: cfg.RTOMin, max: cfg.RTOMax}
}

func (m *rtoManager) setNewRTT(rtt time.Duration) {
	if !m.started {
		m.srtt = rtt
		m.rttvar = rtt / 2
		m.started = true
	} else {
		diff := m.srtt - rtt
		if diff < 0 {
			diff = -diff
		}
		m.rttvar = m.rttvar - m.rttvar/rtoBeta + diff/rtoBeta
		m.srtt = m.srtt - m.srtt/rtoAlpha + rtt/rtoAlpha
	}
	m.rto = min(max(m.srtt+4*m.rttvar, m.min), m.max)
}

// backoff returns the RTO doubled nRtos times, capped at max.
func (m *rtoManager) backoff(nRtos int) time.Duration {
	rto := m.rto
	for range nRtos {
		rto *= 2
		if rto >= m.max {
			return m.max
		}
	}

	return rto
}

type timerID int

const (
	timerT1Init timerID = iota
	timerT1Cookie
	timerT3RTX
	timerReconfig
	timerCookieLifetime
)

func (id timerID) String() string {
	switch id {
	case timerT1Init:
		return "T1-init"
	case timerT1Cookie:
		return "T1-cookie"
	case timerT3RTX:
		return "T3-rtx"
	case timerReconfig:
		return "T-reconfig"
	case timerCookieLifetime:
		return "cookie-lifetime"
	default:
		return "unknown"
	}
}

// rtxTimer is a deadline with a retransmission counter. It never fires on
// its own; the association compares deadlines against the time it is given.
type rtxTimer struct {
	id         timerID
	deadline   time.Time
	running    bool
	nRtos      int
	maxRetrans int
}

func newRTXTimer(id timerID, maxRetrans int) *rtxTimer {
	return &rtxTimer{id: id, maxRetrans: maxRetrans}
}

func (t *rtxTimer) start(now time.Time, rto time.Duration) {
	t.deadline = now.Add(rto)
	t.running = true
	t.nRtos = 0
}

func (t *rtxTimer) stop() {
	t.running = false
	t.nRtos = 0
	t.deadline = time.Time{}
}

func (t *rtxTimer) expired(now time.Time) bool {
	return t.running && !now.Before(t.deadline)
}

// fire records one expiry and reports whether the retransmission limit is exceeded.
func (t *rtxTimer) fire(now time.Time, rto *rtoManager) bool {
	t.nRtos++
	if t.maxRetrans > 0 && t.nRtos > t.maxRetrans {
		t.running = false

		return true
	}
	t.deadline = now.Add(rto.backoff(t.nRtos))

	return false
}

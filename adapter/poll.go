// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package adapter

import (
	"slices"
	"time"

	"github.com/pion/sctpadapter/engine"
)

// Stage is one event source consulted by Poll.
type Stage int

// Poll stages.
const (
	StageEndpointTransmit Stage = iota
	StageAssociationTransmit
	StageAssociationEvent
	StageStreamData
	StageTimeout
)

func (s Stage) String() string {
	switch s {
	case StageEndpointTransmit:
		return "endpoint_transmit"
	case StageAssociationTransmit:
		return "association_transmit"
	case StageAssociationEvent:
		return "association_event"
	case StageStreamData:
		return "stream_data"
	case StageTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// pollOrder is the priority Poll walks on every call. Reordering it changes
// observable sequencing, e.g. Data before the StreamOpened of its stream.
var pollOrder = [...]Stage{
	StageEndpointTransmit,
	StageAssociationTransmit,
	StageAssociationEvent,
	StageStreamData,
	StageTimeout,
}

// PollOrder returns the stage priority used by Poll, highest first.
func PollOrder() []Stage {
	return slices.Clone(pollOrder[:])
}

// Poll returns the single highest-priority pending event, or None. Call it
// until None, then wait for input or the last reported Timeout.
func (a *Adapter) Poll() Event {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.cfg.Clock()
	for _, stage := range pollOrder {
		ev, ok := a.pollStage(stage, now)
		if !ok {
			continue
		}
		a.stats.Events[ev.Kind()]++
		if t, ok := ev.(Transmit); ok {
			for _, d := range t.Datagrams {
				a.stats.DatagramsOut++
				a.stats.BytesOut += uint64(len(d))
			}
		}

		return ev
	}

	return None{}
}

func (a *Adapter) pollStage(stage Stage, now time.Time) (Event, bool) {
	switch stage {
	case StageEndpointTransmit:
		return drainTransmits(a.endpoint.PollTransmit)
	case StageAssociationTransmit:
		if a.assoc == nil {
			return nil, false
		}

		return drainTransmits(func() (engine.Transmit, bool) { return a.assoc.PollTransmit(now) })
	case StageAssociationEvent:
		return a.pollAssociationEvent()
	case StageStreamData:
		return a.pollStreamData()
	case StageTimeout:
		return a.pollTimeout(now)
	default:
		return nil, false
	}
}

// drainTransmits pops transmits until one carries raw datagrams. Other
// payload kinds are not ready for the wire and are skipped, as is an empty
// RawEncode: the host never sees a Transmit without datagrams.
func drainTransmits(next func() (engine.Transmit, bool)) (Event, bool) {
	for {
		t, ok := next()
		if !ok {
			return nil, false
		}
		if datagrams, ok := rawDatagrams(t.Payload); ok {
			return Transmit{Datagrams: datagrams}, true
		}
	}
}

func rawDatagrams(p engine.Payload) ([][]byte, bool) {
	raw, ok := p.(engine.RawEncode)
	if !ok || len(raw) == 0 {
		return nil, false
	}

	return [][]byte(raw), true
}

func (a *Adapter) pollAssociationEvent() (Event, bool) {
	for a.assoc != nil {
		ev, ok := a.assoc.Poll()
		if !ok {
			return nil, false
		}
		if out, ok := a.translate(ev); ok {
			return out, true
		}
	}

	return nil, false
}

func (a *Adapter) translate(ev engine.Event) (Event, bool) {
	switch ev := ev.(type) {
	case engine.Connected:
		a.phase = Established
		a.log.Debugf("[adapter %d] association %d established", a.serial, a.handle)

		return Connected{}, true
	case engine.AssociationLost:
		a.retire(ev.Reason)

		return Disconnected{Reason: ev.Reason}, true
	case engine.StreamEvent:
		switch ev.Kind {
		case engine.StreamReadable, engine.StreamWritable:
			a.register(ev.ID)

			return StreamOpened{ID: ev.ID}, true
		case engine.StreamStopped, engine.StreamFinished:
			a.unregister(ev.ID)

			return StreamClosed{ID: ev.ID}, true
		}
	}

	return nil, false
}

func (a *Adapter) pollStreamData() (Event, bool) {
	if a.assoc == nil {
		return nil, false
	}
	for _, id := range a.streams {
		s, err := a.assoc.Stream(id)
		if err != nil {
			continue
		}
		msg, err := s.Read()
		if err != nil {
			continue
		}
		payload := make([]byte, msg.Len())
		if _, err := msg.Read(payload); err != nil {
			a.log.Warnf("[adapter %d] stream %d: %v", a.serial, id, err)

			continue
		}

		return Data{ID: id, PPI: uint32(msg.PPI), Payload: payload}, true
	}

	return nil, false
}

// pollTimeout reports the engine deadline only when it differs from the
// last one reported.
func (a *Adapter) pollTimeout(now time.Time) (Event, bool) {
	var deadline time.Time
	if a.assoc != nil {
		if d, ok := a.assoc.PollTimeout(); ok {
			deadline = d
		}
	}
	if deadline.Equal(a.lastDeadline) {
		return nil, false
	}
	a.lastDeadline = deadline
	if deadline.IsZero() {
		return Timeout{}, true
	}

	return Timeout{After: max(deadline.Sub(now), 0), Armed: true}, true
}

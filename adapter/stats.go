// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package adapter

import (
	"maps"

	"github.com/pion/sctpadapter/engine"
)

// Stats counts adapter traffic and emitted events.
type Stats struct {
	DatagramsIn  uint64
	DatagramsOut uint64
	BytesIn      uint64
	BytesOut     uint64
	Events       map[EventKind]uint64
	// Association is the live association's counters, zero without one.
	Association engine.Stats
}

// Stats returns a snapshot of the counters.
func (a *Adapter) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.stats
	s.Events = maps.Clone(a.stats.Events)
	if a.assoc != nil {
		s.Association = a.assoc.Stats()
	}

	return s
}

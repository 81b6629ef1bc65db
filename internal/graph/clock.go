package graph

import (
	"strings"
	"time"
)

// Stamp is the last-writer-wins ordering key of an entity state:
// version first, then update time, then authoring device.
type Stamp struct {
	Version   int64
	UpdatedAt time.Time
	DeviceID  string
}

// Compare returns -1, 0 or +1 as s orders before, equal to, or after o.
func (s Stamp) Compare(o Stamp) int {
	switch {
	case s.Version < o.Version:
		return -1
	case s.Version > o.Version:
		return 1
	}
	if c := s.UpdatedAt.Compare(o.UpdatedAt); c != 0 {
		return c
	}
	return strings.Compare(s.DeviceID, o.DeviceID)
}

// Wins reports whether s must replace o under last-writer-wins.
// Equal stamps never replace each other, which makes replay a no-op.
func (s Stamp) Wins(o Stamp) bool { return s.Compare(o) > 0 }

// Causality is the relation between two vector clocks.
type Causality int

const (
	Equal Causality = iota
	Before
	After
	Concurrent
)

func (c Causality) String() string {
	switch c {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

func (c Causality) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// VectorClock maps each device to its own counter. The clock is the whole
// map; no single component orders two snapshots on its own.
type VectorClock map[string]int64

// Get returns the component for device, zero when unknown.
func (vc VectorClock) Get(device string) int64 { return vc[device] }

// Merge raises every component of vc to at least the matching one in o.
func (vc VectorClock) Merge(o VectorClock) {
	for dev, c := range o {
		if c > vc[dev] {
			vc[dev] = c
		}
	}
}

// Compare determines the causal relation of vc to o by comparing every
// component present in either clock.
func (vc VectorClock) Compare(o VectorClock) Causality {
	var greater, less bool
	check := func(dev string) {
		a, b := vc[dev], o[dev]
		if a > b {
			greater = true
		} else if a < b {
			less = true
		}
	}
	for dev := range vc {
		check(dev)
	}
	for dev := range o {
		if _, seen := vc[dev]; !seen {
			check(dev)
		}
	}
	switch {
	case greater && less:
		return Concurrent
	case greater:
		return After
	case less:
		return Before
	default:
		return Equal
	}
}

package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVectorClockCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b VectorClock
		want Causality
	}{
		{"both empty", VectorClock{}, VectorClock{}, Equal},
		{"identical", VectorClock{"a": 2, "b": 1}, VectorClock{"a": 2, "b": 1}, Equal},
		{"zero component equals missing", VectorClock{"a": 1, "b": 0}, VectorClock{"a": 1}, Equal},
		{"behind on one device", VectorClock{"a": 1, "b": 1}, VectorClock{"a": 2, "b": 1}, Before},
		{"device missing locally", VectorClock{"a": 1}, VectorClock{"a": 1, "c": 3}, Before},
		{"ahead on one device", VectorClock{"a": 3, "b": 1}, VectorClock{"a": 2, "b": 1}, After},
		{"device missing remotely", VectorClock{"a": 1, "c": 3}, VectorClock{"a": 1}, After},
		{"split", VectorClock{"a": 2, "b": 1}, VectorClock{"a": 1, "b": 2}, Concurrent},
		{"disjoint devices", VectorClock{"a": 1}, VectorClock{"b": 1}, Concurrent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
		})
	}
}

func TestVectorClockCompareIsMirrored(t *testing.T) {
	a := VectorClock{"a": 4, "b": 2}
	b := VectorClock{"a": 4, "b": 3, "c": 1}
	assert.Equal(t, Before, a.Compare(b))
	assert.Equal(t, After, b.Compare(a))
}

func TestVectorClockMerge(t *testing.T) {
	vc := VectorClock{"a": 3, "b": 1}
	vc.Merge(VectorClock{"a": 2, "b": 5, "c": 1})

	assert.Equal(t, VectorClock{"a": 3, "b": 5, "c": 1}, vc)
	assert.Zero(t, vc.Get("d"))
	assert.Equal(t, After, vc.Compare(VectorClock{"a": 3, "b": 1}))
}

func TestCausalityText(t *testing.T) {
	for c, want := range map[Causality]string{
		Equal:      "equal",
		Before:     "before",
		After:      "after",
		Concurrent: "concurrent",
	} {
		text, err := c.MarshalText()
		assert.NoError(t, err)
		assert.Equal(t, want, string(text))
	}
}

func TestStampOrdering(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	older := Stamp{Version: 1, UpdatedAt: base.Add(time.Hour), DeviceID: "z"}
	newer := Stamp{Version: 2, UpdatedAt: base, DeviceID: "a"}

	assert.True(t, newer.Wins(older), "version decides first")
	assert.False(t, older.Wins(newer))

	late := Stamp{Version: 2, UpdatedAt: base.Add(time.Second), DeviceID: "a"}
	assert.True(t, late.Wins(newer), "then update time")

	tie := Stamp{Version: 2, UpdatedAt: base, DeviceID: "b"}
	assert.True(t, tie.Wins(newer), "then device id")
	assert.False(t, newer.Wins(newer), "equal stamps never replace each other")
}

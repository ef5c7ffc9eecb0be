// Package collision checks a furniture layout for overlapping objects and for
// objects that leave the room.
package collision

import (
	"sort"

	"github.com/manpreetbhatti/roomsync/internal/geom"
	"github.com/manpreetbhatti/roomsync/internal/scene"
)

// boundsEpsilon absorbs float noise from rotated footprints flush against a wall.
const boundsEpsilon = 1e-9

type Pair struct {
	ID1 string `json:"id1" cbor:"id1"`
	ID2 string `json:"id2" cbor:"id2"`
}

type Report struct {
	Valid       bool     `json:"valid" cbor:"valid"`
	Collisions  []Pair   `json:"collisions" cbor:"collisions"`
	OutOfBounds []string `json:"out_of_bounds" cbor:"out_of_bounds"`
}

// Colliding returns the set of object ids named anywhere in the report.
func (r Report) Colliding() map[string]bool {
	ids := make(map[string]bool, len(r.Collisions)*2+len(r.OutOfBounds))
	for _, p := range r.Collisions {
		ids[p.ID1] = true
		ids[p.ID2] = true
	}
	for _, id := range r.OutOfBounds {
		ids[id] = true
	}
	return ids
}

// Equal compares two reports as sets. Reports from Validate are already sorted.
func (r Report) Equal(o Report) bool {
	if len(r.Collisions) != len(o.Collisions) || len(r.OutOfBounds) != len(o.OutOfBounds) {
		return false
	}
	for i := range r.Collisions {
		if r.Collisions[i] != o.Collisions[i] {
			return false
		}
	}
	for i := range r.OutOfBounds {
		if r.OutOfBounds[i] != o.OutOfBounds[i] {
			return false
		}
	}
	return true
}

// Validate runs the pairwise overlap test and the boundary test. The result
// depends only on the objects and dimensions given, never on their order.
// Zero dimensions skip the boundary test.
func Validate(objects []scene.Object, dims geom.Dimensions) Report {
	sorted := make([]scene.Object, len(objects))
	copy(sorted, objects)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	boxes := make([]geom.Box, len(sorted))
	for i, o := range sorted {
		boxes[i] = o.Box()
	}

	report := Report{Collisions: []Pair{}, OutOfBounds: []string{}}
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if boxes[i].Overlaps(boxes[j]) {
				report.Collisions = append(report.Collisions, Pair{ID1: sorted[i].ID, ID2: sorted[j].ID})
			}
		}
	}

	if dims.Valid() {
		room := dims.Box()
		for i, o := range sorted {
			if !room.Contains(boxes[i], boundsEpsilon) {
				report.OutOfBounds = append(report.OutOfBounds, o.ID)
			}
		}
	}

	report.Valid = len(report.Collisions) == 0 && len(report.OutOfBounds) == 0
	return report
}

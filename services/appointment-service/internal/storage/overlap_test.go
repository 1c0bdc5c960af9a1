package storage

import (
	"testing"
	"time"
)

func at(h, m int) time.Time {
	return time.Date(2026, time.March, 10, h, m, 0, 0, time.UTC)
}

func TestOverlaps(t *testing.T) {
	cases := []struct {
		name                           string
		aStart, aEnd, bStart, bEnd     time.Time
		want                           bool
	}{
		{"identical", at(9, 0), at(9, 30), at(9, 0), at(9, 30), true},
		{"partial overlap", at(9, 0), at(9, 30), at(9, 15), at(9, 45), true},
		{"containment", at(9, 0), at(10, 0), at(9, 15), at(9, 30), true},
		{"back to back after", at(9, 0), at(9, 30), at(9, 30), at(10, 0), false},
		{"back to back before", at(9, 30), at(10, 0), at(9, 0), at(9, 30), false},
		{"disjoint", at(9, 0), at(9, 30), at(11, 0), at(11, 30), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Overlaps(tc.aStart, tc.aEnd, tc.bStart, tc.bEnd); got != tc.want {
				t.Fatalf("Overlaps = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFirstConflictSkipsFinishedCandidates(t *testing.T) {
	// The SQL window scan returns anything starting before the new end; a
	// candidate that finished before the new start must be filtered out here.
	candidates := []Interval{
		{AppointmentNumber: "APT-2026-000000AA", Start: at(8, 0), End: at(8, 30)},
		{AppointmentNumber: "APT-2026-000000BB", Start: at(9, 15), End: at(9, 45)},
	}
	got, found := FirstConflict(candidates, at(9, 30), at(10, 0))
	if !found {
		t.Fatal("expected a conflict")
	}
	if got.AppointmentNumber != "APT-2026-000000BB" {
		t.Fatalf("conflicted with %s", got.AppointmentNumber)
	}

	if _, found := FirstConflict(candidates, at(9, 45), at(10, 15)); found {
		t.Fatal("back-to-back slot reported as conflict")
	}
}

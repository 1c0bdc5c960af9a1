package storage

import "time"

// candidateWindow bounds the reservation scan: no visit runs longer than this,
// so any appointment starting earlier than newEnd - candidateWindow cannot
// still be in progress at newStart.
const candidateWindow = 8 * time.Hour

// Interval is a doctor's reserved slot, half-open: [Start, End).
type Interval struct {
	AppointmentID     int64
	AppointmentNumber string
	Start             time.Time
	End               time.Time
}

// Overlaps reports whether two half-open intervals intersect. Back-to-back
// slots (one ending exactly when the other starts) do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// FirstConflict returns the first candidate that truly overlaps [start, end).
// Candidates come from the bounded SQL scan, which only guarantees
// candidate.Start < end; the exact end-time check happens here.
func FirstConflict(candidates []Interval, start, end time.Time) (Interval, bool) {
	for _, c := range candidates {
		if Overlaps(start, end, c.Start, c.End) {
			return c, true
		}
	}
	return Interval{}, false
}

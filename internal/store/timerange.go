package store

import (
	"fmt"
	"strconv"
	"time"
)

// BoundKind tells whether a range end is open, inclusive or exclusive.
type BoundKind int

const (
	Unbounded BoundKind = iota
	Included
	Excluded
)

type Bound struct {
	Kind BoundKind
	At   time.Time
}

func Inclusive(t time.Time) Bound { return Bound{Kind: Included, At: t} }
func Exclusive(t time.Time) Bound { return Bound{Kind: Excluded, At: t} }

// TimeRange selects timestamps between Start and End. The zero value matches
// everything.
type TimeRange struct {
	Start Bound
	End   Bound
}

// Between is the half-open range [from, to).
func Between(from, to time.Time) TimeRange {
	return TimeRange{Start: Inclusive(from), End: Exclusive(to)}
}

// Closed is the range [from, to].
func Closed(from, to time.Time) TimeRange {
	return TimeRange{Start: Inclusive(from), End: Inclusive(to)}
}

// All matches every timestamp.
func All() TimeRange {
	return TimeRange{}
}

// AfterStart reports whether t is not below the start bound.
func (r TimeRange) AfterStart(t time.Time) bool {
	switch r.Start.Kind {
	case Included:
		return !t.Before(r.Start.At)
	case Excluded:
		return t.After(r.Start.At)
	}
	return true
}

// BeforeEnd reports whether t is not above the end bound.
func (r TimeRange) BeforeEnd(t time.Time) bool {
	switch r.End.Kind {
	case Included:
		return !t.After(r.End.At)
	case Excluded:
		return t.Before(r.End.At)
	}
	return true
}

func (r TimeRange) Contains(t time.Time) bool {
	return r.AfterStart(t) && r.BeforeEnd(t)
}

func (r TimeRange) String() string {
	start, end := "(-inf", "+inf)"
	switch r.Start.Kind {
	case Included:
		start = "[" + r.Start.At.UTC().Format(time.RFC3339)
	case Excluded:
		start = "(" + r.Start.At.UTC().Format(time.RFC3339)
	}
	switch r.End.Kind {
	case Included:
		end = r.End.At.UTC().Format(time.RFC3339) + "]"
	case Excluded:
		end = r.End.At.UTC().Format(time.RFC3339) + ")"
	}
	return fmt.Sprintf("%s, %s", start, end)
}

// scoreBounds renders the range as ZRANGEBYSCORE min/max arguments. Scores are
// unix seconds; fractional bounds are kept so sub-second ends still compare
// correctly against whole-second scores.
func (r TimeRange) scoreBounds() (lo, hi string) {
	lo, hi = "-inf", "+inf"
	switch r.Start.Kind {
	case Included:
		lo = formatScore(r.Start.At)
	case Excluded:
		lo = "(" + formatScore(r.Start.At)
	}
	switch r.End.Kind {
	case Included:
		hi = formatScore(r.End.At)
	case Excluded:
		hi = "(" + formatScore(r.End.At)
	}
	return lo, hi
}

func formatScore(t time.Time) string {
	if t.Nanosecond() == 0 {
		return strconv.FormatInt(t.Unix(), 10)
	}
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', -1, 64)
}

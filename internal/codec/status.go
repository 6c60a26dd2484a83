package codec

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SourceID identifica de forma global un dispositivo (sensor, vehículo, etc).
// Se ordena por sus bytes en big-endian.
type SourceID [16]byte

// ParseSourceID parses the canonical textual UUID form.
func ParseSourceID(s string) (SourceID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return SourceID{}, fmt.Errorf("invalid source id %q: %w", s, err)
	}
	return SourceID(u), nil
}

// MustParseSourceID is ParseSourceID for constants and tests.
func MustParseSourceID(s string) SourceID {
	id, err := ParseSourceID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// NewSourceID returns a random (v4) id.
func NewSourceID() SourceID {
	return SourceID(uuid.New())
}

func (id SourceID) String() string {
	return uuid.UUID(id).String()
}

// Compare returns -1, 0 or +1.
func (id SourceID) Compare(other SourceID) int {
	return bytes.Compare(id[:], other[:])
}

func (id SourceID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *SourceID) UnmarshalText(b []byte) error {
	parsed, err := ParseSourceID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Position is a GPS coordinate, X = longitude, Y = latitude (degrees).
type Position struct {
	Lon float64
	Lat float64
}

// Valid reports whether the coordinate lies on the globe and is not the 0,0
// placeholder some devices send without a fix.
func (p Position) Valid() bool {
	if p.Lat == 0 && p.Lon == 0 {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// Status is one snapshot reported by a source at a given second.
type Status struct {
	SourceID  SourceID
	Timestamp time.Time
	Position  *Position
	// Bearing in radians, 0 at north, clockwise.
	Bearing *float64
	// Speed in meters per second.
	Speed *float64
}

// Key identifies a Status for deduplication.
type Key struct {
	SourceID SourceID
	Unix     int64
}

func (s Status) Key() Key {
	return Key{SourceID: s.SourceID, Unix: s.Timestamp.Unix()}
}

// Merge combines the optional fields of s and rhs. SourceID and Timestamp
// come from s; for every optional field rhs wins when it is set.
func (s Status) Merge(rhs Status) Status {
	out := Status{
		SourceID:  s.SourceID,
		Timestamp: s.Timestamp,
		Position:  s.Position,
		Bearing:   s.Bearing,
		Speed:     s.Speed,
	}
	if rhs.Position != nil {
		out.Position = rhs.Position
	}
	if rhs.Bearing != nil {
		out.Bearing = rhs.Bearing
	}
	if rhs.Speed != nil {
		out.Speed = rhs.Speed
	}
	return out
}

// Equal compares field values, not pointer identity. Timestamps are compared
// at second precision, which is all the wire format carries.
func (s Status) Equal(o Status) bool {
	if s.SourceID != o.SourceID || s.Timestamp.Unix() != o.Timestamp.Unix() {
		return false
	}
	if (s.Position == nil) != (o.Position == nil) {
		return false
	}
	if s.Position != nil && *s.Position != *o.Position {
		return false
	}
	return floatPtrEqual(s.Bearing, o.Bearing) && floatPtrEqual(s.Speed, o.Speed)
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s Status) String() string {
	return fmt.Sprintf("status{source=%s ts=%s}", s.SourceID, s.Timestamp.UTC().Format(time.RFC3339))
}

// Float returns a pointer to v, handy for building optional fields.
func Float(v float64) *float64 {
	return &v
}

package codec

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrMissingField     = errors.New("missing required field")
	ErrUnknownField     = errors.New("unknown field")
	ErrInvalidSourceID  = errors.New("source id must be 16 bytes")
	ErrInvalidTimestamp = errors.New("timestamp out of range")
)

// wireStatus es la forma en el cable; el orden de los campos es el orden de
// codificación.
type wireStatus struct {
	SourceID  *SourceID     `cbor:"sourceId"`
	Timestamp *uint64       `cbor:"timestamp"`
	Position  *wirePosition `cbor:"position,omitempty"`
	Bearing   *float64      `cbor:"bearing,omitempty"`
	Speed     *float64      `cbor:"speed,omitempty"`
}

type wirePosition struct {
	X *float64 `cbor:"x"`
	Y *float64 `cbor:"y"`
}

// peekStatus only cares about the id, for logging rejected frames.
type peekStatus struct {
	SourceID *SourceID `cbor:"sourceId"`
}

var (
	encMode  cbor.EncMode
	decMode  cbor.DecMode
	peekMode cbor.DecMode
)

func init() {
	var err error

	// Floats are written in the shortest width that keeps the value
	// (15.0 -> half precision), struct fields in declaration order.
	encMode, err = cbor.EncOptions{
		ShortestFloat: cbor.ShortestFloat16,
		IndefLength:   cbor.IndefLengthForbidden,
	}.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		FieldNameMatching: cbor.FieldNameMatchingCaseSensitive,
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		TagsMd:            cbor.TagsForbidden,
		MaxNestedLevels:   8,
		MaxArrayElements:  16,
		MaxMapPairs:       16,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}

	peekMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: CBOR peek decoder initialization failed: " + err.Error())
	}
}

func (id SourceID) MarshalCBOR() ([]byte, error) {
	return encMode.Marshal(id[:])
}

func (id *SourceID) UnmarshalCBOR(data []byte) error {
	var b []byte
	if err := decMode.Unmarshal(data, &b); err != nil {
		return err
	}
	if len(b) != len(id) {
		return fmt.Errorf("%w, got %d", ErrInvalidSourceID, len(b))
	}
	copy(id[:], b)
	return nil
}

// EncodeStatus returns the CBOR form of s.
func EncodeStatus(s Status) ([]byte, error) {
	w, err := toWire(s)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(w)
}

// DecodeStatus decodes exactly one record; trailing bytes are an error.
func DecodeStatus(data []byte) (Status, error) {
	var w wireStatus
	if err := decMode.Unmarshal(data, &w); err != nil {
		return Status{}, fmt.Errorf("decode status: %w", err)
	}
	return fromWire(w)
}

// DecodeFirst decodes the first record in data and returns the bytes after
// it. Truncated input yields an error wrapping io.ErrUnexpectedEOF (io.EOF
// when data is empty).
func DecodeFirst(data []byte) (Status, []byte, error) {
	var w wireStatus
	rest, err := decMode.UnmarshalFirst(data, &w)
	if err != nil {
		return Status{}, nil, fmt.Errorf("decode status: %w", err)
	}
	s, err := fromWire(w)
	if err != nil {
		return Status{}, nil, err
	}
	return s, rest, nil
}

// PeekSourceID tries to pull the source id out of a payload that may not be
// a valid Status.
func PeekSourceID(data []byte) (SourceID, bool) {
	var p peekStatus
	if _, err := peekMode.UnmarshalFirst(data, &p); err != nil || p.SourceID == nil {
		return SourceID{}, false
	}
	return *p.SourceID, true
}

func toWire(s Status) (wireStatus, error) {
	unix := s.Timestamp.Unix()
	if s.Timestamp.IsZero() || unix < 0 {
		return wireStatus{}, fmt.Errorf("encode status: %w: %s", ErrInvalidTimestamp, s.Timestamp)
	}
	id := s.SourceID
	ts := uint64(unix)
	w := wireStatus{
		SourceID:  &id,
		Timestamp: &ts,
		Bearing:   s.Bearing,
		Speed:     s.Speed,
	}
	if s.Position != nil {
		lon, lat := s.Position.Lon, s.Position.Lat
		w.Position = &wirePosition{X: &lon, Y: &lat}
	}
	return w, nil
}

func fromWire(w wireStatus) (Status, error) {
	if w.SourceID == nil {
		return Status{}, fmt.Errorf("decode status: %w: sourceId", ErrMissingField)
	}
	if w.Timestamp == nil {
		return Status{}, fmt.Errorf("decode status: %w: timestamp", ErrMissingField)
	}
	if *w.Timestamp > math.MaxInt64 {
		return Status{}, fmt.Errorf("decode status: %w: %d", ErrInvalidTimestamp, *w.Timestamp)
	}
	s := Status{
		SourceID:  *w.SourceID,
		Timestamp: time.Unix(int64(*w.Timestamp), 0).UTC(),
		Bearing:   w.Bearing,
		Speed:     w.Speed,
	}
	if w.Position != nil {
		if w.Position.X == nil || w.Position.Y == nil {
			return Status{}, fmt.Errorf("decode status: %w: position.x/position.y", ErrMissingField)
		}
		s.Position = &Position{Lon: *w.Position.X, Lat: *w.Position.Y}
	}
	return s, nil
}

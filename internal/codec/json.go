package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// jsonStatus mirrors the CBOR layout, with the id as a UUID string.
type jsonStatus struct {
	SourceID  *SourceID     `json:"sourceId"`
	Timestamp *int64        `json:"timestamp"`
	Position  *jsonPosition `json:"position,omitempty"`
	Bearing   *float64      `json:"bearing,omitempty"`
	Speed     *float64      `json:"speed,omitempty"`
}

type jsonPosition struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

func (s Status) MarshalJSON() ([]byte, error) {
	id := s.SourceID
	ts := s.Timestamp.Unix()
	js := jsonStatus{
		SourceID:  &id,
		Timestamp: &ts,
		Bearing:   s.Bearing,
		Speed:     s.Speed,
	}
	if s.Position != nil {
		lon, lat := s.Position.Lon, s.Position.Lat
		js.Position = &jsonPosition{X: &lon, Y: &lat}
	}
	return json.Marshal(js)
}

// UnmarshalJSON applies the same strictness as the CBOR decoder.
func (s *Status) UnmarshalJSON(data []byte) error {
	top, err := exactKeys(data, "sourceId", "timestamp", "position", "bearing", "speed")
	if err != nil {
		return err
	}
	if pos, ok := top["position"]; ok {
		if _, err := exactKeys(pos, "x", "y"); err != nil {
			return err
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var js jsonStatus
	if err := dec.Decode(&js); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	if js.SourceID == nil {
		return fmt.Errorf("decode status: %w: sourceId", ErrMissingField)
	}
	if js.Timestamp == nil {
		return fmt.Errorf("decode status: %w: timestamp", ErrMissingField)
	}
	if *js.Timestamp < 0 {
		return fmt.Errorf("decode status: %w: %d", ErrInvalidTimestamp, *js.Timestamp)
	}
	out := Status{
		SourceID:  *js.SourceID,
		Timestamp: time.Unix(*js.Timestamp, 0).UTC(),
		Bearing:   js.Bearing,
		Speed:     js.Speed,
	}
	if js.Position != nil {
		if js.Position.X == nil || js.Position.Y == nil {
			return fmt.Errorf("decode status: %w: position.x/position.y", ErrMissingField)
		}
		out.Position = &Position{Lon: *js.Position.X, Lat: *js.Position.Y}
	}
	*s = out
	return nil
}

// exactKeys fails when the object in data has a key outside allowed.
// encoding/json folds case when matching struct fields, so "SPEED" would
// otherwise land in speed.
func exactKeys(data []byte, allowed ...string) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	for key := range obj {
		if !slices.Contains(allowed, key) {
			return nil, fmt.Errorf("decode status: %w: %q", ErrUnknownField, key)
		}
	}
	return obj, nil
}

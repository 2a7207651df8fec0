package protocol

import (
	"encoding/json"
	"fmt"
)

// RequestID is the JSON-RPC id union: a string or an integer. Responses
// echo the request id verbatim, so both forms must round-trip exactly.
type RequestID struct {
	value any
}

// IntID returns an integer request id.
func IntID(v int64) *RequestID { return &RequestID{value: v} }

// StringID returns a string request id.
func StringID(v string) *RequestID { return &RequestID{value: v} }

// IsNil reports whether the id is absent.
func (id *RequestID) IsNil() bool { return id == nil || id.value == nil }

// Key returns a map-key representation. Integer and string forms never
// collide because the string form is quoted.
func (id *RequestID) Key() string {
	if id.IsNil() {
		return ""
	}
	switch v := id.value.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (id *RequestID) String() string {
	if id.IsNil() {
		return "<nil>"
	}
	return fmt.Sprintf("%v", id.value)
}

// MarshalJSON implements json.Marshaler.
func (id *RequestID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler. Numbers decode to int64
// when integral so that ids survive an encode round-trip unchanged.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		if num == float64(int64(num)) {
			id.value = int64(num)
		} else {
			id.value = num
		}
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		id.value = str
		return nil
	}
	return fmt.Errorf("request id must be a string or number, got %s", string(data))
}

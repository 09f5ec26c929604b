package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is an actor or target identifier. On the wire it is either a JSON
// string or a JSON integer, and it keeps that kind across a round trip.
type ID struct {
	value   string
	numeric bool
}

// StringID returns an identifier encoded as a JSON string.
func StringID(s string) ID { return ID{value: s} }

// IntID returns an identifier encoded as a JSON integer.
func IntID(n int64) ID { return ID{value: strconv.FormatInt(n, 10), numeric: true} }

// ParseID reads an identifier from its stored text form. Canonical base-10
// integers become numeric identifiers; anything else stays a string.
func ParseID(s string) ID {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && strconv.FormatInt(n, 10) == s {
		return IntID(n)
	}
	return StringID(s)
}

// String returns the text form used for storage and comparison.
func (id ID) String() string { return id.value }

// IsZero reports whether the identifier is empty.
func (id ID) IsZero() bool { return id.value == "" }

// Int64 returns the numeric value when the identifier is an integer.
func (id ID) Int64() (int64, bool) {
	if !id.numeric {
		return 0, false
	}
	n, err := strconv.ParseInt(id.value, 10, 64)
	return n, err == nil
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.numeric {
		return []byte(id.value), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler. Only strings and integers are
// accepted.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty identifier")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode identifier: %w", err)
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("identifier must be a string or an integer, got %s", data)
	}
	*id = IntID(n)
	return nil
}

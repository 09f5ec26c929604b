// Package diff reduces a full or partial entity update to the minimal set of
// fields whose values actually change.
package diff

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	audit "auditlog/pkg/platform/audit"
)

// IdentityField is never part of a change-set.
const IdentityField = "id"

// ErrInvalidField is matched by every *InvalidFieldError.
var ErrInvalidField = errors.New("invalid field")

// InvalidFieldError names an incoming field that the existing entity does not have.
type InvalidFieldError struct {
	Field string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("objects don't appear to be of the same type: field %q in incoming object not found in existing object", e.Field)
}

// Is lets errors.Is(err, ErrInvalidField) match.
func (e *InvalidFieldError) Is(target error) bool { return target == ErrInvalidField }

// Snapshot maps a field name to a scalar value: string, bool, nil, or any
// Go numeric type.
type Snapshot map[string]any

// ChangeSet maps each changed field to its incoming value.
type ChangeSet map[string]any

// Fields returns the changed field names in sorted order.
func (c ChangeSet) Fields() []string {
	fields := make([]string, 0, len(c))
	for f := range c {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Changes pairs every entry with its value in existing and returns the audit
// payload for a changed event. Values are taken from after when it has the
// field, so callers can report normalized stored values.
func (c ChangeSet) Changes(existing, after Snapshot) (audit.Changes, error) {
	changes := make(audit.Changes, len(c))
	for field, next := range c {
		if v, ok := after[field]; ok {
			next = v
		}
		ch, err := audit.NewChange(existing[field], next)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field, err)
		}
		changes[field] = ch
	}
	return changes, nil
}

// Compute compares incoming against existing and returns only the fields
// that differ. The identity field is skipped. A field missing from existing
// fails the whole computation with *InvalidFieldError and a nil result.
func Compute(existing, incoming Snapshot) (ChangeSet, error) {
	fields := make([]string, 0, len(incoming))
	for f := range incoming {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	out := ChangeSet{}
	for _, f := range fields {
		if f == IdentityField {
			continue
		}
		prev, ok := existing[f]
		if !ok {
			return nil, &InvalidFieldError{Field: f}
		}
		next := incoming[f]
		if !Equal(prev, next) {
			out[f] = next
		}
	}
	return out, nil
}

// Equal reports whether two scalar values are the same for diffing purposes.
// Values are compared strictly (numbers by value regardless of Go type),
// except that when either side is a bool both are compared loosely, so 1 and
// true, or "0" and false, are equal.
func Equal(a, b any) bool {
	if strictEqual(a, b) {
		return true
	}
	_, aBool := a.(bool)
	_, bBool := b.(bool)
	if !aBool && !bBool {
		return false
	}
	return looseEqual(a, b)
}

func strictEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if an, ok := toFloat(a); ok {
		bn, ok := toFloat(b)
		return ok && an == bn
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

// looseEqual follows abstract equality for scalars: null only equals null,
// booleans become 0 or 1, and strings are read as numbers when compared with
// a number.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if av, ok := a.(bool); ok {
		return looseEqual(boolNumber(av), b)
	}
	if bv, ok := b.(bool); ok {
		return looseEqual(a, boolNumber(bv))
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	switch {
	case aStr && bStr:
		return as == bs
	case aStr:
		bn, ok := toFloat(b)
		return ok && stringNumber(as) == bn
	case bStr:
		an, ok := toFloat(a)
		return ok && an == stringNumber(bs)
	}
	return strictEqual(a, b)
}

func boolNumber(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// stringNumber converts s the way a numeric comparison would: surrounding
// whitespace is ignored, the empty string is 0 and unparsable text is NaN.
func stringNumber(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

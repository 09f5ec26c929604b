package models

import (
	"fmt"

	dErrors "auditlog/pkg/domain-errors"
	"auditlog/pkg/platform/audit/diff"
)

// TargetType names users in audit events.
const TargetType = "users"

// Attribute names as they appear in requests, snapshots and audit changes.
const (
	FieldID        = "id"
	FieldName      = "name"
	FieldEmail     = "email"
	FieldAgreedTos = "agreedTos"
)

// User is one row of the users table.
type User struct {
	ID        int64
	Name      *string
	Email     *string
	AgreedTos bool
}

// Snapshot returns the user as a diff snapshot keyed by attribute name.
func (u *User) Snapshot() diff.Snapshot {
	return diff.Snapshot{
		FieldID:        u.ID,
		FieldName:      nullable(u.Name),
		FieldEmail:     nullable(u.Email),
		FieldAgreedTos: u.AgreedTos,
	}
}

// Attributes returns the user's non-identity attributes for responses.
func (u *User) Attributes() map[string]any {
	return map[string]any{
		FieldName:      u.Name,
		FieldEmail:     u.Email,
		FieldAgreedTos: u.AgreedTos,
	}
}

// Apply returns a copy of u with the change-set applied. Values are
// type-checked against the column they target.
func (u *User) Apply(cs diff.ChangeSet) (*User, error) {
	out := *u
	for _, field := range cs.Fields() {
		v := cs[field]
		switch field {
		case FieldName:
			s, err := stringOrNull(field, v)
			if err != nil {
				return nil, err
			}
			out.Name = s
		case FieldEmail:
			s, err := stringOrNull(field, v)
			if err != nil {
				return nil, err
			}
			out.Email = s
		case FieldAgreedTos:
			b, err := flag(field, v)
			if err != nil {
				return nil, err
			}
			out.AgreedTos = b
		default:
			return nil, dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("field %q cannot be changed", field))
		}
	}
	return &out, nil
}

// CreateRequest holds the attributes of a new user.
type CreateRequest struct {
	Name      *string `json:"name"`
	Email     *string `json:"email"`
	AgreedTos any     `json:"agreedTos"`
}

// User builds the row to insert.
func (r CreateRequest) User() (*User, error) {
	agreed := false
	if r.AgreedTos != nil {
		b, err := flag(FieldAgreedTos, r.AgreedTos)
		if err != nil {
			return nil, err
		}
		agreed = b
	}
	return &User{Name: r.Name, Email: r.Email, AgreedTos: agreed}, nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func stringOrNull(field string, v any) (*string, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case string:
		return &s, nil
	}
	return nil, dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("field %q must be a string or null", field))
}

// flag accepts booleans and the numbers 0 and 1.
func flag(field string, v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case float64:
		if b == 0 || b == 1 {
			return b == 1, nil
		}
	case int:
		if b == 0 || b == 1 {
			return b == 1, nil
		}
	}
	return false, dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("field %q must be a boolean, 0 or 1", field))
}

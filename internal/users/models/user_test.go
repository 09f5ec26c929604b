package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "auditlog/pkg/domain-errors"
	"auditlog/pkg/platform/audit/diff"
)

func ptr(s string) *string { return &s }

func TestApply(t *testing.T) {
	u := &User{ID: 1, Name: ptr("Kael"), Email: ptr("k@x.io")}

	out, err := u.Apply(diff.ChangeSet{"name": "Kael Shipman", "email": nil, "agreedTos": float64(1)})
	require.NoError(t, err)
	assert.Equal(t, "Kael Shipman", *out.Name)
	assert.Nil(t, out.Email)
	assert.True(t, out.AgreedTos)
	assert.Equal(t, "Kael", *u.Name, "original untouched")
}

func TestApply_RejectsBadTypes(t *testing.T) {
	u := &User{ID: 1}
	cases := []diff.ChangeSet{
		{"name": float64(3)},
		{"agreedTos": "yes"},
		{"agreedTos": float64(2)},
		{"id": float64(2)},
	}
	for _, cs := range cases {
		_, err := u.Apply(cs)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput), "%v", cs)
	}
}

func TestSnapshot_DiffsAgainstIncoming(t *testing.T) {
	u := &User{ID: 1, Name: ptr("Kael"), Email: ptr("k@x.io"), AgreedTos: false}

	cs, err := diff.Compute(u.Snapshot(), diff.Snapshot{"name": "Kael Shipman", "agreedTos": true})
	require.NoError(t, err)
	assert.Equal(t, diff.ChangeSet{"name": "Kael Shipman", "agreedTos": true}, cs)

	cs, err = diff.Compute(u.Snapshot(), diff.Snapshot{"agreedTos": float64(0), "id": float64(1)})
	require.NoError(t, err)
	assert.Empty(t, cs)
}

func TestCreateRequest_User(t *testing.T) {
	u, err := CreateRequest{Name: ptr("Ray"), AgreedTos: float64(0)}.User()
	require.NoError(t, err)
	assert.False(t, u.AgreedTos)
	assert.Nil(t, u.Email)

	_, err = CreateRequest{AgreedTos: "no"}.User()
	assert.Error(t, err)
}

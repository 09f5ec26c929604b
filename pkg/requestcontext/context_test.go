package requestcontext

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAccessors(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, UserID(ctx))
	assert.Empty(t, RequestID(ctx))

	fixed := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	ctx = WithUserID(ctx, "42")
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithTime(ctx, fixed)

	assert.Equal(t, "42", UserID(ctx))
	assert.Equal(t, "req-1", RequestID(ctx))
	assert.Equal(t, fixed, Now(ctx))
}

func TestNow_FallsBackToClock(t *testing.T) {
	before := time.Now()
	assert.False(t, Now(context.Background()).Before(before))
}

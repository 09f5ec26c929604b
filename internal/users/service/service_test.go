package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"auditlog/internal/users/models"
	"auditlog/internal/users/store"
	dErrors "auditlog/pkg/domain-errors"
	audit "auditlog/pkg/platform/audit"
	"auditlog/pkg/requestcontext"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingEmitter) Emit(_ context.Context, e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

type ServiceSuite struct {
	suite.Suite
	store   *store.InMemoryStore
	emitter *recordingEmitter
	svc     *Service
	ctx     context.Context
	now     time.Time
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func ptr(s string) *string { return &s }

func (s *ServiceSuite) SetupTest() {
	s.store = store.NewInMemoryStore()
	s.emitter = &recordingEmitter{}
	s.svc = New(s.store, s.emitter, nil)
	s.now = time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	s.ctx = requestcontext.WithTime(requestcontext.WithUserID(context.Background(), "1"), s.now)
}

func (s *ServiceSuite) seedKael() int64 {
	id, err := s.store.Create(context.Background(), &models.User{Name: ptr("Kael"), Email: ptr("k@x.io")})
	s.Require().NoError(err)
	return id
}

func (s *ServiceSuite) TestUpdateEmitsOneBatchedEvent() {
	id := s.seedKael()

	u, err := s.svc.Update(s.ctx, id, map[string]any{"name": "Kael Shipman", "agreedTos": true})
	s.Require().NoError(err)
	s.Equal("Kael Shipman", *u.Name)
	s.True(u.AgreedTos)

	s.Require().Len(s.emitter.events, 1)
	ev := s.emitter.events[0]
	s.Equal(audit.ActionChanged, ev.Action)
	s.Equal(s.now, ev.Timestamp)
	s.Equal("1", ev.ActorID.String())
	s.Equal("users", ev.TargetType)
	s.Require().Len(ev.Changes, 2)
	s.JSONEq(`"Kael"`, string(ev.Changes["name"].Prev))
	s.JSONEq(`"Kael Shipman"`, string(ev.Changes["name"].Next))
	s.JSONEq(`false`, string(ev.Changes["agreedTos"].Prev))
	s.JSONEq(`true`, string(ev.Changes["agreedTos"].Next))

	stored, err := s.store.FindByID(context.Background(), id)
	s.Require().NoError(err)
	s.Equal("k@x.io", *stored.Email)
}

func (s *ServiceSuite) TestUpdateReportsNormalizedValue() {
	id := s.seedKael()

	_, err := s.svc.Update(s.ctx, id, map[string]any{"agreedTos": float64(1)})
	s.Require().NoError(err)
	s.Require().Len(s.emitter.events, 1)
	s.JSONEq(`true`, string(s.emitter.events[0].Changes["agreedTos"].Next))
}

func (s *ServiceSuite) TestNoOpUpdateEmitsNothing() {
	id := s.seedKael()

	u, err := s.svc.Update(s.ctx, id, map[string]any{"id": float64(id), "name": "Kael", "agreedTos": float64(0)})
	s.Require().NoError(err)
	s.Equal("Kael", *u.Name)
	s.Empty(s.emitter.events)
}

func (s *ServiceSuite) TestUnknownFieldIsInvalidInput() {
	id := s.seedKael()

	_, err := s.svc.Update(s.ctx, id, map[string]any{"age": float64(3)})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	s.Contains(err.Error(), "age")
	s.Empty(s.emitter.events)
}

func (s *ServiceSuite) TestUpdateMissingUser() {
	_, err := s.svc.Update(s.ctx, 99, map[string]any{"name": "x"})
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestGetEmitsViewed() {
	id := s.seedKael()

	_, err := s.svc.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Require().Len(s.emitter.events, 1)
	s.Equal(audit.ActionViewed, s.emitter.events[0].Action)

	_, err = s.svc.Get(s.ctx, 404)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	s.Len(s.emitter.events, 1)
}

func (s *ServiceSuite) TestCreateEmitsCreated() {
	u, err := s.svc.Create(s.ctx, models.CreateRequest{Name: ptr("Ray"), AgreedTos: float64(0)})
	s.Require().NoError(err)
	s.NotZero(u.ID)

	s.Require().Len(s.emitter.events, 1)
	ev := s.emitter.events[0]
	s.Equal(audit.ActionCreated, ev.Action)
	id, ok := ev.TargetID.Int64()
	s.True(ok)
	s.Equal(u.ID, id)
}

func (s *ServiceSuite) TestDeleteEmitsOnlyWhenRemoved() {
	id := s.seedKael()

	s.Require().NoError(s.svc.Delete(s.ctx, id))
	s.Require().NoError(s.svc.Delete(s.ctx, id))
	s.Require().Len(s.emitter.events, 1)
	s.Equal(audit.ActionDeleted, s.emitter.events[0].Action)
}

type failingStore struct{ Store }

func (failingStore) Delete(context.Context, int64) (bool, error) {
	return false, errors.New("db down")
}

func TestDelete_StoreFailureIsInternal(t *testing.T) {
	svc := New(failingStore{}, &recordingEmitter{}, nil)
	err := svc.Delete(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInternal))
}

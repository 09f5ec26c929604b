//go:build integration

package store_test

import (
	"context"
	"testing"

	"auditlog/internal/users/models"
	"auditlog/internal/users/store"
	"auditlog/pkg/platform/sentinel"
	"auditlog/pkg/testutil/containers"

	"github.com/stretchr/testify/suite"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
	s.Require().NoError(s.store.EnsureSchema(context.Background()))
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "users"))
}

func strPtr(v string) *string { return &v }

func (s *PostgresStoreSuite) TestCreateAndFind() {
	ctx := context.Background()
	id, err := s.store.Create(ctx, &models.User{Name: strPtr("Kael"), AgreedTos: true})
	s.Require().NoError(err)
	s.Equal(int64(1), id)

	u, err := s.store.FindByID(ctx, id)
	s.Require().NoError(err)
	s.Equal(id, u.ID)
	s.Require().NotNil(u.Name)
	s.Equal("Kael", *u.Name)
	s.Nil(u.Email)
	s.True(u.AgreedTos)
}

func (s *PostgresStoreSuite) TestFindMissing() {
	_, err := s.store.FindByID(context.Background(), 404)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestUpdateWritesOnlyNamedFields() {
	ctx := context.Background()
	id, err := s.store.Create(ctx, &models.User{Name: strPtr("Kael"), Email: strPtr("old@example.com")})
	s.Require().NoError(err)

	next := &models.User{ID: id, Name: strPtr("Kael Shipman"), Email: strPtr("ignored@example.com")}
	s.Require().NoError(s.store.Update(ctx, next, []string{models.FieldName}))

	u, err := s.store.FindByID(ctx, id)
	s.Require().NoError(err)
	s.Equal("Kael Shipman", *u.Name)
	s.Equal("old@example.com", *u.Email)
}

func (s *PostgresStoreSuite) TestUpdateMissing() {
	err := s.store.Update(context.Background(), &models.User{ID: 99}, []string{models.FieldAgreedTos})
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestDelete() {
	ctx := context.Background()
	id, err := s.store.Create(ctx, &models.User{})
	s.Require().NoError(err)

	removed, err := s.store.Delete(ctx, id)
	s.Require().NoError(err)
	s.True(removed)

	removed, err = s.store.Delete(ctx, id)
	s.Require().NoError(err)
	s.False(removed)
}

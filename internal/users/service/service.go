// Package service implements the users resource and emits an audit event
// for every read and write.
package service

import (
	"context"
	"errors"
	"log/slog"

	"auditlog/internal/users/models"
	dErrors "auditlog/pkg/domain-errors"
	audit "auditlog/pkg/platform/audit"
	"auditlog/pkg/platform/audit/diff"
	"auditlog/pkg/platform/sentinel"
	"auditlog/pkg/requestcontext"
)

// Store persists users.
type Store interface {
	FindByID(ctx context.Context, id int64) (*models.User, error)
	Create(ctx context.Context, u *models.User) (int64, error)
	Update(ctx context.Context, u *models.User, fields []string) error
	Delete(ctx context.Context, id int64) (bool, error)
}

// Emitter publishes audit events on a best-effort basis.
type Emitter interface {
	Emit(ctx context.Context, event audit.Event)
}

// Service coordinates user storage and audit emission.
type Service struct {
	store   Store
	emitter Emitter
	logger  *slog.Logger
}

func New(store Store, emitter Emitter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, emitter: emitter, logger: logger}
}

// Get returns the user and records that the caller viewed it.
func (s *Service) Get(ctx context.Context, id int64) (*models.User, error) {
	u, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, audit.NewViewed, id)
	return u, nil
}

// Create inserts a user and records its creation.
func (s *Service) Create(ctx context.Context, req models.CreateRequest) (*models.User, error) {
	u, err := req.User()
	if err != nil {
		return nil, err
	}
	id, err := s.store.Create(ctx, u)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create user")
	}
	u.ID = id
	s.emit(ctx, audit.NewCreated, id)
	return u, nil
}

// Update applies only the attributes that differ from the stored user and
// records them as one changed event. A request that changes nothing writes
// nothing and emits nothing.
func (s *Service) Update(ctx context.Context, id int64, attrs map[string]any) (*models.User, error) {
	existing, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}

	cs, err := diff.Compute(existing.Snapshot(), diff.Snapshot(attrs))
	if err != nil {
		if errors.Is(err, diff.ErrInvalidField) {
			return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, err.Error())
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to compare user")
	}
	if len(cs) == 0 {
		return existing, nil
	}

	updated, err := existing.Apply(cs)
	if err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, updated, cs.Fields()); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "user not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to update user")
	}

	changes, err := cs.Changes(existing.Snapshot(), updated.Snapshot())
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to build audit changes", "user_id", id, "error", err)
		return updated, nil
	}
	event, err := audit.NewChanged(s.actor(ctx), target(id), changes)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to build audit event", "user_id", id, "error", err)
		return updated, nil
	}
	s.emitter.Emit(ctx, event.WithTimestamp(requestcontext.Now(ctx)))
	return updated, nil
}

// Delete removes the user. The deletion is recorded only if a row existed.
func (s *Service) Delete(ctx context.Context, id int64) error {
	removed, err := s.store.Delete(ctx, id)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to delete user")
	}
	if removed {
		s.emit(ctx, audit.NewDeleted, id)
	}
	return nil
}

// FindForToken looks a user up without recording a view.
func (s *Service) FindForToken(ctx context.Context, id int64) (*models.User, error) {
	return s.find(ctx, id)
}

func (s *Service) find(ctx context.Context, id int64) (*models.User, error) {
	u, err := s.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "user not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load user")
	}
	return u, nil
}

func (s *Service) emit(ctx context.Context, build func(actor, target audit.Ref) (audit.Event, error), id int64) {
	event, err := build(s.actor(ctx), target(id))
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to build audit event", "user_id", id, "error", err)
		return
	}
	s.emitter.Emit(ctx, event.WithTimestamp(requestcontext.Now(ctx)))
}

func (s *Service) actor(ctx context.Context) audit.Ref {
	return audit.Ref{Type: models.TargetType, ID: audit.ParseID(requestcontext.UserID(ctx))}
}

func target(id int64) audit.Ref {
	return audit.Ref{Type: models.TargetType, ID: audit.IntID(id)}
}

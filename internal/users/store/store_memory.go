package store

import (
	"context"
	"sync"

	"auditlog/internal/users/models"
	"auditlog/pkg/platform/sentinel"
)

// InMemoryStore keeps users in process.
type InMemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	users  map[int64]models.User
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{users: make(map[int64]models.User)}
}

func (s *InMemoryStore) FindByID(_ context.Context, id int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &u, nil
}

func (s *InMemoryStore) Create(_ context.Context, u *models.User) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	row := *u
	row.ID = s.nextID
	s.users[row.ID] = row
	return row.ID, nil
}

func (s *InMemoryStore) Update(_ context.Context, u *models.User, fields []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.users[u.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	for _, f := range fields {
		switch f {
		case models.FieldName:
			row.Name = u.Name
		case models.FieldEmail:
			row.Email = u.Email
		case models.FieldAgreedTos:
			row.AgreedTos = u.AgreedTos
		}
	}
	s.users[u.ID] = row
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return false, nil
	}
	delete(s.users, id)
	return true, nil
}

package store

import (
	"fmt"

	"virtualworld/internal/apperr"
	"virtualworld/internal/domain"
)

const userPrefix = "user/"

func userKey(id string) string { return userPrefix + id }

// PutUser creates or overwrites a user row. Callers mutating an existing
// user's balance must hold its row lock first.
func (s *Store) PutUser(u domain.User) error {
	return s.putJSON(userKey(u.ID), u)
}

// GetUser fetches a user by id.
func (s *Store) GetUser(id string) (domain.User, error) {
	var u domain.User
	ok, err := s.getJSON(userKey(id), &u)
	if err != nil {
		return domain.User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	if !ok {
		return domain.User{}, apperr.New(apperr.KindNotFound, "user %s not found", id)
	}
	return u, nil
}

// ListUsers returns every non-deleted user. Used sparingly (admin/audit
// paths), not on hot request paths.
func (s *Store) ListUsers() ([]domain.User, error) {
	var out []domain.User
	err := s.iteratePrefix(userPrefix, func(_, value []byte) bool {
		var u domain.User
		if jsonUnmarshal(value, &u) == nil && u.DeletedAt == nil {
			out = append(out, u)
		}
		return true
	})
	return out, err
}

package store

import (
	"virtualworld/internal/apperr"
	"virtualworld/internal/domain"
)

const sessionPrefix = "session/"

func sessionKey(id string) string { return sessionPrefix + id }

// PutChatSession creates or overwrites a session row. For land-proximity
// sessions the id is itself the room id (`land_<x>_<y>`), so no secondary
// index is needed to find one from the other.
func (s *Store) PutChatSession(cs domain.ChatSession) error {
	return s.putJSON(sessionKey(cs.ID), cs)
}

// GetChatSession fetches a session by id.
func (s *Store) GetChatSession(id string) (domain.ChatSession, error) {
	var cs domain.ChatSession
	ok, err := s.getJSON(sessionKey(id), &cs)
	if err != nil {
		return domain.ChatSession{}, err
	}
	if !ok {
		return domain.ChatSession{}, apperr.New(apperr.KindNotFound, "chat session %s not found", id)
	}
	return cs, nil
}

// ListChatSessions returns every non-deleted session.
func (s *Store) ListChatSessions() ([]domain.ChatSession, error) {
	var out []domain.ChatSession
	err := s.iteratePrefix(sessionPrefix, func(_, value []byte) bool {
		var cs domain.ChatSession
		if jsonUnmarshal(value, &cs) == nil && cs.DeletedAt == nil {
			out = append(out, cs)
		}
		return true
	})
	return out, err
}

package store

import (
	"time"

	"virtualworld/internal/apperr"
	"virtualworld/internal/domain"
)

const msgPrefix = "msg/"

func msgKey(m domain.Message) string {
	return msgPrefix + m.SessionID + "/" + timeOrderKey(m.CreatedAt, m.ID)
}

// PutMessage stores a message, keyed so that iterating its session's prefix
// in key order yields chronological order (history is served in reverse of
// this).
func (s *Store) PutMessage(m domain.Message) error {
	return s.putJSON(msgKey(m), m)
}

// GetMessageByID scans a session's messages for one matching id. Used by
// read-receipt and tombstone operations, which already know the session.
func (s *Store) GetMessageByID(sessionID, id string) (domain.Message, error) {
	var found domain.Message
	ok := false
	err := s.iteratePrefix(msgPrefix+sessionID+"/", func(_, value []byte) bool {
		var m domain.Message
		if jsonUnmarshal(value, &m) == nil && m.ID == id {
			found = m
			ok = true
			return false
		}
		return true
	})
	if err != nil {
		return domain.Message{}, err
	}
	if !ok {
		return domain.Message{}, apperr.New(apperr.KindNotFound, "message %s not found", id)
	}
	return found, nil
}

// HistoryBefore returns up to limit messages in a session older than
// cursor (exclusive), newest first. cursor zero-value means "from the most
// recent message". Callers enforce the history limit cap.
func (s *Store) HistoryBefore(sessionID string, cursorID string, limit int) ([]domain.Message, error) {
	var all []domain.Message
	err := s.iteratePrefix(msgPrefix+sessionID+"/", func(_, value []byte) bool {
		var m domain.Message
		if jsonUnmarshal(value, &m) == nil {
			all = append(all, m)
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	// all is chronological (oldest first) because of the time-ordered key;
	// reverse to newest-first and cut at the cursor.
	out := make([]domain.Message, 0, limit)
	cutIdx := len(all)
	if cursorID != "" {
		for i, m := range all {
			if m.ID == cursorID {
				cutIdx = i
				break
			}
		}
	}
	for i := cutIdx - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// UnreadLeaveMessages returns undelivered leave-messages for a session
// whose owner has not yet read them.
func (s *Store) UnreadLeaveMessages(sessionID string) ([]domain.Message, error) {
	var out []domain.Message
	err := s.iteratePrefix(msgPrefix+sessionID+"/", func(_, value []byte) bool {
		var m domain.Message
		if jsonUnmarshal(value, &m) == nil && m.IsLeaveMessage && !m.ReadByOwner {
			out = append(out, m)
		}
		return true
	})
	return out, err
}

// UnreadCountForSession counts unread leave-messages in a session, used by
// the per-land unread-count endpoint.
func (s *Store) UnreadCountForSession(sessionID string) (int, error) {
	msgs, err := s.UnreadLeaveMessages(sessionID)
	return len(msgs), err
}

// DeleteMessagesBefore removes every message in a session created before
// cutoff. Used by the chat retention sweep.
func (s *Store) DeleteMessagesBefore(sessionID string, cutoff time.Time) (int, error) {
	var keys [][]byte
	err := s.iteratePrefix(msgPrefix+sessionID+"/", func(key, value []byte) bool {
		var m domain.Message
		if jsonUnmarshal(value, &m) == nil && m.CreatedAt.Before(cutoff) {
			keys = append(keys, append([]byte(nil), key...))
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := s.db.Delete(k, nil); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

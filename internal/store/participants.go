package store

// Session participation is a two-way index maintained by the chat service:
// a user becomes a participant of a session the first time they join its
// room or send a message into it. Listing a caller's sessions reads the
// user-side index only.

const (
	participantPrefix     = "sessionuser/" // userID/sessionID -> ""
	participantBackPrefix = "usersession/" // sessionID/userID -> ""
)

// AddSessionParticipant records userID as a participant of sessionID.
// Idempotent.
func (s *Store) AddSessionParticipant(sessionID, userID string) error {
	if err := s.db.Put([]byte(participantPrefix+userID+"/"+sessionID), nil, nil); err != nil {
		return err
	}
	return s.db.Put([]byte(participantBackPrefix+sessionID+"/"+userID), nil, nil)
}

// SessionIDsForUser returns the ids of every session userID participates in.
func (s *Store) SessionIDsForUser(userID string) ([]string, error) {
	prefix := participantPrefix + userID + "/"
	var out []string
	err := s.iteratePrefix(prefix, func(key, _ []byte) bool {
		out = append(out, string(key[len(prefix):]))
		return true
	})
	return out, err
}

// ParticipantIDsForSession returns the ids of every user participating in
// sessionID.
func (s *Store) ParticipantIDsForSession(sessionID string) ([]string, error) {
	prefix := participantBackPrefix + sessionID + "/"
	var out []string
	err := s.iteratePrefix(prefix, func(key, _ []byte) bool {
		out = append(out, string(key[len(prefix):]))
		return true
	})
	return out, err
}

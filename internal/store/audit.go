package store

import (
	"virtualworld/internal/domain"
)

const auditPrefix = "audit/"

func auditKey(e domain.AuditEntry) string {
	return auditPrefix + timeOrderKey(e.CreatedAt, e.ID)
}

// AppendAudit writes one append-only audit-log row.
func (s *Store) AppendAudit(e domain.AuditEntry) error {
	return s.putJSON(auditKey(e), e)
}

// QueryAudit returns audit entries newest-first, optionally filtered by
// actor and/or subject id, up to limit (0 means unbounded). Internal-only
// surface for moderation tooling.
func (s *Store) QueryAudit(actorID, subjectID string, limit int) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	err := s.iteratePrefix(auditPrefix, func(_, value []byte) bool {
		var e domain.AuditEntry
		if jsonUnmarshal(value, &e) != nil {
			return true
		}
		if actorID != "" && e.ActorID != actorID {
			return true
		}
		if subjectID != "" && e.SubjectID != subjectID {
			return true
		}
		out = append(out, e)
		return true
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

package store

import (
	"virtualworld/internal/apperr"
	"virtualworld/internal/domain"
)

const txPrefix = "tx/"

func txKey(t domain.Transaction) string {
	return txPrefix + timeOrderKey(t.CreatedAt, t.ID)
}

// PutTransaction appends a ledger row. Transactions are never overwritten;
// callers that need to correct a mistake append a compensating row instead.
func (s *Store) PutTransaction(t domain.Transaction) error {
	return s.putJSON(txKey(t), t)
}

// GetTransaction fetches a transaction by id, scanning the time-ordered
// keyspace since its position depends on CreatedAt. Used rarely (by id
// lookups from audit tooling); hot paths use ListTransactions instead.
func (s *Store) GetTransaction(id string) (domain.Transaction, error) {
	var found domain.Transaction
	ok := false
	err := s.iteratePrefix(txPrefix, func(_, value []byte) bool {
		var t domain.Transaction
		if jsonUnmarshal(value, &t) == nil && t.ID == id {
			found = t
			ok = true
			return false
		}
		return true
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	if !ok {
		return domain.Transaction{}, apperr.New(apperr.KindNotFound, "transaction %s not found", id)
	}
	return found, nil
}

// ListTransactions returns transactions in reverse-chronological order,
// optionally filtered by source, up to limit (0 means unbounded).
func (s *Store) ListTransactions(source domain.TxSource, limit int) ([]domain.Transaction, error) {
	var out []domain.Transaction
	err := s.iteratePrefix(txPrefix, func(_, value []byte) bool {
		var t domain.Transaction
		if jsonUnmarshal(value, &t) != nil {
			return true
		}
		if source != "" && t.Source != source {
			return true
		}
		out = append(out, t)
		return true
	})
	if err != nil {
		return nil, err
	}
	reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func reverse(txs []domain.Transaction) {
	for i, j := 0, len(txs)-1; i < j; i, j = i+1, j-1 {
		txs[i], txs[j] = txs[j], txs[i]
	}
}

// TransactionsForLand returns every transaction touching a land id, newest
// first, used by the audit-trail endpoint when filtering by a land.
func (s *Store) TransactionsForLand(landID string) ([]domain.Transaction, error) {
	var out []domain.Transaction
	err := s.iteratePrefix(txPrefix, func(_, value []byte) bool {
		var t domain.Transaction
		if jsonUnmarshal(value, &t) == nil && t.LandID == landID {
			out = append(out, t)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

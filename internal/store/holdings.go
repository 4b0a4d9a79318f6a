package store

import (
	"virtualworld/internal/domain"
)

const holdingPrefix = "holding/"

func holdingKey(userID string, b domain.Biome) string {
	return holdingPrefix + userID + "/" + string(b)
}

// PutHolding creates or overwrites a user's position in one biome.
func (s *Store) PutHolding(h domain.Holding) error {
	return s.putJSON(holdingKey(h.UserID, h.Biome), h)
}

// GetHolding fetches a user's holding in a biome, returning the zero value
// (zero shares) rather than NotFound if the user has never traded it —
// every user implicitly holds zero of every biome.
func (s *Store) GetHolding(userID string, b domain.Biome) (domain.Holding, error) {
	var h domain.Holding
	ok, err := s.getJSON(holdingKey(userID, b), &h)
	if err != nil {
		return domain.Holding{}, err
	}
	if !ok {
		return domain.Holding{UserID: userID, Biome: b}, nil
	}
	return h, nil
}

// HoldingsForUser returns every biome the user holds a nonzero position in.
func (s *Store) HoldingsForUser(userID string) ([]domain.Holding, error) {
	var out []domain.Holding
	err := s.iteratePrefix(holdingPrefix+userID+"/", func(_, value []byte) bool {
		var h domain.Holding
		if jsonUnmarshal(value, &h) == nil && h.Shares.IsPositive() {
			out = append(out, h)
		}
		return true
	})
	return out, err
}

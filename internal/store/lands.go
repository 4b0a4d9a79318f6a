package store

import (
	"fmt"

	"virtualworld/internal/apperr"
	"virtualworld/internal/domain"
)

const (
	landPrefix      = "land/"
	landCoordPrefix = "landxy/"
)

func landKey(id string) string { return landPrefix + id }

func landCoordKey(x, y int) string {
	return fmt.Sprintf("%s%d_%d", landCoordPrefix, x, y)
}

// PutLand creates or overwrites a land row and its coordinate index.
func (s *Store) PutLand(l domain.Land) error {
	if err := s.putJSON(landKey(l.ID), l); err != nil {
		return err
	}
	return s.db.Put([]byte(landCoordKey(l.X, l.Y)), []byte(l.ID), nil)
}

// GetLand fetches a land parcel by id.
func (s *Store) GetLand(id string) (domain.Land, error) {
	var l domain.Land
	ok, err := s.getJSON(landKey(id), &l)
	if err != nil {
		return domain.Land{}, fmt.Errorf("get land %s: %w", id, err)
	}
	if !ok {
		return domain.Land{}, apperr.New(apperr.KindNotFound, "land %s not found", id)
	}
	return l, nil
}

// GetLandByCoord looks up land by its integer coordinates.
func (s *Store) GetLandByCoord(x, y int) (domain.Land, error) {
	idBytes, err := s.db.Get([]byte(landCoordKey(x, y)), nil)
	if err != nil {
		return domain.Land{}, apperr.New(apperr.KindNotFound, "land at (%d,%d) not found", x, y)
	}
	return s.GetLand(string(idBytes))
}

// LandsForOwner returns every land parcel owned by ownerID.
func (s *Store) LandsForOwner(ownerID string) ([]domain.Land, error) {
	var out []domain.Land
	err := s.iteratePrefix(landPrefix, func(_, value []byte) bool {
		var l domain.Land
		if jsonUnmarshal(value, &l) == nil && l.OwnerID == ownerID {
			out = append(out, l)
		}
		return true
	})
	return out, err
}

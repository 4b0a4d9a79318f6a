package store

import (
	"virtualworld/internal/apperr"
	"virtualworld/internal/domain"
)

const biomeMarketPrefix = "biomemarket/"

func biomeMarketKey(b domain.Biome) string { return biomeMarketPrefix + string(b) }

// PutBiomeMarket creates or overwrites one of the seven biome market rows.
func (s *Store) PutBiomeMarket(m domain.BiomeMarket) error {
	return s.putJSON(biomeMarketKey(m.Biome), m)
}

// GetBiomeMarket fetches a single biome's market row.
func (s *Store) GetBiomeMarket(b domain.Biome) (domain.BiomeMarket, error) {
	var m domain.BiomeMarket
	ok, err := s.getJSON(biomeMarketKey(b), &m)
	if err != nil {
		return domain.BiomeMarket{}, err
	}
	if !ok {
		return domain.BiomeMarket{}, apperr.New(apperr.KindNotFound, "biome market %s not found", b)
	}
	return m, nil
}

// AllBiomeMarkets returns all seven rows in the canonical domain.Biomes
// order, erroring if any is missing (the engine seeds all seven at
// startup; a hole means the store was never initialized).
func (s *Store) AllBiomeMarkets() ([]domain.BiomeMarket, error) {
	out := make([]domain.BiomeMarket, 0, len(domain.Biomes))
	for _, b := range domain.Biomes {
		m, err := s.GetBiomeMarket(b)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

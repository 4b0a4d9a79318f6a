package store

import (
	"virtualworld/internal/domain"
)

const attentionAccumPrefix = "attentionaccum/" // biome -> float64 accumulator, durable mirror of marketengine's in-memory counters

func attentionAccumKey(b domain.Biome) string { return attentionAccumPrefix + string(b) }

// SaveAttentionAccumulator persists the in-memory per-biome attention
// counter at a cycle boundary so a restart does not silently drop
// attention accrued since the last flush.
func (s *Store) SaveAttentionAccumulator(b domain.Biome, weight float64) error {
	return s.putJSON(attentionAccumKey(b), weight)
}

// LoadAttentionAccumulators reads the last-flushed per-biome accumulators,
// used only to seed the in-memory counters on process start.
func (s *Store) LoadAttentionAccumulators() (map[domain.Biome]float64, error) {
	out := make(map[domain.Biome]float64, len(domain.Biomes))
	for _, b := range domain.Biomes {
		var w float64
		ok, err := s.getJSON(attentionAccumKey(b), &w)
		if err != nil {
			return nil, err
		}
		if ok {
			out[b] = w
		}
	}
	return out, nil
}

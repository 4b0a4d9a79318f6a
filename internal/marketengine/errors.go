package marketengine

import (
	"virtualworld/internal/apperr"
	"virtualworld/internal/domain"
)

func errInvalidBiome(b domain.Biome) error {
	return apperr.New(apperr.KindValidation, "unknown biome %q", b)
}

var errNegativeWeight = apperr.New(apperr.KindValidation, "attention weight must be non-negative")

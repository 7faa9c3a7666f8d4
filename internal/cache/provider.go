// Package cache keeps the static inputs fetched by the conversion engine
// so a re-run of the same entity does not download them again.
package cache

import (
	"context"
	"strings"

	"github.com/OSM-es/CatAtomApi/internal/artifact"
	"github.com/OSM-es/CatAtomApi/internal/domain"
)

// SplitsFile is the cached split list of an entity.
const SplitsFile = "splits.json"

// Provider stores and restores the static inputs of an entity.
type Provider interface {
	// Seed copies the cached inputs of code into dst and returns how many
	// files were copied.
	Seed(ctx context.Context, code string, dst *artifact.Store) (int, error)

	// Store collects the static inputs found in src into the cache.
	Store(ctx context.Context, code string, src *artifact.Store) (int, error)

	// Splits returns the cached split list of code, nil when unknown.
	Splits(ctx context.Context, code string) ([]domain.Split, error)

	// SaveSplits caches the split list of code.
	SaveSplits(ctx context.Context, code string, splits []domain.Split) error
}

// isInput reports whether a job root file is a static engine input.
func isInput(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".zip")
}

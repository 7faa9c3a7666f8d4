package cache

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/OSM-es/CatAtomApi/internal/artifact"
	"github.com/OSM-es/CatAtomApi/internal/domain"
	"github.com/OSM-es/CatAtomApi/internal/logger"
)

// LocalProvider keeps the cache in <dir>/<code>/.
type LocalProvider struct {
	dir string
}

func NewLocalProvider(dir string) *LocalProvider {
	return &LocalProvider{dir: dir}
}

func (p *LocalProvider) entity(code string) *artifact.Store {
	return artifact.New(filepath.Join(p.dir, code))
}

func (p *LocalProvider) Seed(ctx context.Context, code string, dst *artifact.Store) (int, error) {
	src := p.entity(code)
	names, err := src.List("")
	if err != nil {
		return 0, err
	}

	copied := 0
	for _, name := range names {
		if !isInput(name) || dst.Exists(name) {
			continue
		}
		if err := src.CopyTo(dst, name, name); err != nil {
			return copied, fmt.Errorf("seed %s: %w", name, err)
		}
		copied++
	}
	if copied > 0 {
		logger.With(logger.Fields{logger.FieldEntity: code, logger.FieldCount: copied}).
			Debug(ctx, "Seeded job from local cache")
	}
	return copied, nil
}

func (p *LocalProvider) Store(ctx context.Context, code string, src *artifact.Store) (int, error) {
	dst := p.entity(code)
	names, err := src.List("")
	if err != nil {
		return 0, err
	}

	stored := 0
	for _, name := range names {
		if !isInput(name) {
			continue
		}
		if err := src.CopyTo(dst, name, name); err != nil {
			return stored, fmt.Errorf("cache %s: %w", name, err)
		}
		stored++
	}
	return stored, nil
}

func (p *LocalProvider) Splits(_ context.Context, code string) ([]domain.Split, error) {
	var splits []domain.Split
	if _, err := p.entity(code).ReadJSON(SplitsFile, &splits); err != nil {
		return nil, err
	}
	return splits, nil
}

// SaveSplits caches the split list of code.
func (p *LocalProvider) SaveSplits(_ context.Context, code string, splits []domain.Split) error {
	return p.entity(code).WriteJSON(SplitsFile, splits)
}

package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/OSM-es/CatAtomApi/internal/artifact"
	"github.com/OSM-es/CatAtomApi/internal/domain"
	"github.com/OSM-es/CatAtomApi/internal/logger"
	"github.com/OSM-es/CatAtomApi/internal/storage"
)

// ObjectProvider keeps the cache in an object store under <prefix>/<code>/.
type ObjectProvider struct {
	store  storage.ObjectStorage
	prefix string
}

func NewObjectProvider(store storage.ObjectStorage, prefix string) *ObjectProvider {
	return &ObjectProvider{store: store, prefix: strings.Trim(prefix, "/")}
}

func (p *ObjectProvider) key(code, name string) string {
	return path.Join(p.prefix, code, name)
}

func (p *ObjectProvider) Seed(ctx context.Context, code string, dst *artifact.Store) (int, error) {
	keys, err := p.store.List(ctx, p.key(code, "")+"/")
	if err != nil {
		return 0, err
	}

	copied := 0
	for _, key := range keys {
		name := path.Base(key)
		if !isInput(name) || dst.Exists(name) {
			continue
		}
		if err := p.download(ctx, key, dst, name); err != nil {
			return copied, err
		}
		copied++
	}
	if copied > 0 {
		logger.With(logger.Fields{logger.FieldEntity: code, logger.FieldCount: copied}).
			Debug(ctx, "Seeded job from object cache")
	}
	return copied, nil
}

func (p *ObjectProvider) download(ctx context.Context, key string, dst *artifact.Store, name string) error {
	rc, err := p.store.Download(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	target, err := dst.Path(name)
	if err != nil {
		return err
	}
	if err := dst.Create(); err != nil {
		return err
	}
	f, err := os.Create(target + ".tmp")
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return fmt.Errorf("download %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return dst.Move(name+".tmp", name)
}

func (p *ObjectProvider) Store(ctx context.Context, code string, src *artifact.Store) (int, error) {
	names, err := src.List("")
	if err != nil {
		return 0, err
	}

	stored := 0
	for _, name := range names {
		if !isInput(name) {
			continue
		}
		if err := p.upload(ctx, src, name, p.key(code, name)); err != nil {
			return stored, err
		}
		stored++
	}
	return stored, nil
}

func (p *ObjectProvider) upload(ctx context.Context, src *artifact.Store, name, key string) error {
	full, err := src.Path(name)
	if err != nil {
		return err
	}
	f, err := os.Open(full)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return p.store.Upload(ctx, key, f, info.Size(), "application/zip")
}

func (p *ObjectProvider) Splits(ctx context.Context, code string) ([]domain.Split, error) {
	rc, err := p.store.Download(ctx, p.key(code, SplitsFile))
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer rc.Close()

	var splits []domain.Split
	if err := json.NewDecoder(rc).Decode(&splits); err != nil {
		return nil, fmt.Errorf("decode splits of %s: %w", code, err)
	}
	return splits, nil
}

func (p *ObjectProvider) SaveSplits(ctx context.Context, code string, splits []domain.Split) error {
	data, err := json.Marshal(splits)
	if err != nil {
		return fmt.Errorf("encode splits of %s: %w", code, err)
	}
	return p.store.Upload(ctx, p.key(code, SplitsFile), bytes.NewReader(data), int64(len(data)), "application/json")
}

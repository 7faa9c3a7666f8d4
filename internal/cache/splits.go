package cache

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/OSM-es/CatAtomApi/internal/domain"
	"github.com/OSM-es/CatAtomApi/internal/logger"
)

// SplitClient fetches split lists from a remote reference service.
type SplitClient struct {
	client  *resty.Client
	baseURL string
}

func NewSplitClient(baseURL string, timeout time.Duration) *SplitClient {
	client := resty.New()
	client.SetHeader("Accept", "application/json")
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &SplitClient{client: client, baseURL: strings.TrimSuffix(baseURL, "/")}
}

type splitsResponse struct {
	Splits []domain.Split `json:"splits"`
	Error  string         `json:"error,omitempty"`
}

// Splits returns the splits of code. A 404 answer yields no splits.
func (c *SplitClient) Splits(ctx context.Context, code string) ([]domain.Split, error) {
	var resp splitsResponse
	httpResp, err := c.client.R().
		SetContext(ctx).
		SetResult(&resp).
		SetError(&resp).
		Get(c.baseURL + "/splits/" + code)
	if err != nil {
		return nil, fmt.Errorf("failed to call split service: %w", err)
	}

	switch httpResp.StatusCode() {
	case http.StatusOK:
		return resp.Splits, nil
	case http.StatusNotFound:
		return nil, nil
	default:
		if resp.Error != "" {
			return nil, fmt.Errorf("split service error: %s", resp.Error)
		}
		return nil, fmt.Errorf("split service error: status %d", httpResp.StatusCode())
	}
}

// SplitSource looks up the splits of an entity.
type SplitSource interface {
	Splits(ctx context.Context, code string) ([]domain.Split, error)
}

// CachedSplits answers from the cache and asks Remote only when the
// cache has no list. Remote answers are written back to the cache.
type CachedSplits struct {
	Cache  Provider
	Remote SplitSource
}

func (c *CachedSplits) Splits(ctx context.Context, code string) ([]domain.Split, error) {
	splits, cacheErr := c.Cache.Splits(ctx, code)
	if cacheErr == nil && len(splits) > 0 {
		return splits, nil
	}
	if c.Remote == nil {
		return nil, cacheErr
	}
	splits, err := c.Remote.Splits(ctx, code)
	if err != nil {
		return nil, err
	}
	if len(splits) > 0 {
		if err := c.Cache.SaveSplits(ctx, code, splits); err != nil {
			logger.With(logger.Fields{logger.FieldEntity: code}).Warn(ctx, "Failed to cache splits: %v", err)
		}
	}
	return splits, nil
}

// Package catalog keeps a per-scope cache of the upstream model catalog,
// refreshed opportunistically after successful calls.
package catalog

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/authrotator/internal/config"
	apperrors "github.com/openclaw/authrotator/internal/errors"
)

type Model struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Syncer refreshes the catalog for one scope. Sync is a no-op while the
// cached entry is within its TTL.
type Syncer interface {
	Sync(ctx context.Context, scope, accessToken string) error
}

type cachedCatalog struct {
	models    []Model
	fetchedAt time.Time
}

type HTTPSyncer struct {
	endpoint string
	client   *http.Client
	ttl      time.Duration

	mu    sync.Mutex
	cache map[string]cachedCatalog
}

func NewHTTPSyncer(endpoint string) *HTTPSyncer {
	return &HTTPSyncer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: config.UpstreamCallTimeout},
		ttl:      config.CatalogTTL,
		cache:    make(map[string]cachedCatalog),
	}
}

// Models returns the cached catalog for a scope, nil when never synced.
func (s *HTTPSyncer) Models(scope string) []Model {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache[scope].models
}

func (s *HTTPSyncer) Sync(ctx context.Context, scope, accessToken string) error {
	s.mu.Lock()
	entry, ok := s.cache[scope]
	s.mu.Unlock()
	if ok && time.Since(entry.fetchedAt) < s.ttl {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return apperrors.Upstream(resp.StatusCode, nil)
	}

	var payload struct {
		Models []Model `json:"models"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache[scope] = cachedCatalog{models: payload.Models, fetchedAt: time.Now()}
	s.mu.Unlock()

	log.Debug().Str("scope", scope).Int("models", len(payload.Models)).Msg("model catalog synced")
	return nil
}

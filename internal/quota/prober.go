package quota

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/authrotator/internal/config"
	apperrors "github.com/openclaw/authrotator/internal/errors"
	"github.com/openclaw/authrotator/internal/model"
)

// Prober fetches the current rate-limit snapshot for an identity's scope.
type Prober interface {
	Probe(ctx context.Context, accessToken string) (*model.QuotaSnapshot, error)
}

type HTTPProber struct {
	endpoint string
	client   *http.Client
}

func NewHTTPProber(endpoint string) *HTTPProber {
	return &HTTPProber{
		endpoint: endpoint,
		client:   &http.Client{Timeout: config.UpstreamCallTimeout},
	}
}

func (p *HTTPProber) Probe(ctx context.Context, accessToken string) (*model.QuotaSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		log.Warn().Int("status", resp.StatusCode).Msg("quota probe failed")
		return nil, apperrors.Upstream(resp.StatusCode, nil)
	}

	var payload struct {
		Limits []struct {
			Name     string  `json:"name"`
			LeftPct  float64 `json:"left_pct"`
			ResetsAt int64   `json:"resets_at"`
		} `json:"limits"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	snap := &model.QuotaSnapshot{}
	for _, l := range payload.Limits {
		snap.Windows = append(snap.Windows, model.LimitWindow{
			Name:     l.Name,
			LeftPct:  l.LeftPct,
			ResetsAt: l.ResetsAt,
		})
	}
	return snap, nil
}

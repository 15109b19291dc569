package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/authrotator/internal/config"
	apperrors "github.com/openclaw/authrotator/internal/errors"
)

// Refreshed is the outcome of one token refresh. RefreshToken may be empty
// when the upstream does not rotate refresh tokens.
type Refreshed struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64
}

// Refresher performs the network half of the refresh protocol. It is always
// called outside the storage lock.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Refreshed, error)
}

// HTTPRefresher exchanges a refresh token at a standard OAuth token
// endpoint.
type HTTPRefresher struct {
	endpoint string
	clientID string
	client   *http.Client
	now      func() time.Time
}

func NewHTTPRefresher(endpoint, clientID string) *HTTPRefresher {
	return &HTTPRefresher{
		endpoint: endpoint,
		clientID: clientID,
		client:   &http.Client{Timeout: config.UpstreamCallTimeout},
		now:      time.Now,
	}
}

func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (*Refreshed, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {r.clientID},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Error().Int("status", resp.StatusCode).Msg("token refresh rejected")
		return nil, apperrors.Upstream(resp.StatusCode, nil)
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, err
	}
	if tokenResp.AccessToken == "" {
		return nil, apperrors.Upstream(resp.StatusCode, fmt.Errorf("empty access token"))
	}

	return &Refreshed{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		ExpiresAt:    r.now().UnixMilli() + tokenResp.ExpiresIn*1000,
	}, nil
}

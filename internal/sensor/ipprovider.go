package sensor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// HTTPProvider resolves the caller's approximate location from a JSON
// endpoint shaped like ipapi.co's.
type HTTPProvider struct {
	Endpoint  string
	UserAgent string
	Client    *http.Client
}

func NewHTTPProvider(endpoint, userAgent string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		Endpoint:  endpoint,
		UserAgent: userAgent,
		Client:    &http.Client{Timeout: timeout},
	}
}

type ipResponse struct {
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	City        string   `json:"city"`
	Region      string   `json:"region"`
	CountryName string   `json:"country_name"`
}

func (p *HTTPProvider) Lookup(ctx context.Context) (IPLocation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.Endpoint, nil)
	if err != nil {
		return IPLocation{}, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Accept", "application/json")
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return IPLocation{}, errors.Wrapf(ErrProviderUnavailable, "request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return IPLocation{}, errors.Wrapf(ErrProviderUnavailable, "status %d: %s", resp.StatusCode, string(body))
	}

	var r ipResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return IPLocation{}, errors.Wrapf(ErrProviderUnavailable, "decode response: %v", err)
	}
	if r.Latitude == nil || r.Longitude == nil {
		return IPLocation{}, errors.Wrap(ErrProviderUnavailable, "response carried no coordinates")
	}

	return IPLocation{
		Latitude:    *r.Latitude,
		Longitude:   *r.Longitude,
		City:        r.City,
		Region:      r.Region,
		CountryName: r.CountryName,
	}, nil
}

package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Practice is what the directory knows about a therapy practice.
type Practice struct {
	EID             string `json:"e_id"`
	Name            string `json:"name"`
	Phone           string `json:"phone"`
	Address         string `json:"address,omitempty"`
	OpeningHoursRaw string `json:"opening_hours_raw"`
}

var (
	ErrNotFound    = errors.New("practice not found")
	ErrUnavailable = errors.New("directory unavailable")
)

// Lookup resolves a practice by its directory id.
type Lookup interface {
	Practice(ctx context.Context, eID string) (Practice, error)
}

// HTTPClient reads practices from the directory service.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Practice(ctx context.Context, eID string) (Practice, error) {
	eID = strings.TrimSpace(eID)
	if eID == "" {
		return Practice{}, ErrNotFound
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/practices/"+url.PathEscape(eID), nil)
	if err != nil {
		return Practice{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Practice{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Practice{}, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Practice{}, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var p Practice
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Practice{}, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	if p.EID == "" {
		p.EID = eID
	}
	return p, nil
}

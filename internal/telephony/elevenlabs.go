package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"practice-dialer/internal/config"
)

// ElevenLabsProvider talks to the conversational AI batch-calling API.
type ElevenLabsProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewElevenLabsProvider(cfg config.ElevenLabsConfig) *ElevenLabsProvider {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ElevenLabsProvider{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *ElevenLabsProvider) Name() string { return "elevenlabs" }

func (p *ElevenLabsProvider) SubmitBatch(ctx context.Context, req BatchRequest) (BatchResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return BatchResult{}, fmt.Errorf("encode batch: %w", err)
	}
	var out BatchResult
	if err := p.do(ctx, http.MethodPost, "/batch-calling/submit", body, &out); err != nil {
		return BatchResult{}, err
	}
	if out.ID == "" {
		return BatchResult{}, fmt.Errorf("%w: submit returned no batch id", ErrProvider)
	}
	return out, nil
}

func (p *ElevenLabsProvider) CancelBatch(ctx context.Context, batchID string) error {
	if strings.TrimSpace(batchID) == "" {
		return fmt.Errorf("%w: empty batch id", ErrProvider)
	}
	return p.do(ctx, http.MethodPost, "/batch-calling/"+url.PathEscape(batchID)+"/cancel", nil, nil)
}

func (p *ElevenLabsProvider) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrProvider, err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrProvider, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrProvider, method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrProvider, path, err)
	}
	return nil
}

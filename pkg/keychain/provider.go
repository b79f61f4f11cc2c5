package keychain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPTokenProvider derives tokens from an external token service over HTTP.
// The service receives the credential name and derive parameters and answers
// with {"token": "...", "expires_in": <seconds>}.
type HTTPTokenProvider struct {
	client *resty.Client
}

// NewHTTPTokenProvider builds a provider against baseURL.
func NewHTTPTokenProvider(baseURL string, timeout time.Duration) *HTTPTokenProvider {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &HTTPTokenProvider{client: client}
}

type deriveRequest struct {
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params,omitempty"`
}

type deriveResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	Error     string `json:"error,omitempty"`
}

// Derive requests a fresh token for the named credential.
func (p *HTTPTokenProvider) Derive(ctx context.Context, name string, params json.RawMessage) ([]byte, time.Duration, error) {
	var out deriveResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(deriveRequest{Name: name, Params: params}).
		SetResult(&out).
		Post("/v1/tokens/derive")
	if err != nil {
		return nil, 0, fmt.Errorf("token provider request failed: %w", err)
	}
	if resp.IsError() {
		return nil, 0, fmt.Errorf("token provider returned %s: %s", resp.Status(), out.Error)
	}
	if out.Token == "" {
		return nil, 0, fmt.Errorf("token provider returned empty token for %s", name)
	}
	return []byte(out.Token), time.Duration(out.ExpiresIn) * time.Second, nil
}

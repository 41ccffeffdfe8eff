package rtc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// EdgeIssuer requests credentials from the token-signing service over HTTPS.
// Token signing stays server-side so the RTC app certificate never ships
// with clients or lives in this process.
type EdgeIssuer struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
}

type EdgeIssuerConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

func NewEdgeIssuer(cfg EdgeIssuerConfig) (*EdgeIssuer, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("rtc: token service base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	return &EdgeIssuer{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

func (e *EdgeIssuer) Name() string { return "edge-token-service" }

type issueTokenRequest struct {
	ChannelName string `json:"channelName"`
	UID         uint32 `json:"uid"`
	Role        string `json:"role"`
	ExpireTime  int64  `json:"expireTime"`
}

type issueTokenResponse struct {
	Token string `json:"token"`
	Error string `json:"error,omitempty"`
}

func (e *EdgeIssuer) IssueToken(ctx context.Context, req IssueRequest) (Credential, error) {
	if req.ChannelName == "" {
		return Credential{}, errors.New("rtc: channel name is required")
	}
	if req.UID == 0 {
		return Credential{}, errors.New("rtc: uid must be non-zero")
	}
	if req.ExpireAt.IsZero() {
		return Credential{}, errors.New("rtc: expire time is required")
	}

	body := issueTokenRequest{
		ChannelName: req.ChannelName,
		UID:         req.UID,
		Role:        string(req.Role),
		ExpireTime:  req.ExpireAt.Unix(),
	}

	var resp issueTokenResponse
	if err := e.post(ctx, body, &resp); err != nil {
		return Credential{}, fmt.Errorf("rtc: issue token for channel %s: %w", req.ChannelName, err)
	}
	if resp.Token == "" {
		return Credential{}, fmt.Errorf("rtc: token service returned empty token for channel %s", req.ChannelName)
	}

	return Credential{
		Token:     resp.Token,
		UID:       req.UID,
		ExpiresAt: req.ExpireAt,
	}, nil
}

// post sends the request with retries on transport and 5xx failures.
// 4xx responses are terminal; the request will not get better.
func (e *EdgeIssuer) post(ctx context.Context, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.retryDelay * time.Duration(1<<(attempt-1))):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if e.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+e.apiKey)
		}

		resp, err := e.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("read response: %w", readErr)
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			return nil
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server error (status %d): %s", resp.StatusCode, string(respBody))
			continue
		default:
			return fmt.Errorf("client error (status %d): %s", resp.StatusCode, string(respBody))
		}
	}
	return fmt.Errorf("request failed after %d retries: %w", e.maxRetries, lastErr)
}

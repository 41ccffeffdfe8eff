package notify

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

// EdgeNotifier posts notifications to the push/in-app dispatch endpoint.
type EdgeNotifier struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type EdgeNotifierConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func NewEdgeNotifier(cfg EdgeNotifierConfig) (*EdgeNotifier, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("notify: edge URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &EdgeNotifier{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (e *EdgeNotifier) Notify(ctx context.Context, n Notification) error {
	if n.UserID == "" || n.Type == "" {
		return errors.New("notify: userId and type are required")
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: dispatch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("notify: dispatch status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

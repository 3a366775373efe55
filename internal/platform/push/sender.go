// Package push provides the push notification gateway backed by an HTTP
// provider.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Sender delivers a push notification to a single device.
type Sender interface {
	Send(ctx context.Context, deviceToken, title, body string) error
}

// HTTPSender posts notifications to a push provider's REST endpoint.
type HTTPSender struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   zerolog.Logger
}

// NewHTTPSender builds an HTTPSender.
func NewHTTPSender(endpoint, apiKey string, logger zerolog.Logger) *HTTPSender {
	return &HTTPSender{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

type sendRequest struct {
	DeviceToken string `json:"device_token"`
	Title       string `json:"title"`
	Body        string `json:"body"`
}

// Send posts one notification to the provider. Any non-2xx response is an
// error.
func (s *HTTPSender) Send(ctx context.Context, deviceToken, title, body string) error {
	payload, err := json.Marshal(sendRequest{DeviceToken: deviceToken, Title: title, Body: body})
	if err != nil {
		return fmt.Errorf("encode push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("push provider request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.logger.Error().Int("status", resp.StatusCode).Msg("push provider rejected message")
		return fmt.Errorf("push provider returned status %d", resp.StatusCode)
	}
	return nil
}

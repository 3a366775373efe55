// Package sms provides the SMS delivery gateway backed by an HTTP provider.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Sender delivers a single SMS message.
type Sender interface {
	Send(ctx context.Context, to, body string) error
}

// HTTPSender posts messages to an SMS provider's REST endpoint.
type HTTPSender struct {
	endpoint string
	apiKey   string
	from     string
	client   *http.Client
	logger   zerolog.Logger
}

// NewHTTPSender builds an HTTPSender. The client timeout is a backstop; the
// dispatcher bounds each send with its own per-channel deadline.
func NewHTTPSender(endpoint, apiKey, from string, logger zerolog.Logger) *HTTPSender {
	return &HTTPSender{
		endpoint: endpoint,
		apiKey:   apiKey,
		from:     from,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

type sendRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message"`
}

// Send posts one message to the provider. Any non-2xx response is an error.
func (s *HTTPSender) Send(ctx context.Context, to, body string) error {
	payload, err := json.Marshal(sendRequest{From: s.from, To: to, Message: body})
	if err != nil {
		return fmt.Errorf("encode sms request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms provider request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.logger.Error().Int("status", resp.StatusCode).Msg("sms provider rejected message")
		return fmt.Errorf("sms provider returned status %d", resp.StatusCode)
	}
	return nil
}

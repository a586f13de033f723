// Package carrier implements ports.SMSProvider against the upstream
// carrier's HTTP submission endpoint, classifying failures so the
// dispatcher knows what to retry.
package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"sms-dispatch-engine/internal/domain"
	"sms-dispatch-engine/internal/ports"
)

// Client submits messages to the carrier over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a Client targeting the given base URL.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type sendRequest struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Body      string `json:"body"`
	Encoding  string `json:"encoding"`
	Segments  int    `json:"segments"`
}

type sendResponse struct {
	ProviderRef string `json:"provider_ref"`
	ErrorCode   string `json:"error_code"`
}

// Send posts the message to the carrier's /messages endpoint. Network and
// 5xx/429 failures come back transient; 4xx rejections are permanent.
func (c *Client) Send(ctx context.Context, msg domain.Message) (ports.SendResult, error) {
	payload := sendRequest{
		MessageID: msg.ID.String(),
		From:      msg.From,
		To:        msg.To,
		Body:      msg.Body,
		Encoding:  msg.Encoding,
		Segments:  msg.Segments,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return ports.SendResult{}, fmt.Errorf("marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return ports.SendResult{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ports.SendResult{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	var sr sendResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&sr)

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		if decodeErr != nil {
			return ports.SendResult{}, &ports.ProviderError{Code: "BAD_RESPONSE", Transient: true, Err: decodeErr}
		}
		if sr.ProviderRef == "" {
			return ports.SendResult{}, &ports.ProviderError{Code: "MISSING_REF", Transient: true}
		}
		return ports.SendResult{ProviderRef: sr.ProviderRef}, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return ports.SendResult{}, &ports.ProviderError{
			Code:      codeOr(sr.ErrorCode, fmt.Sprintf("HTTP_%d", resp.StatusCode)),
			Transient: true,
		}

	default:
		// Auth failures, malformed destinations, provider-side rejections.
		return ports.SendResult{}, &ports.ProviderError{
			Code:      codeOr(sr.ErrorCode, fmt.Sprintf("HTTP_%d", resp.StatusCode)),
			Transient: false,
		}
	}
}

// classifyTransportError treats timeouts and connection faults as transient.
func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &ports.ProviderError{Code: "NETWORK", Transient: true, Err: err}
	}
	return &ports.ProviderError{Code: "TRANSPORT", Transient: true, Err: err}
}

func codeOr(code, fallback string) string {
	if code != "" {
		return code
	}
	return fallback
}

// Package collector provides an HTTP client for the collector's registration handshake.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/testinsights/internal/logging"
	"github.com/xiaot623/testinsights/internal/protocol"
)

// ErrStreamingUnavailable is returned when the collector accepted the handshake
// but did not hand out streaming connection parameters.
var ErrStreamingUnavailable = errors.New("collector response has no streaming parameters")

// DefaultTimeout bounds the handshake when no positive timeout is configured.
const DefaultTimeout = 10 * time.Second

// Client is an HTTP client for the collector handshake endpoint.
type Client struct {
	url        string
	token      string
	httpClient *http.Client
	log        *logrus.Entry
}

// NewClient creates a new collector client. Every request is bounded by
// timeout, or by DefaultTimeout when timeout is not positive.
func NewClient(url, token string, timeout time.Duration, logger logrus.FieldLogger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		url:   url,
		token: token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: logging.Component(logger, "collector"),
	}
}

// Authorization returns the Authorization header value used for the handshake
// and the streaming connection.
func (c *Client) Authorization() string {
	return protocol.AuthorizationHeader(c.token)
}

// Contact registers the run with the collector and returns the streaming
// connection parameters.
func (c *Client) Contact(ctx context.Context, runKey string) (*protocol.ContactResponse, error) {
	body, err := json.Marshal(&protocol.ContactRequest{RunKey: runKey})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal contact request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", c.Authorization())
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to contact collector: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		var errResp protocol.ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return nil, fmt.Errorf("collector error: %s", errResp.Error)
		}
		return nil, fmt.Errorf("collector returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var contactResp protocol.ContactResponse
	if err := json.NewDecoder(resp.Body).Decode(&contactResp); err != nil {
		return nil, fmt.Errorf("failed to decode contact response: %w", err)
	}
	if contactResp.Cable == "" || contactResp.Channel == "" {
		return nil, ErrStreamingUnavailable
	}

	c.log.WithFields(logrus.Fields{
		"run_key": runKey,
		"channel": contactResp.Channel,
	}).Debug("collector handshake completed")

	return &contactResp, nil
}

// RunKey returns the configured run key, or a freshly generated one.
func RunKey(configured string) string {
	if configured != "" {
		return configured
	}
	return uuid.NewString()
}

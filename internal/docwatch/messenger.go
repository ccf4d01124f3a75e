package docwatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type MessengerOptions struct {
	BaseURL       string
	TokenProvider AccessTokenProvider
	HTTPClient    *http.Client
}

// HTTPThreadMessenger posts notification text to the chat-platform
// integration layer. One endpoint, one verb: everything else about message
// rendering lives on the other side of this boundary.
type HTTPThreadMessenger struct {
	baseURL       string
	tokenProvider AccessTokenProvider
	httpClient    *http.Client
}

func NewHTTPThreadMessenger(opts MessengerOptions) *HTTPThreadMessenger {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8090"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPThreadMessenger{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
	}
}

func (m *HTTPThreadMessenger) SendThreadMessage(ctx context.Context, notifyTargetID, text string) error {
	if m == nil {
		return fmt.Errorf("messenger is nil")
	}
	if strings.TrimSpace(notifyTargetID) == "" || strings.TrimSpace(text) == "" {
		return ErrInvalidInput
	}
	payload, err := json.Marshal(map[string]string{
		"threadId": notifyTargetID,
		"text":     text,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.tokenProvider != nil {
		token, err := m.tokenProvider(ctx)
		if err != nil {
			return err
		}
		if strings.TrimSpace(token) != "" {
			req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
		}
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	code, message := parseUpstreamError(body)
	if code != "" {
		return fmt.Errorf("thread message failed: status=%d code=%s message=%s", resp.StatusCode, code, message)
	}
	return fmt.Errorf("thread message failed: status=%d message=%s", resp.StatusCode, message)
}

package docwatch

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
)

// WebhookRegistrar manages push subscriptions with the content service.
// Push is best effort: registration failures are non-fatal and tracking
// continues on polling alone.
type WebhookRegistrar interface {
	Register(ctx context.Context, documentID string, docType DocType) bool
	Deregister(ctx context.Context, documentID string, docType DocType) bool
}

type RegistrarOptions struct {
	BaseURL       string
	CallbackURL   string
	TokenProvider AccessTokenProvider
	HTTPClient    *http.Client
	Logger        Logger
}

type HTTPWebhookRegistrar struct {
	baseURL       string
	callbackURL   string
	tokenProvider AccessTokenProvider
	httpClient    *http.Client
	logger        Logger
}

func NewHTTPWebhookRegistrar(opts RegistrarOptions) *HTTPWebhookRegistrar {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://open.docs.example.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPWebhookRegistrar{
		baseURL:       baseURL,
		callbackURL:   strings.TrimSpace(opts.CallbackURL),
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		logger:        opts.Logger,
	}
}

type subscriptionRequest struct {
	DocumentID  string `json:"documentId"`
	Type        string `json:"type"`
	CallbackURL string `json:"callbackUrl,omitempty"`
}

func (r *HTTPWebhookRegistrar) Register(ctx context.Context, documentID string, docType DocType) bool {
	if r == nil || strings.TrimSpace(documentID) == "" {
		return false
	}
	err := r.doSubscription(ctx, http.MethodPost, "/v1/subscriptions", subscriptionRequest{
		DocumentID:  documentID,
		Type:        string(docType),
		CallbackURL: r.callbackURL,
	})
	if err != nil {
		r.logf("webhook registration failed for %s, tracking degraded to poll-only: %v", documentID, err)
		return false
	}
	return true
}

func (r *HTTPWebhookRegistrar) Deregister(ctx context.Context, documentID string, docType DocType) bool {
	if r == nil || strings.TrimSpace(documentID) == "" {
		return false
	}
	requestPath := fmt.Sprintf("/v1/subscriptions/%s?type=%s", url.PathEscape(documentID), url.QueryEscape(string(docType)))
	if err := r.doSubscription(ctx, http.MethodDelete, requestPath, nil); err != nil {
		r.logf("webhook deregistration failed for %s: %v", documentID, err)
		return false
	}
	return true
}

func (r *HTTPWebhookRegistrar) doSubscription(ctx context.Context, method, requestPath string, body any) error {
	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.tokenProvider != nil {
		token, err := r.tokenProvider(ctx)
		if err != nil {
			return err
		}
		if strings.TrimSpace(token) != "" {
			req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
		}
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	respBody, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	// Deleting an already-absent subscription is a success for our purposes.
	if method == http.MethodDelete && resp.StatusCode == http.StatusNotFound {
		return nil
	}
	code, message := parseUpstreamError(respBody)
	if code != "" {
		return fmt.Errorf("subscription request failed: status=%d code=%s message=%s", resp.StatusCode, code, message)
	}
	return fmt.Errorf("subscription request failed: status=%d message=%s", resp.StatusCode, message)
}

func (r *HTTPWebhookRegistrar) logf(format string, args ...any) {
	if r == nil || r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}

// NoopRegistrar disables push entirely; detection runs on polling alone.
type NoopRegistrar struct{}

func (NoopRegistrar) Register(ctx context.Context, documentID string, docType DocType) bool {
	return false
}

func (NoopRegistrar) Deregister(ctx context.Context, documentID string, docType DocType) bool {
	return true
}

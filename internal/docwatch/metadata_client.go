package docwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// MetadataClient is the read boundary to the external content service.
type MetadataClient interface {
	FetchMetadata(ctx context.Context, documentID string, docType DocType) (Metadata, error)
	FetchContent(ctx context.Context, documentID string, docType DocType) (string, error)
}

type AccessTokenProvider func(ctx context.Context) (string, error)

type MetadataClientOptions struct {
	BaseURL           string
	TokenProvider     AccessTokenProvider
	HTTPClient        *http.Client
	UserAgent         string
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Burst             int
}

// HTTPMetadataClient fetches document metadata and content over HTTP.
// Transient failures (network, 429, 5xx) are retried with exponential
// backoff and ±20% jitter; access failures (404, 403, 410) surface
// immediately as *AccessError. All requests pass through a token-bucket
// rate limiter so a large tracked set cannot exhaust upstream quota.
type HTTPMetadataClient struct {
	baseURL       string
	tokenProvider AccessTokenProvider
	httpClient    *http.Client
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	limiter       *rate.Limiter
	jitter        func(time.Duration) time.Duration
}

func NewHTTPMetadataClient(opts MetadataClientOptions) *HTTPMetadataClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://open.docs.example.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 8 * time.Second
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 8.0
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 10
	}
	return &HTTPMetadataClient{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		limiter:       rate.NewLimiter(rate.Limit(rps), burst),
		jitter:        jitterDelay,
	}
}

type metadataPayload struct {
	DocumentID     string `json:"documentId"`
	Type           string `json:"type"`
	Title          string `json:"title"`
	OwnerID        string `json:"ownerId"`
	LastEditorID   string `json:"lastModifiedBy"`
	LastModifiedAt int64  `json:"lastModifiedAt"`
	Revision       int64  `json:"revision"`
}

type contentPayload struct {
	DocumentID string `json:"documentId"`
	Content    string `json:"content"`
}

func (c *HTTPMetadataClient) FetchMetadata(ctx context.Context, documentID string, docType DocType) (Metadata, error) {
	if strings.TrimSpace(documentID) == "" {
		return Metadata{}, ErrInvalidInput
	}
	requestPath := fmt.Sprintf("/v1/documents/%s/metadata?type=%s", url.PathEscape(documentID), url.QueryEscape(string(docType)))
	var payload metadataPayload
	if err := c.doJSON(ctx, documentID, requestPath, &payload); err != nil {
		return Metadata{}, err
	}
	meta := Metadata{
		DocumentID:     payload.DocumentID,
		DocType:        NormalizeDocType(payload.Type),
		Title:          payload.Title,
		OwnerID:        payload.OwnerID,
		LastEditorID:   payload.LastEditorID,
		LastModifiedAt: payload.LastModifiedAt,
		Revision:       payload.Revision,
	}
	if meta.DocumentID == "" {
		meta.DocumentID = documentID
	}
	return meta, nil
}

func (c *HTTPMetadataClient) FetchContent(ctx context.Context, documentID string, docType DocType) (string, error) {
	if strings.TrimSpace(documentID) == "" {
		return "", ErrInvalidInput
	}
	requestPath := fmt.Sprintf("/v1/documents/%s/content?type=%s", url.PathEscape(documentID), url.QueryEscape(string(docType)))
	var payload contentPayload
	if err := c.doJSON(ctx, documentID, requestPath, &payload); err != nil {
		return "", err
	}
	return payload.Content, nil
}

func (c *HTTPMetadataClient) doJSON(ctx context.Context, documentID, requestPath string, out any) error {
	if c == nil {
		return fmt.Errorf("metadata client is nil")
	}
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+requestPath, nil)
		if err != nil {
			return err
		}
		if c.tokenProvider != nil {
			token, err := c.tokenProvider(ctx)
			if err != nil {
				return err
			}
			if strings.TrimSpace(token) != "" {
				req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
			}
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return &TransientError{Err: err}
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(body) == 0 {
				return nil
			}
			return json.Unmarshal(body, out)
		}

		errCode, errMessage := parseUpstreamError(body)
		switch {
		case resp.StatusCode == http.StatusNotFound ||
			resp.StatusCode == http.StatusForbidden ||
			resp.StatusCode == http.StatusUnauthorized ||
			resp.StatusCode == http.StatusGone:
			return &AccessError{
				DocumentID: documentID,
				StatusCode: resp.StatusCode,
				Code:       errCode,
				Message:    errMessage,
			}
		case resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599):
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
					return waitErr
				}
				continue
			}
			return &TransientError{StatusCode: resp.StatusCode, Message: errMessage}
		}
		if errCode != "" {
			return fmt.Errorf("metadata fetch failed: status=%d code=%s message=%s", resp.StatusCode, errCode, errMessage)
		}
		return fmt.Errorf("metadata fetch failed: status=%d message=%s", resp.StatusCode, errMessage)
	}
}

func parseUpstreamError(body []byte) (code, message string) {
	message = strings.TrimSpace(string(body))
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if c, ok := parsed["code"].(string); ok {
			code = c
		}
		if m, ok := parsed["message"].(string); ok && strings.TrimSpace(m) != "" {
			message = m
		}
	}
	return code, message
}

func (c *HTTPMetadataClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			delay = c.maxDelay
			break
		}
	}
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	if c.jitter != nil {
		delay = c.jitter(delay)
	}
	return delay
}

// jitterDelay spreads a backoff delay by ±20% so synchronized retries from
// many tracked documents do not arrive at the upstream in lockstep.
func jitterDelay(delay time.Duration) time.Duration {
	if delay <= 0 {
		return delay
	}
	spread := float64(delay) * 0.2
	offset := (rand.Float64()*2 - 1) * spread
	return time.Duration(float64(delay) + offset)
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

type authError struct {
	status  int
	code    string
	message string
}

// authorize gates the command and query endpoints behind the configured
// bearer token. The websocket stream also accepts the token as a query
// parameter because browser websocket clients cannot set headers.
func (s *Server) authorize(r *http.Request) *authError {
	if s.cfg.APIToken == "" {
		return nil
	}
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIToken)) != 1 {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid bearer token"}
	}
	return nil
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// verifyWebhookSignature checks the upstream delivery signature: hex
// HMAC-SHA256 over "<timestamp>\n<body>" with the shared secret, with the
// timestamp bounded by maxSkew in either direction.
func verifyWebhookSignature(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if secret == "" {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "webhook secret not configured"}
	}
	if timestamp == "" || signature == "" {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing webhook signature headers"}
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid webhook timestamp"}
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "webhook delivery outside replay window"}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	expectedHex := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expectedHex)) {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "webhook signature mismatch"}
	}
	return nil
}

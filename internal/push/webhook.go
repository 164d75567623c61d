package push

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/earth92/appsuite-middleware-sub014/internal/store"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body so
// endpoints can verify the notification came from us.
const SignatureHeader = "X-Push-Signature"

// WebhookTransport implements DAV push: events are POSTed as JSON to the
// callback URL registered as the subscription token.
type WebhookTransport struct {
	secret     []byte
	httpClient *http.Client
}

func NewWebhookTransport(secret string, httpClient *http.Client) *WebhookTransport {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookTransport{secret: []byte(secret), httpClient: httpClient}
}

func (t *WebhookTransport) ID() string { return "webhook" }

func (t *WebhookTransport) Deliver(ctx context.Context, sub store.PushSubscription, ev Event) error {
	body, err := ev.Encode()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Token, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(t.secret, body))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: endpoint gone", ErrPermanent)
	default:
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
}

// Sign computes the hex HMAC-SHA256 signature endpoints verify.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

package service

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	standardwebhooks "github.com/standard-webhooks/standard-webhooks/libraries/go"

	"github.com/damien-schneider/reflect-os/platform/go/apperr"
)

// Standard Webhooks headers.
const (
	HeaderWebhookID        = "webhook-id"
	HeaderWebhookTimestamp = "webhook-timestamp"
	HeaderWebhookSignature = "webhook-signature"
)

const secretPrefix = "whsec_"

// DefaultTolerance bounds the clock skew accepted on webhook-timestamp.
const DefaultTolerance = 5 * time.Minute

// Verifier checks Standard Webhooks signatures with a pre-shared secret. Signature matching
// is done by the standardwebhooks library; the timestamp window is checked here against an
// injectable clock.
type Verifier struct {
	webhook   *standardwebhooks.Webhook
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier accepts either a "whsec_"-prefixed base64 secret or a raw secret string.
func NewVerifier(secret string, tolerance time.Duration) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	var (
		wh  *standardwebhooks.Webhook
		err error
	)
	if strings.HasPrefix(secret, secretPrefix) {
		wh, err = standardwebhooks.NewWebhook(secret)
	} else {
		wh, err = standardwebhooks.NewWebhookRaw([]byte(secret))
	}
	if err != nil {
		return nil, fmt.Errorf("decode webhook secret: %w", err)
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{webhook: wh, tolerance: tolerance, now: time.Now}, nil
}

// Sign returns the v1 signature header value of a delivery.
func (v *Verifier) Sign(id string, timestamp time.Time, body []byte) (string, error) {
	return v.webhook.Sign(id, timestamp, body)
}

// Verify checks the headers of a delivery against body. Any failure wraps apperr.ErrSignatureInvalid.
func (v *Verifier) Verify(header http.Header, body []byte) error {
	rawTimestamp := header.Get(HeaderWebhookTimestamp)
	if header.Get(HeaderWebhookID) == "" || rawTimestamp == "" || header.Get(HeaderWebhookSignature) == "" {
		return fmt.Errorf("missing webhook headers: %w", apperr.ErrSignatureInvalid)
	}

	seconds, err := strconv.ParseInt(rawTimestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed webhook timestamp: %w", apperr.ErrSignatureInvalid)
	}
	skew := v.now().Sub(time.Unix(seconds, 0))
	if skew > v.tolerance || skew < -v.tolerance {
		return fmt.Errorf("webhook timestamp outside tolerance: %w", apperr.ErrSignatureInvalid)
	}

	if err := v.webhook.VerifyIgnoringTimestamp(body, header); err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrSignatureInvalid, err)
	}
	return nil
}

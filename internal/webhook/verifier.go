// Package webhook authenticates provider webhook deliveries.
//
// A delivery is trusted only if its Stripe-Signature header carries a
// timestamp within the tolerance and an HMAC-SHA256 of
// "<timestamp>.<raw body>" under the shared signing secret. Nothing in the
// body is read, logged or decoded before that check passes.
package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	stripewebhook "github.com/stripe/stripe-go/v81/webhook"
)

// SignatureHeader is the HTTP header carrying the signature.
const SignatureHeader = "Stripe-Signature"

// DefaultTolerance is the maximum accepted age of a signed timestamp.
const DefaultTolerance = 5 * time.Minute

var (
	// ErrInvalidSignature: no signature in the header matches the payload.
	ErrInvalidSignature = errors.New("webhook: invalid signature")
	// ErrExpiredTimestamp: the signed timestamp is older than the tolerance.
	ErrExpiredTimestamp = errors.New("webhook: timestamp outside tolerance")
	// ErrMalformedHeader: the signature header is missing or unparseable.
	ErrMalformedHeader = errors.New("webhook: malformed signature header")
	// ErrMalformedPayload: the body was authentic but is not an event.
	ErrMalformedPayload = errors.New("webhook: malformed payload")
)

// VerifiedEvent is a provider event whose signature has been checked.
type VerifiedEvent struct {
	Event *stripe.Event
	// Digest is the hex SHA-256 of the raw payload.
	Digest string
}

// Verifier checks webhook signatures. The zero Tolerance means DefaultTolerance.
// Safe for concurrent use.
type Verifier struct {
	Secret    string
	Tolerance time.Duration
}

// NewVerifier returns a Verifier for secret.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{Secret: secret, Tolerance: tolerance}
}

// Verify authenticates payload against the signature header and decodes it.
func (v *Verifier) Verify(payload []byte, header string) (*VerifiedEvent, error) {
	if v.Secret == "" {
		// without a secret nothing can be trusted
		return nil, ErrInvalidSignature
	}
	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	if err := checkHeader(header); err != nil {
		return nil, err
	}
	if err := stripewebhook.ValidatePayloadWithTolerance(payload, header, v.Secret, tolerance); err != nil {
		return nil, classify(err)
	}

	var ev stripe.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if ev.ID == "" || ev.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedPayload)
	}
	return &VerifiedEvent{Event: &ev, Digest: Digest(payload)}, nil
}

// Digest returns the hex SHA-256 of payload.
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// checkHeader requires exactly one integer t= and at least one v1= entry.
// The provider library treats a missing timestamp as "too old", which would
// misreport a malformed header as a replay.
func checkHeader(header string) error {
	if strings.TrimSpace(header) == "" {
		return ErrMalformedHeader
	}
	var haveTimestamp, haveSignature bool
	for _, pair := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return ErrMalformedHeader
		}
		switch key {
		case "t":
			if haveTimestamp {
				return ErrMalformedHeader
			}
			if _, err := strconv.ParseInt(value, 10, 64); err != nil {
				return ErrMalformedHeader
			}
			haveTimestamp = true
		case "v1":
			if value != "" {
				haveSignature = true
			}
		}
	}
	if !haveTimestamp || !haveSignature {
		return ErrMalformedHeader
	}
	return nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, stripewebhook.ErrTooOld):
		return ErrExpiredTimestamp
	case errors.Is(err, stripewebhook.ErrNotSigned), errors.Is(err, stripewebhook.ErrInvalidHeader):
		return ErrMalformedHeader
	case errors.Is(err, stripewebhook.ErrNoValidSignature):
		return ErrInvalidSignature
	}
	return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
}

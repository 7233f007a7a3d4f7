package payments

import (
	"errors"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// ErrMissingSignature is returned when the signature header is absent.
var ErrMissingSignature = errors.New("payments: missing signature header")

// ErrInvalidSignature is returned when the payload fails HMAC verification.
var ErrInvalidSignature = errors.New("payments: invalid signature")

// SignatureVerifier authenticates raw webhook payloads against one
// endpoint secret. Each webhook endpoint (payments, issuing) gets its own
// verifier because the gateway issues a secret per endpoint.
type SignatureVerifier struct {
	secret string
}

// NewSignatureVerifier constructs a verifier for one endpoint secret.
func NewSignatureVerifier(secret string) (*SignatureVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("payments: webhook secret is required")
	}
	return &SignatureVerifier{secret: secret}, nil
}

// Verify checks the payload's HMAC signature and decodes the event
// envelope. The gateway rotates API versions independently of this
// service, so version mismatches are tolerated; the payload parsers
// only read fields stable across versions.
func (v *SignatureVerifier) Verify(payload []byte, signatureHeader string) (stripe.Event, error) {
	if strings.TrimSpace(signatureHeader) == "" {
		return stripe.Event{}, ErrMissingSignature
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, errors.Join(ErrInvalidSignature, err)
	}
	return event, nil
}

// VerifyAndParse verifies the payload and maps it onto the typed union.
func (v *SignatureVerifier) VerifyAndParse(payload []byte, signatureHeader string) (Event, error) {
	event, err := v.Verify(payload, signatureHeader)
	if err != nil {
		return nil, err
	}
	return ParseEvent(event)
}

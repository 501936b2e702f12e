package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "tiller/notify"

// ActionClaims bind an out-of-band approve/reject link to one approval, one
// approver, and the exact action content the approval was created for. A
// token presented after the parameters changed carries a stale binding hash
// and fails at the state machine even if the signature still verifies.
type ActionClaims struct {
	jwt.RegisteredClaims
	ApproverID  string `json:"approverId"`
	BindingHash string `json:"bindingHash"`
}

// TokenIssuer mints and verifies HS256 action tokens for notification links.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

// TokenOption configures a TokenIssuer.
type TokenOption func(*TokenIssuer)

// WithTokenTTL overrides the default 24h token lifetime.
func WithTokenTTL(ttl time.Duration) TokenOption {
	return func(t *TokenIssuer) { t.ttl = ttl }
}

// WithTokenClock substitutes the time source, for tests.
func WithTokenClock(clock func() time.Time) TokenOption {
	return func(t *TokenIssuer) { t.clock = clock }
}

// NewTokenIssuer builds an issuer over a shared signing secret.
func NewTokenIssuer(secret []byte, opts ...TokenOption) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("notify: empty token secret")
	}
	t := &TokenIssuer{
		secret: secret,
		ttl:    24 * time.Hour,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Issue signs a token for one approver acting on one approval.
func (t *TokenIssuer) Issue(approvalID, approverID, bindingHash string) (string, error) {
	now := t.clock().UTC()
	claims := ActionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   approvalID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
		ApproverID:  approverID,
		BindingHash: bindingHash,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign action token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and returns its claims. Only HS256 under the
// issuer's secret is accepted; anything expired, re-signed, or tampered with
// is rejected.
func (t *TokenIssuer) Verify(token string) (*ActionClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &ActionClaims{},
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("verify action token: %w", err)
	}
	claims, ok := parsed.Claims.(*ActionClaims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}

// Tokenized mints one action token per approver and attaches them to the
// notification before delegating to the sink. Sinks that render approve and
// reject links get tamper-evident ones; sinks that ignore the field lose
// nothing.
type Tokenized struct {
	sink   Notifier
	issuer *TokenIssuer
}

// NewTokenized wraps a sink with an issuer.
func NewTokenized(sink Notifier, issuer *TokenIssuer) *Tokenized {
	return &Tokenized{sink: sink, issuer: issuer}
}

// Notify attaches tokens and delivers. A signing failure fails the whole
// notification; delivery stays best-effort at the caller.
func (t *Tokenized) Notify(ctx context.Context, n Notification) error {
	if len(n.Approvers) > 0 {
		tokens := make(map[string]string, len(n.Approvers))
		for _, approver := range n.Approvers {
			token, err := t.issuer.Issue(n.ApprovalID, approver, n.BindingHash)
			if err != nil {
				return fmt.Errorf("issue action token for %s: %w", approver, err)
			}
			tokens[approver] = token
		}
		n.ActionTokens = tokens
	}
	return t.sink.Notify(ctx, n)
}

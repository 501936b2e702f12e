package notify

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/tillerhq/tiller/pkg/contracts"
)

var notifyTime = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

func sampleNotification() Notification {
	return Notification{
		ApprovalID:   "apr-1",
		EnvelopeID:   "env-1",
		Summary:      "pause campaign c-1",
		RiskCategory: contracts.RiskMedium,
		BindingHash:  "abc123",
		ExpiresAt:    notifyTime.Add(24 * time.Hour),
		Approvers:    []string{"alice", "bob"},
	}
}

func TestLogNotifierThrottles(t *testing.T) {
	n := NewLogNotifier(
		WithLogNotifierLogger(slog.New(slog.DiscardHandler)),
		WithRateLimit(rate.Limit(1), 2),
	)
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, sampleNotification()))
	require.NoError(t, n.Notify(ctx, sampleNotification()))
	assert.ErrorIs(t, n.Notify(ctx, sampleNotification()), ErrThrottled)
}

func TestMultiAttemptsEverySink(t *testing.T) {
	var delivered []string
	record := func(name string) Notifier {
		return notifierFunc(func(context.Context, Notification) error {
			delivered = append(delivered, name)
			return nil
		})
	}
	failing := notifierFunc(func(context.Context, Notification) error { return ErrThrottled })

	m := Multi{record("a"), failing, record("b")}
	err := m.Notify(context.Background(), sampleNotification())
	assert.ErrorIs(t, err, ErrThrottled)
	assert.Equal(t, []string{"a", "b"}, delivered)
}

type notifierFunc func(context.Context, Notification) error

func (f notifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

func TestActionTokenRoundTrip(t *testing.T) {
	issuer, err := NewTokenIssuer([]byte("test-secret"), WithTokenClock(func() time.Time { return notifyTime }))
	require.NoError(t, err)

	token, err := issuer.Issue("apr-1", "alice", "abc123")
	require.NoError(t, err)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "apr-1", claims.Subject)
	assert.Equal(t, "alice", claims.ApproverID)
	assert.Equal(t, "abc123", claims.BindingHash)
}

func TestActionTokenExpires(t *testing.T) {
	now := notifyTime
	issuer, err := NewTokenIssuer([]byte("test-secret"),
		WithTokenTTL(time.Hour),
		WithTokenClock(func() time.Time { return now }))
	require.NoError(t, err)

	token, err := issuer.Issue("apr-1", "alice", "abc123")
	require.NoError(t, err)

	now = notifyTime.Add(2 * time.Hour)
	_, err = issuer.Verify(token)
	assert.Error(t, err)
}

func TestActionTokenRejectsForeignSignature(t *testing.T) {
	mine, err := NewTokenIssuer([]byte("test-secret"), WithTokenClock(func() time.Time { return notifyTime }))
	require.NoError(t, err)
	theirs, err := NewTokenIssuer([]byte("other-secret"), WithTokenClock(func() time.Time { return notifyTime }))
	require.NoError(t, err)

	token, err := theirs.Issue("apr-1", "alice", "abc123")
	require.NoError(t, err)

	_, err = mine.Verify(token)
	assert.Error(t, err)
}

func TestActionTokenRejectsTampering(t *testing.T) {
	issuer, err := NewTokenIssuer([]byte("test-secret"), WithTokenClock(func() time.Time { return notifyTime }))
	require.NoError(t, err)

	token, err := issuer.Issue("apr-1", "alice", "abc123")
	require.NoError(t, err)

	_, err = issuer.Verify(token + "x")
	assert.Error(t, err)

	_, err = issuer.Verify("")
	assert.Error(t, err)
}

func TestEmptySecretRejected(t *testing.T) {
	_, err := NewTokenIssuer(nil)
	assert.Error(t, err)
}

func TestTokenizedAttachesOneTokenPerApprover(t *testing.T) {
	issuer, err := NewTokenIssuer([]byte("test-secret"), WithTokenClock(func() time.Time { return notifyTime }))
	require.NoError(t, err)

	var got Notification
	sink := notifierFunc(func(_ context.Context, n Notification) error {
		got = n
		return nil
	})

	wrapped := NewTokenized(sink, issuer)
	require.NoError(t, wrapped.Notify(context.Background(), sampleNotification()))

	require.Len(t, got.ActionTokens, 2)
	claims, err := issuer.Verify(got.ActionTokens["bob"])
	require.NoError(t, err)
	assert.Equal(t, "apr-1", claims.Subject)
	assert.Equal(t, "bob", claims.ApproverID)
	assert.Equal(t, "abc123", claims.BindingHash)
}

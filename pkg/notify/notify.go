// Package notify delivers approval requests to humans. Delivery is
// best-effort by contract: the broker never blocks or fails a proposal
// because a notification could not go out, so implementations should be
// cheap and non-blocking.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/tillerhq/tiller/pkg/contracts"
)

// ErrThrottled reports a notification dropped by the rate limiter. Callers
// treat it like any other delivery failure: log and move on.
var ErrThrottled = errors.New("notify: throttled")

// Notification is what an approver needs to act on a pending request.
type Notification struct {
	ApprovalID   string                 `json:"approvalId"`
	EnvelopeID   string                 `json:"envelopeId"`
	Summary      string                 `json:"summary"`
	RiskCategory contracts.RiskCategory `json:"riskCategory"`
	BindingHash  string                 `json:"bindingHash"`
	ExpiresAt    time.Time              `json:"expiresAt"`
	Approvers    []string               `json:"approvers"`

	// ActionTokens, when set by a Tokenized wrapper, carry one signed
	// approve/reject token per approver for out-of-band links.
	ActionTokens map[string]string `json:"actionTokens,omitempty"`
}

// Notifier sends one notification per routed approval.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier is the reference implementation: it writes the notification to
// the log, throttled so a runaway proposal loop cannot flood the sink.
type LogNotifier struct {
	logger  *slog.Logger
	limiter *rate.Limiter
}

// LogOption configures a LogNotifier.
type LogOption func(*LogNotifier)

// WithLogNotifierLogger overrides the default logger.
func WithLogNotifierLogger(logger *slog.Logger) LogOption {
	return func(n *LogNotifier) { n.logger = logger }
}

// WithRateLimit replaces the default limit of 1 notification per second with
// a burst of 10.
func WithRateLimit(limit rate.Limit, burst int) LogOption {
	return func(n *LogNotifier) { n.limiter = rate.NewLimiter(limit, burst) }
}

// NewLogNotifier builds the log-backed notifier.
func NewLogNotifier(opts ...LogOption) *LogNotifier {
	n := &LogNotifier{
		logger:  slog.Default().With("component", "notify"),
		limiter: rate.NewLimiter(rate.Limit(1), 10),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify logs the notification, or returns ErrThrottled when over the limit.
func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	if !l.limiter.Allow() {
		return ErrThrottled
	}
	l.logger.InfoContext(ctx, "approval requested",
		"approvalId", n.ApprovalID,
		"envelopeId", n.EnvelopeID,
		"summary", n.Summary,
		"risk", n.RiskCategory,
		"bindingHash", n.BindingHash,
		"expiresAt", n.ExpiresAt,
		"approvers", n.Approvers,
	)
	return nil
}

// Multi fans a notification out to several sinks; the first error wins but
// every sink is attempted.
type Multi []Notifier

// Notify delivers to all sinks.
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var firstErr error
	for _, sink := range m {
		if err := sink.Notify(ctx, n); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

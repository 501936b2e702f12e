package jobs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillerhq/tiller/pkg/approval"
	"github.com/tillerhq/tiller/pkg/audit"
	"github.com/tillerhq/tiller/pkg/contracts"
	"github.com/tillerhq/tiller/pkg/store"
	"github.com/tillerhq/tiller/pkg/telemetry"
)

var jobsEpoch = time.Date(2025, 7, 14, 9, 0, 0, 0, time.UTC)

type stubExpirer struct {
	calls []string
	errs  map[string]error
}

func (s *stubExpirer) ExpireApproval(_ context.Context, approvalID string) (*contracts.ApprovalState, error) {
	s.calls = append(s.calls, approvalID)
	if err := s.errs[approvalID]; err != nil {
		return nil, err
	}
	return &contracts.ApprovalState{ApprovalID: approvalID, Status: contracts.ApprovalExpired}, nil
}

func seedPending(t *testing.T, approvals *store.MemoryApprovals, id string, expiresAt time.Time) {
	t.Helper()
	err := approvals.Create(context.Background(),
		&contracts.ApprovalRequest{
			ID:             id,
			EnvelopeID:     "env_" + id,
			OrganizationID: "org_1",
			ActionType:     "ads.campaign.pause",
			RequiredLevel:  contracts.ApprovalStandard,
			Approvers:      []string{"lead_1"},
			ExpiresAt:      expiresAt,
		},
		&contracts.ApprovalState{ApprovalID: id, Status: contracts.ApprovalPending, ExpiresAt: expiresAt},
	)
	require.NoError(t, err)
}

func quietRunner(approvals store.ApprovalStore, exp Expirer, audits *audit.Writer, opts ...Option) *Runner {
	base := []Option{
		WithClock(func() time.Time { return jobsEpoch }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return New(approvals, exp, audits, append(base, opts...)...)
}

func TestScanExpiresOnlyLapsedApprovals(t *testing.T) {
	approvals := store.NewMemoryApprovals()
	seedPending(t, approvals, "apr_lapsed", jobsEpoch.Add(-time.Hour))
	seedPending(t, approvals, "apr_live", jobsEpoch.Add(time.Hour))

	exp := &stubExpirer{}
	r := quietRunner(approvals, exp, audit.NewWriter(audit.NewMemoryLedger()))

	n, err := r.ScanExpiries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"apr_lapsed"}, exp.calls)
}

func TestScanShrugsOffConcurrentResponders(t *testing.T) {
	approvals := store.NewMemoryApprovals()
	seedPending(t, approvals, "apr_a", jobsEpoch.Add(-time.Hour))
	seedPending(t, approvals, "apr_b", jobsEpoch.Add(-time.Hour))
	seedPending(t, approvals, "apr_c", jobsEpoch.Add(-time.Hour))

	// A responder beat the scanner to apr_a and apr_b; both losses are
	// benign and must not abort the pass.
	exp := &stubExpirer{errs: map[string]error{
		"apr_a": fmt.Errorf("update approval state: %w", store.ErrStaleVersion),
		"apr_b": fmt.Errorf("expire: %w", approval.ErrCannotTransition),
	}}
	r := quietRunner(approvals, exp, audit.NewWriter(audit.NewMemoryLedger()))

	n, err := r.ScanExpiries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, exp.calls, 3)
}

func TestScanKeepsGoingPastHardErrors(t *testing.T) {
	approvals := store.NewMemoryApprovals()
	seedPending(t, approvals, "apr_a", jobsEpoch.Add(-2*time.Hour))
	seedPending(t, approvals, "apr_b", jobsEpoch.Add(-time.Hour))

	exp := &stubExpirer{errs: map[string]error{
		"apr_a": fmt.Errorf("postgres: connection reset"),
	}}
	r := quietRunner(approvals, exp, audit.NewWriter(audit.NewMemoryLedger()))

	n, err := r.ScanExpiries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"apr_a", "apr_b"}, exp.calls)
}

func TestVerifyChainAdvancesCheckpoint(t *testing.T) {
	ledger := audit.NewMemoryLedger()
	w := audit.NewWriter(ledger)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := w.Record(ctx, audit.Draft{EventType: audit.EventActionExecuted, Summary: "entry"})
		require.NoError(t, err)
	}

	capture := telemetry.NewCapture()
	r := quietRunner(store.NewMemoryApprovals(), &stubExpirer{}, w, WithRecorder(capture))

	res, err := r.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	offset, head := r.Checkpoint()
	assert.Equal(t, int64(3), offset)
	wantHead, err := ledger.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, wantHead, head)

	// The next pass only reads the two new entries and moves the checkpoint on.
	for i := 0; i < 2; i++ {
		_, err := w.Record(ctx, audit.Draft{EventType: audit.EventActionExecuted, Summary: "later"})
		require.NoError(t, err)
	}
	res, err = r.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	offset, _ = r.Checkpoint()
	assert.Equal(t, int64(5), offset)
	assert.Equal(t, 2, capture.ChainChecks[true])
}

// tamperedLedger simulates storage corruption: reads past it return one entry
// whose content no longer matches its recorded hash.
type tamperedLedger struct {
	*audit.MemoryLedger
	position int64
}

func (l *tamperedLedger) Since(ctx context.Context, offset int64) ([]*audit.Entry, error) {
	entries, err := l.MemoryLedger.Since(ctx, offset)
	if err != nil {
		return nil, err
	}
	for i, e := range entries {
		if offset+int64(i) == l.position {
			e.Summary = "doctored"
		}
	}
	return entries, nil
}

func TestVerifyChainReportsABreak(t *testing.T) {
	ledger := &tamperedLedger{MemoryLedger: audit.NewMemoryLedger(), position: 1}
	w := audit.NewWriter(ledger)
	ctx := context.Background()
	for _, summary := range []string{"one", "two", "three"} {
		_, err := w.Record(ctx, audit.Draft{EventType: audit.EventActionExecuted, Summary: summary})
		require.NoError(t, err)
	}

	capture := telemetry.NewCapture()
	r := quietRunner(store.NewMemoryApprovals(), &stubExpirer{}, w, WithRecorder(capture))

	res, err := r.VerifyChain(ctx)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, 1, res.BrokenAt)
	assert.Equal(t, 1, capture.ChainChecks[false])

	// The checkpoint froze and a critical event landed on the ledger.
	offset, head := r.Checkpoint()
	assert.Equal(t, int64(0), offset)
	assert.Empty(t, head)

	alerts, err := ledger.Query(ctx, audit.Filter{EventType: audit.EventChainBroken})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "chain-verifier", alerts[0].ActorID)
	assert.Equal(t, contracts.RiskCritical, alerts[0].RiskCategory)
	assert.Contains(t, alerts[0].Summary, "position 1")

	// Until someone intervenes, every later pass re-reports the same break.
	res, err = r.VerifyChain(ctx)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, 2, capture.ChainChecks[false])
}

func TestVerifyChainIsQuietOnAnEmptyLedger(t *testing.T) {
	capture := telemetry.NewCapture()
	w := audit.NewWriter(audit.NewMemoryLedger())
	r := quietRunner(store.NewMemoryApprovals(), &stubExpirer{}, w, WithRecorder(capture))

	res, err := r.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	offset, _ := r.Checkpoint()
	assert.Equal(t, int64(0), offset)
	assert.Equal(t, 1, capture.ChainChecks[true])
}

func TestStartIsExclusiveAndStopIsIdempotent(t *testing.T) {
	w := audit.NewWriter(audit.NewMemoryLedger())
	r := quietRunner(store.NewMemoryApprovals(), &stubExpirer{}, w,
		WithConfig(Config{ExpiryInterval: time.Hour, VerifyInterval: time.Hour}))
	ctx := context.Background()

	require.NoError(t, r.Start(ctx))
	assert.Error(t, r.Start(ctx))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, r.Stop(stopCtx))
	require.NoError(t, r.Stop(stopCtx))
}

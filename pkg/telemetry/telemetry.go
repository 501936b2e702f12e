// Package telemetry is the instrumentation seam for the broker. Callers hold
// a Recorder; the no-op implementation keeps tests and minimal deployments
// free of exporter setup, the OTEL implementation ships counters, histograms,
// and spans over OTLP.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tillerhq/tiller/pkg/contracts"
)

// EndSpan closes a span opened by StartSpan. Pass the operation's error (nil
// on success) so the span status reflects the outcome.
type EndSpan func(err error)

// Recorder receives the broker's metrics and spans.
type Recorder interface {
	// ProposalDecided counts a proposal by its terminal pipeline outcome:
	// executed, pending_approval, denied, or failed.
	ProposalDecided(ctx context.Context, outcome string)
	// ApprovalCreated counts a routed approval by required level.
	ApprovalCreated(ctx context.Context, level contracts.ApprovalLevel)
	// ApprovalResponded counts a processed response by action.
	ApprovalResponded(ctx context.Context, action contracts.ResponseAction)
	// ExecutionFinished counts a cartridge execution by success.
	ExecutionFinished(ctx context.Context, success bool)
	// AuditAppended counts ledger appends.
	AuditAppended(ctx context.Context)
	// ChainVerified counts audit chain verification passes by result.
	ChainVerified(ctx context.Context, valid bool)

	// PolicyEvalTook, ExecuteTook, and QueueWaitTook feed the latency
	// histograms, all in milliseconds.
	PolicyEvalTook(ctx context.Context, d time.Duration)
	ExecuteTook(ctx context.Context, d time.Duration)
	QueueWaitTook(ctx context.Context, d time.Duration)

	// StartSpan opens a span and returns the derived context. Public
	// orchestrator operations get one span each; policy eval, risk scoring,
	// cartridge execute, and audit append nest under it.
	StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, EndSpan)
}

// Nop discards everything. It is the default wherever a Recorder is optional.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) ProposalDecided(context.Context, string)                     {}
func (Nop) ApprovalCreated(context.Context, contracts.ApprovalLevel)    {}
func (Nop) ApprovalResponded(context.Context, contracts.ResponseAction) {}
func (Nop) ExecutionFinished(context.Context, bool)                     {}
func (Nop) AuditAppended(context.Context)                               {}
func (Nop) ChainVerified(context.Context, bool)                         {}
func (Nop) PolicyEvalTook(context.Context, time.Duration)               {}
func (Nop) ExecuteTook(context.Context, time.Duration)                  {}
func (Nop) QueueWaitTook(context.Context, time.Duration)                {}

func (Nop) StartSpan(ctx context.Context, _ string, _ ...attribute.KeyValue) (context.Context, EndSpan) {
	return ctx, func(error) {}
}

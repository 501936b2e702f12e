package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tillerhq/tiller/pkg/contracts"
)

// Capture is an in-memory Recorder for tests: it counts everything it is
// handed and remembers span names in order.
type Capture struct {
	mu sync.Mutex

	Proposals   map[string]int
	Created     map[contracts.ApprovalLevel]int
	Responded   map[contracts.ResponseAction]int
	Executions  map[bool]int
	ChainChecks map[bool]int
	AuditWrites int

	PolicyEvals []time.Duration
	Executes    []time.Duration
	QueueWaits  []time.Duration

	Spans []string
}

var _ Recorder = (*Capture)(nil)

// NewCapture returns an empty capture recorder.
func NewCapture() *Capture {
	return &Capture{
		Proposals:   make(map[string]int),
		Created:     make(map[contracts.ApprovalLevel]int),
		Responded:   make(map[contracts.ResponseAction]int),
		Executions:  make(map[bool]int),
		ChainChecks: make(map[bool]int),
	}
}

func (c *Capture) ProposalDecided(_ context.Context, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Proposals[outcome]++
}

func (c *Capture) ApprovalCreated(_ context.Context, level contracts.ApprovalLevel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Created[level]++
}

func (c *Capture) ApprovalResponded(_ context.Context, action contracts.ResponseAction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Responded[action]++
}

func (c *Capture) ExecutionFinished(_ context.Context, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Executions[success]++
}

func (c *Capture) AuditAppended(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AuditWrites++
}

func (c *Capture) ChainVerified(_ context.Context, valid bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ChainChecks[valid]++
}

func (c *Capture) PolicyEvalTook(_ context.Context, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PolicyEvals = append(c.PolicyEvals, d)
}

func (c *Capture) ExecuteTook(_ context.Context, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Executes = append(c.Executes, d)
}

func (c *Capture) QueueWaitTook(_ context.Context, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.QueueWaits = append(c.QueueWaits, d)
}

func (c *Capture) StartSpan(ctx context.Context, name string, _ ...attribute.KeyValue) (context.Context, EndSpan) {
	c.mu.Lock()
	c.Spans = append(c.Spans, name)
	c.mu.Unlock()
	return ctx, func(error) {}
}

// SpanNames returns the captured span names in start order.
func (c *Capture) SpanNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Spans...)
}

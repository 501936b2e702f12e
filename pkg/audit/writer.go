package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/tillerhq/tiller/pkg/canonical"
)

// Writer turns drafts into chained entries: it redacts the snapshot,
// normalizes the summary, and appends through the ledger's atomic path.
type Writer struct {
	ledger   Ledger
	redactor *Redactor
	clock    func() time.Time
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithClock overrides the writer's time source for tests.
func WithClock(clock func() time.Time) WriterOption {
	return func(w *Writer) { w.clock = clock }
}

// WithRedactor replaces the default redactor.
func WithRedactor(r *Redactor) WriterOption {
	return func(w *Writer) { w.redactor = r }
}

// NewWriter builds a Writer over a ledger with the default redactor.
func NewWriter(ledger Ledger, opts ...WriterOption) *Writer {
	w := &Writer{
		ledger:   ledger,
		redactor: DefaultRedactor(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Ledger exposes the underlying ledger for reads (verification, export).
func (w *Writer) Ledger() Ledger { return w.ledger }

// Record appends one entry for the draft and returns it. The entry's hash is
// fixed inside the ledger's atomic append, so concurrent writers cannot fork
// the chain.
func (w *Writer) Record(ctx context.Context, d Draft) (*Entry, error) {
	if d.EventType == "" {
		return nil, ErrEmptyEventType
	}
	visibility := d.VisibilityLevel
	if visibility == "" {
		visibility = VisibilityInternal
	}
	snapshot, redactedFields := w.redactor.RedactMap(d.Snapshot)

	return w.ledger.AppendAtomic(ctx, func(prev string) (*Entry, error) {
		e := &Entry{
			ID:                newEntryID(),
			EventType:         d.EventType,
			Timestamp:         w.clock().UTC(),
			ActorType:         d.ActorType,
			ActorID:           d.ActorID,
			EntityType:        d.EntityType,
			EntityID:          d.EntityID,
			RiskCategory:      d.RiskCategory,
			VisibilityLevel:   visibility,
			Summary:           canonical.NormalizeText(d.Summary),
			Snapshot:          snapshot,
			EvidencePointers:  d.EvidencePointers,
			RedactionApplied:  len(redactedFields) > 0,
			RedactedFields:    redactedFields,
			ChainHashVersion:  ChainHashVersion,
			SchemaVersion:     SchemaVersion,
			PreviousEntryHash: prev,
			EnvelopeID:        d.EnvelopeID,
			OrganizationID:    d.OrganizationID,
			TraceID:           d.TraceID,
		}
		hash, err := ComputeEntryHash(e)
		if err != nil {
			return nil, fmt.Errorf("record audit entry: %w", err)
		}
		e.EntryHash = hash
		return e, nil
	})
}

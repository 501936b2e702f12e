package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tillerhq/tiller/pkg/canonical"
)

var (
	// ErrInvalidTimeRange is returned when the export window is inverted.
	ErrInvalidTimeRange = errors.New("audit export: from must be before to")
	// ErrLedgerNotConfigured is returned when export is invoked without a
	// backing ledger (fail-closed).
	ErrLedgerNotConfigured = errors.New("audit export: ledger not configured")
)

// Pack is an exported evidence bundle: a zip of the matching entries plus a
// manifest, checksummed, optionally archived to a blob store.
type Pack struct {
	Archive     []byte    `json:"-"`
	Checksum    string    `json:"checksum"`
	EntryCount  int       `json:"entryCount"`
	ChainValid  bool      `json:"chainValid"`
	GeneratedAt time.Time `json:"generatedAt"`
	Pointer     string    `json:"pointer,omitempty"`
}

// Exporter builds evidence packs from the ledger.
type Exporter struct {
	ledger Ledger
	blobs  BlobStore
	clock  func() time.Time
}

// ExporterOption configures an Exporter.
type ExporterOption func(*Exporter)

// WithBlobStore archives each generated pack and returns its pointer.
func WithBlobStore(b BlobStore) ExporterOption {
	return func(e *Exporter) { e.blobs = b }
}

// WithExportClock overrides the time source for tests.
func WithExportClock(clock func() time.Time) ExporterOption {
	return func(e *Exporter) { e.clock = clock }
}

// NewExporter builds an exporter over a ledger.
func NewExporter(ledger Ledger, opts ...ExporterOption) *Exporter {
	e := &Exporter{ledger: ledger, clock: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GeneratePack exports the entries matching the filter as a zip containing
// entries.json, manifest.json, and a README. The manifest records the entry
// count, the chain head, and whether the full chain verified at export time.
func (e *Exporter) GeneratePack(ctx context.Context, f Filter) (*Pack, error) {
	if e.ledger == nil {
		return nil, ErrLedgerNotConfigured
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.From.After(f.To) {
		return nil, ErrInvalidTimeRange
	}

	entries, err := e.ledger.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit export: query: %w", err)
	}
	verify, err := VerifyLedger(ctx, e.ledger)
	if err != nil {
		return nil, fmt.Errorf("audit export: verify: %w", err)
	}
	head, err := e.ledger.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit export: head: %w", err)
	}

	entriesJSON, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("audit export: marshal entries: %w", err)
	}

	now := e.clock().UTC()
	manifest := map[string]any{
		"generatedAt": now,
		"entryCount":  len(entries),
		"chainHead":   head,
		"chainValid":  verify.Valid,
		"filter": map[string]any{
			"organizationId": f.OrganizationID,
			"envelopeId":     f.EnvelopeID,
			"eventType":      f.EventType,
			"from":           f.From,
			"to":             f.To,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("audit export: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	zf, err := w.Create("entries.json")
	if err != nil {
		return nil, fmt.Errorf("audit export: zip entries: %w", err)
	}
	_, _ = zf.Write(entriesJSON)

	zf, err = w.Create("manifest.json")
	if err != nil {
		return nil, fmt.Errorf("audit export: zip manifest: %w", err)
	}
	_, _ = zf.Write(manifestJSON)

	zf, err = w.Create("README.txt")
	if err != nil {
		return nil, fmt.Errorf("audit export: zip readme: %w", err)
	}
	_, _ = fmt.Fprintf(zf,
		"Audit evidence pack\nGenerated at %s\nEntries: %d\nChain valid: %v\n",
		now.Format(time.RFC3339), len(entries), verify.Valid)

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("audit export: close zip: %w", err)
	}

	archive := buf.Bytes()
	pack := &Pack{
		Archive:     archive,
		Checksum:    canonical.HashBytes(archive),
		EntryCount:  len(entries),
		ChainValid:  verify.Valid,
		GeneratedAt: now,
	}

	if e.blobs != nil {
		pointer, err := e.blobs.Store(ctx, archive)
		if err != nil {
			return nil, fmt.Errorf("audit export: archive upload: %w", err)
		}
		pack.Pointer = pointer
	}
	return pack, nil
}
